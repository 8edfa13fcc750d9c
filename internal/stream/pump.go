// Package stream drives a demuxer from chunked byte sources.
package stream

import (
	"context"
	"io"

	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/oggdemux"
)

// DefaultChunkSize matches a typical network read.
const DefaultChunkSize = 4096

// Feed hands chunk to d. When d consumes less than the whole chunk it has
// dropped an oversized packet and gone back to page search, so the rest is
// fed again until nothing is left. It returns how many times that happened.
func Feed(d oggdemux.DemuxerAPI, chunk []byte) (resyncs int) {
	for len(chunk) > 0 {
		n := d.Process(chunk)
		if n >= len(chunk) {
			break
		}
		resyncs++
		chunk = chunk[n:]
	}
	return resyncs
}

// Result summarizes a Pump run.
type Result struct {
	Bytes   int64 `json:"bytes"`
	Chunks  int   `json:"chunks"`
	Resyncs int   `json:"resyncs"`
}

// Pump reads r in chunks of at most chunkSize bytes and feeds them to d
// until r is exhausted or ctx is done. A clean EOF returns a nil error.
func Pump(ctx context.Context, r io.Reader, d oggdemux.DemuxerAPI, chunkSize int) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var res Result
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "pump canceled")
		}
		n, err := r.Read(buf)
		if n > 0 {
			res.Bytes += int64(n)
			res.Chunks++
			if k := Feed(d, buf[:n]); k > 0 {
				res.Resyncs += k
				logger.Wf(ctx, "demuxer resynced %d time(s) in chunk %d", k, res.Chunks)
			}
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, errors.Wrapf(err, "read after %d bytes", res.Bytes)
		}
	}
}
