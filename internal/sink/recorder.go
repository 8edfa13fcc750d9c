package sink

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	logFormat  = "opusdemux-packets"
	logVersion = 1
)

// ErrBadLog is returned by Replay for input that is not a packet log.
var ErrBadLog = errors.New("sink: not an opus packet log")

type logHeader struct {
	Format  string `msgpack:"format"`
	Version int    `msgpack:"version"`
}

// Recorder appends packets to a msgpack stream: a header record followed
// by one Packet record per packet.
type Recorder struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	enc    *msgpack.Encoder
	closer io.Closer
	count  uint64
	closed bool
}

// NewRecorder writes a packet log to w. Close flushes and, when w is an
// io.Closer, closes it.
func NewRecorder(w io.Writer) (*Recorder, error) {
	bw := bufio.NewWriter(w)
	r := &Recorder{bw: bw, enc: msgpack.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	if err := r.enc.Encode(&logHeader{Format: logFormat, Version: logVersion}); err != nil {
		return nil, errors.Wrap(err, "write log header")
	}
	return r, nil
}

// CreateRecorder creates (or truncates) path and records into it.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %v", path)
	}
	r, err := NewRecorder(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) WritePacket(_ context.Context, p Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder closed")
	}
	if err := r.enc.Encode(&p); err != nil {
		return errors.Wrapf(err, "record packet %d", p.Seq)
	}
	r.count++
	return nil
}

// Count reports how many packets were recorded.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.bw.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return errors.Wrap(err, "close recorder")
}

// Replay decodes a packet log from r and calls fn for each packet in order.
// It returns the number of packets delivered.
func Replay(r io.Reader, fn func(Packet) error) (int, error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))

	var h logHeader
	if err := dec.Decode(&h); err != nil {
		return 0, errors.Wrap(ErrBadLog, err.Error())
	}
	if h.Format != logFormat {
		return 0, errors.Wrapf(ErrBadLog, "format %q", h.Format)
	}
	if h.Version != logVersion {
		return 0, errors.Wrapf(ErrBadLog, "version %d", h.Version)
	}

	n := 0
	for {
		var p Packet
		if err := dec.Decode(&p); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, errors.Wrapf(err, "decode packet %d", n)
		}
		if err := fn(p); err != nil {
			return n, err
		}
		n++
	}
}
