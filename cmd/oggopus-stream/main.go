// Command oggopus-stream publishes an Ogg/Opus byte stream from a file or
// stdin to an opusdemux relay, reconnecting when the relay goes away.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/cid"
	"opusdemux/internal/oggdemux"
	"opusdemux/internal/stream"
	"opusdemux/pkg/client"
)

// Delays between reconnect attempts. The last one repeats.
var retryDelays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// maxHeaderCache bounds the prefix kept for priming a new session.
const maxHeaderCache = 64 << 10

// headerCache keeps the stream prefix up to the end of the OpusTags packet.
// A reconnected session is primed with it so the relay learns the sample
// rate again. Until the comment header has passed, it holds every byte read
// from the source.
type headerCache struct {
	d    *oggdemux.Demuxer
	buf  []byte
	done bool
}

func newHeaderCache() *headerCache {
	h := &headerCache{d: oggdemux.New()}
	h.d.SetOnHeaderPacket(func(kind oggdemux.HeaderKind, _ []byte) {
		if kind == oggdemux.HeaderComment {
			h.done = true
		}
	})
	return h
}

// Write observes bytes read from the source. Bytes are fed one at a time so
// the cache ends exactly where the comment header does.
func (h *headerCache) Write(p []byte) (int, error) {
	for i := 0; i < len(p) && !h.done; i++ {
		h.buf = append(h.buf, p[i])
		stream.Feed(h.d, p[i:i+1])
		if !h.done && len(h.buf) >= maxHeaderCache {
			h.done, h.buf = true, nil
		}
	}
	return len(p), nil
}

// Prefix returns what a new session is primed with: the header pages once
// complete, otherwise everything read so far, so the new session sees a
// contiguous stream either way. It is nil when nothing was read or the
// source had no Opus headers within maxHeaderCache bytes.
func (h *headerCache) Prefix() []byte {
	return h.buf
}

// sourceReader remembers the last read error so it can be told apart from
// a failed send.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// StreamClient publishes one source, possibly over several sessions.
type StreamClient struct {
	Options    client.Options
	ChunkSize  int
	Pace       time.Duration
	StatsEvery time.Duration
	MaxRetries int // negative retries forever

	out        io.Writer
	retryCount int
	cache      *headerCache
	sent       atomic.Int64
	sessions   int
	started    time.Time
}

func NewStreamClient(o client.Options, out io.Writer) *StreamClient {
	return &StreamClient{
		Options:    o,
		ChunkSize:  stream.DefaultChunkSize,
		MaxRetries: -1,
		out:        out,
		cache:      newHeaderCache(),
	}
}

func (c *StreamClient) shouldStopRetrying() bool {
	return c.MaxRetries >= 0 && c.retryCount >= c.MaxRetries
}

func (c *StreamClient) getRetryDelay() time.Duration {
	i := c.retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(retryDelays) {
		i = len(retryDelays) - 1
	}
	return retryDelays[i]
}

// ConnectWithRetry opens a publish session, waiting between failed
// attempts. A resumed session is primed with the cached headers.
func (c *StreamClient) ConnectWithRetry(ctx context.Context) (*client.Publisher, error) {
	for {
		pub, err := client.Publish(ctx, c.Options)
		if err == nil {
			if c.retryCount > 0 {
				logger.Tf(ctx, "reconnected after %d attempts, stream %v", c.retryCount, pub.StreamID())
				c.retryCount = 0
			}
			c.sessions++
			if c.sessions > 1 {
				if err := c.prime(ctx, pub); err != nil {
					_ = pub.Close()
					return nil, err
				}
			}
			return pub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.shouldStopRetrying() {
			return nil, errors.Wrapf(err, "max retries (%d) exceeded", c.MaxRetries)
		}
		c.retryCount++
		delay := c.getRetryDelay()
		logger.Wf(ctx, "connect failed (attempt %d): %v, retrying in %v", c.retryCount, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *StreamClient) prime(ctx context.Context, pub *client.Publisher) error {
	prefix := c.cache.Prefix()
	if prefix == nil {
		if c.cache.done {
			logger.Wf(ctx, "no Opus headers to resend, stream %v will discard packets", pub.StreamID())
		}
		return nil
	}
	if err := pub.SendChunk(ctx, prefix); err != nil {
		return errors.Wrap(err, "resend headers")
	}
	return nil
}

// Stream copies r to the relay until EOF, a source error or ctx is done.
// It returns the number of bytes sent.
func (c *StreamClient) Stream(ctx context.Context, r io.Reader) (int64, error) {
	c.started = time.Now()
	src := &sourceReader{r: r}
	tee := io.TeeReader(src, c.cache)

	for {
		pub, err := c.ConnectWithRetry(ctx)
		if err != nil {
			return c.sent.Load(), err
		}
		logger.Tf(ctx, "publishing as stream %v", pub.StreamID())

		sctx, stopStats := context.WithCancel(ctx)
		go c.displayStats(sctx, pub)
		n, err := pub.StreamFromReader(ctx, tee, c.ChunkSize, c.Pace)
		stopStats()
		sent := c.sent.Add(n)

		if err == nil {
			c.printFinal(ctx, pub)
			return sent, errors.Wrap(pub.Close(), "close")
		}
		_ = pub.Close()
		if ctx.Err() != nil {
			return sent, nil
		}
		if src.err != nil {
			return sent, err
		}
		logger.Wf(ctx, "connection lost after %v sent: %v", formatBytes(sent), err)
	}
}

func (c *StreamClient) displayStats(ctx context.Context, pub *client.Publisher) {
	if c.StatsEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.StatsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := pub.Stats(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(c.out, "%s | sent %s | pages %d | packets %d | discarded %d\n",
				formatDuration(time.Since(c.started)), formatBytes(c.sent.Load()), st.Pages, st.Packets, st.Discarded)
		}
	}
}

func (c *StreamClient) printFinal(ctx context.Context, pub *client.Publisher) {
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := pub.Stats(sctx)
	if err != nil {
		logger.Wf(ctx, "final stats: %v", err)
		return
	}
	rate := ""
	if info := pub.Info(); info != nil {
		rate = fmt.Sprintf(" at %d Hz", info.SampleRate)
	}
	fmt.Fprintf(c.out, "stream %s done%s: %s in %s, %d packets, %d pages\n",
		pub.StreamID(), rate, formatBytes(c.sent.Load()), formatDuration(time.Since(c.started)), st.Packets, st.Pages)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

const usage = `oggopus-stream publishes Ogg/Opus audio to an opusdemux relay.

USAGE:
    oggopus-stream [OPTIONS]

EXAMPLES:
    ffmpeg -i input.mp3 -c:a libopus -b:a 32k -f opus - | oggopus-stream
    oggopus-stream -in talk.opus -pace 20ms -url http://relay:8080

OPTIONS:
`

func main() {
	var (
		url        = flag.String("url", "http://localhost:8080", "relay base URL")
		in         = flag.String("in", "-", "Ogg/Opus input file, - for stdin")
		chunkSize  = flag.Int("chunk", stream.DefaultChunkSize, "chunk size in bytes, capped at 1 MiB")
		pace       = flag.Duration("pace", 0, "sleep between chunks")
		statsEvery = flag.Duration("stats", 5*time.Second, "relay stats interval, 0 disables")
		maxRetries = flag.Int("max-retries", -1, "reconnect attempts, negative for unlimited")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = cid.Ensure(ctx)

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			logger.Ef(ctx, "open %v: %v", *in, err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	c := NewStreamClient(client.Options{ServerURL: *url}, os.Stderr)
	c.ChunkSize, c.Pace, c.StatsEvery, c.MaxRetries = *chunkSize, *pace, *statsEvery, *maxRetries

	if _, err := c.Stream(ctx, r); err != nil {
		logger.Ef(ctx, "stream: %+v", err)
		stop()
		os.Exit(1)
	}
}
