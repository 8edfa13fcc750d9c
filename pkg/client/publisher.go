package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/pkg/protocol"
)

// Publisher sends a raw Ogg/Opus byte stream to the relay.
type Publisher struct {
	conn     *websocket.Conn
	streamID string

	mu    sync.Mutex
	info  *protocol.StreamInfo
	stats chan protocol.Stats
	err   error
	done  chan struct{}
}

// Publish opens a publish session and waits for the relay to assign a
// stream id.
func Publish(ctx context.Context, o Options) (*Publisher, error) {
	conn, err := dial(ctx, o, protocol.PathPublish)
	if err != nil {
		return nil, err
	}
	msg, _, err := readMessage(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, errors.Wrap(err, "read stream_started")
	}
	if msg == nil || msg.Type != protocol.TypeStreamStarted {
		_ = conn.Close(websocket.StatusProtocolError, "handshake")
		if msg != nil && msg.Error != nil {
			return nil, msg.Error
		}
		return nil, errors.New("expected stream_started")
	}

	p := &Publisher{
		conn:     conn,
		streamID: msg.StreamID,
		stats:    make(chan protocol.Stats, 1),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// StreamID is the id listeners use to join.
func (p *Publisher) StreamID() string { return p.streamID }

// Info returns the stream description once the relay has parsed the Opus
// headers, or nil.
func (p *Publisher) Info() *protocol.StreamInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Publisher) readLoop() {
	defer close(p.done)
	ctx := context.Background()
	for {
		msg, _, err := readMessage(ctx, p.conn)
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		if msg == nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeStreamInfo:
			p.mu.Lock()
			p.info = msg.Info
			p.mu.Unlock()
		case protocol.TypeStats:
			if msg.Stats != nil {
				select {
				case p.stats <- *msg.Stats:
				default:
				}
			}
		case protocol.TypeError:
			logger.Wf(ctx, "publish %v: server error %v", p.streamID, msg.Error)
		}
	}
}

// SendChunk writes one chunk of the Ogg stream. Chunk boundaries do not
// need to align with pages, but a chunk may not exceed
// protocol.MaxChunkSize.
func (p *Publisher) SendChunk(ctx context.Context, chunk []byte) error {
	if len(chunk) > protocol.MaxChunkSize {
		return errors.Wrapf(ErrChunkTooLarge, "%d bytes", len(chunk))
	}
	if err := p.sessionErr(); err != nil {
		return err
	}
	if err := p.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return errors.Wrap(err, "send chunk")
	}
	return nil
}

// StreamFromReader copies r to the relay in chunks of chunkSize bytes,
// capped at protocol.MaxChunkSize. A positive pace sleeps between chunks,
// for feeding files in real time. It fails when the relay ends the session
// before r is exhausted.
func (p *Publisher) StreamFromReader(ctx context.Context, r io.Reader, chunkSize int, pace time.Duration) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if chunkSize > protocol.MaxChunkSize {
		chunkSize = protocol.MaxChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if werr := p.SendChunk(ctx, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, p.sessionErr()
		}
		if err != nil {
			return total, errors.Wrapf(err, "read after %d bytes", total)
		}
		if pace > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(pace):
			}
		}
	}
}

// sessionErr reports why the read loop ended, or nil while it runs.
func (p *Publisher) sessionErr() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrap(p.err, "session closed by relay")
}

// Stats asks the relay for the session's demuxer counters.
func (p *Publisher) Stats(ctx context.Context) (protocol.Stats, error) {
	if err := writeMessage(ctx, p.conn, protocol.Message{Type: protocol.TypeStats, StreamID: p.streamID, Timestamp: time.Now()}); err != nil {
		return protocol.Stats{}, errors.Wrap(err, "request stats")
	}
	select {
	case s := <-p.stats:
		return s, nil
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return protocol.Stats{}, errors.Wrap(p.err, "connection closed")
	case <-ctx.Done():
		return protocol.Stats{}, ctx.Err()
	}
}

// Close ends the publish session.
func (p *Publisher) Close() error {
	err := p.conn.Close(websocket.StatusNormalClosure, "publish done")
	<-p.done
	return err
}
