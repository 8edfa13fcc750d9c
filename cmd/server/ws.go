package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/logging"
	"opusdemux/internal/sink"
	"opusdemux/internal/stream"
	"opusdemux/internal/types"
	"opusdemux/pkg/protocol"
)

func accept(c *gin.Context) (*websocket.Conn, error) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "upgrade")
	}
	return conn, nil
}

func writeMessage(ctx context.Context, conn *websocket.Conn, m protocol.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	ctx, cancel := context.WithTimeout(ctx, PingWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// keepAlive pings conn every PingInterval and cancels the connection when
// a pong does not arrive within PongTimeout. Pongs are only observed while
// another goroutine reads from conn.
func keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, PongTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Wf(ctx, "ping failed, closing: %v", err)
				}
				cancel()
				_ = conn.Close(websocket.StatusPolicyViolation, "pong timeout")
				return
			}
		}
	}
}

// handlePublish runs a websocket publish session. Binary frames carry the
// Ogg byte stream in any fragmentation; a text "stats" message asks for the
// demuxer counters.
func (s *Server) handlePublish(c *gin.Context) {
	conn, err := accept(c)
	if err != nil {
		logger.Wf(c.Request.Context(), "publish: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	conn.SetReadLimit(protocol.MaxChunkSize + 4096)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// hijacked connections outlive http.Server.Shutdown
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ss, err := s.newSession(ctx, c.Query("id"), types.SourceWebSocket)
	if err != nil {
		_, msg := errorStatus(err)
		_ = writeMessage(ctx, conn, msg)
		_ = conn.Close(websocket.StatusPolicyViolation, msg.Error.Code)
		return
	}
	defer ss.close()

	ss.onInfo = func(info protocol.StreamInfo) {
		if err := writeMessage(ctx, conn, protocol.NewStreamInfo(ss.id, info)); err != nil {
			logger.Wf(ctx, "%vsend stream_info: %v", logging.Prefix(ctx, ss.id), err)
		}
	}
	if err := writeMessage(ctx, conn, protocol.NewStreamStarted(ss.id)); err != nil {
		logger.Wf(ctx, "%vsend stream_started: %v", logging.Prefix(ctx, ss.id), err)
		return
	}

	go keepAlive(ctx, conn, cancel)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			} else if ctx.Err() == nil {
				logger.Wf(ctx, "%vpublish read: %v", logging.Prefix(ctx, ss.id), err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if k := stream.Feed(ss, data); k > 0 {
				logger.Wf(ctx, "%vdemuxer resynced %d time(s)", logging.Prefix(ctx, ss.id), k)
			}
			continue
		}

		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil || m.Type != protocol.TypeStats {
			_ = writeMessage(ctx, conn, protocol.NewError(protocol.CodeBadMessage, "expected binary Ogg data or a stats request"))
			continue
		}
		if err := writeMessage(ctx, conn, protocol.NewStats(ss.id, ss.protocolStats())); err != nil {
			logger.Wf(ctx, "%vsend stats: %v", logging.Prefix(ctx, ss.id), err)
			return
		}
	}
}

// handleListen streams the packets of one stream, one binary message per
// packet, preceded by a stream_info message.
func (s *Server) handleListen(c *gin.Context) {
	streamID := c.Param("id")
	conn, err := accept(c)
	if err != nil {
		logger.Wf(c.Request.Context(), "listen: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	l, err := s.stateManager.AddListener(streamID)
	if err != nil {
		_, msg := errorStatus(err)
		_ = writeMessage(ctx, conn, msg)
		_ = conn.Close(websocket.StatusPolicyViolation, msg.Error.Code)
		return
	}
	defer s.stateManager.RemoveListener(l)
	logger.Tf(ctx, "%vlistener %v joined", logging.Prefix(ctx, streamID), l.ID)

	// CloseRead answers pings and cancels ctx when the peer goes away
	ctx = conn.CloseRead(ctx)
	go keepAlive(ctx, conn, cancel)

	infoSent := false
	if st, ok := s.stateManager.GetStream(streamID); ok && st.HeadersSeen {
		if err := writeMessage(ctx, conn, protocol.NewStreamInfo(streamID, streamInfo(st))); err != nil {
			return
		}
		infoSent = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-l.C:
			if !ok {
				_ = writeMessage(ctx, conn, protocol.NewStreamEnded(streamID))
				_ = conn.Close(websocket.StatusNormalClosure, "stream ended")
				logger.Tf(ctx, "%vlistener %v done, dropped=%d", logging.Prefix(ctx, streamID), l.ID, l.Dropped())
				return
			}
			if !infoSent {
				if err := writeMessage(ctx, conn, protocol.NewStreamInfo(streamID, s.packetInfo(p))); err != nil {
					return
				}
				infoSent = true
			}
			wctx, wcancel := context.WithTimeout(ctx, PingWriteTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, p.Data)
			wcancel()
			if err != nil {
				logger.Wf(ctx, "%vlistener %v write: %v", logging.Prefix(ctx, streamID), l.ID, err)
				return
			}
		}
	}
}

func streamInfo(st types.Stream) protocol.StreamInfo {
	return protocol.StreamInfo{
		SampleRate: st.SampleRate,
		Channels:   st.Channels,
		Title:      st.Title,
		Vendor:     st.Vendor,
	}
}

// packetInfo describes the stream of p, falling back to the packet's own
// rate when the stream has already been removed.
func (s *Server) packetInfo(p sink.Packet) protocol.StreamInfo {
	if st, ok := s.stateManager.GetStream(p.StreamID); ok {
		return streamInfo(st)
	}
	return protocol.StreamInfo{SampleRate: p.SampleRate}
}
