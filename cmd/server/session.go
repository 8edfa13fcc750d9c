package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "opusdemux/internal/cid"
	"opusdemux/internal/logging"
	"opusdemux/internal/oggdemux"
	"opusdemux/internal/opus"
	"opusdemux/internal/otelutil"
	"opusdemux/internal/sink"
	"opusdemux/internal/types"
	"opusdemux/pkg/protocol"
)

// session is one publish: a demuxer fed with the publisher's bytes whose
// packets go to the stream's listeners and sinks. It is driven by a single
// goroutine.
type session struct {
	*oggdemux.Demuxer

	srv    *Server
	ctx    context.Context
	span   trace.Span
	id     string
	sinks  sink.Sink
	seq    uint64
	closed sync.Once

	samples int64
	info    protocol.StreamInfo

	// onInfo is called once the Opus headers are known.
	onInfo func(protocol.StreamInfo)
}

var _ oggdemux.DemuxerAPI = (*session)(nil)

// newSession registers a stream, under requestedID when not empty, and
// prepares its demuxer and sinks.
func (s *Server) newSession(ctx context.Context, requestedID string, source types.StreamSource) (*session, error) {
	publisher := cidpkg.CIDFromContext(ctx)

	var st types.Stream
	if requestedID == "" {
		created, err := s.stateManager.CreateStream(publisher, source)
		if err != nil {
			return nil, err
		}
		st = created
	} else {
		st = types.Stream{ID: requestedID, PublisherCID: publisher, Source: source, StartedAt: time.Now()}
		if err := s.stateManager.AddStream(st); err != nil {
			return nil, err
		}
	}

	ss := &session{srv: s, id: st.ID}
	ss.ctx, ss.span = otelutil.Tracer().Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("od.stream_id", st.ID),
			attribute.String("od.source", string(source)),
			attribute.String(cidpkg.AttributeName, publisher),
		))

	ss.Demuxer = oggdemux.New(
		oggdemux.WithLogger(logging.ForDemuxer(ss.ctx, st.ID)),
		oggdemux.WithPacketFunc(ss.onPacket),
		oggdemux.WithHeaderFunc(ss.onHeader),
	)

	sinks, err := s.streamSinks(st.ID)
	if err != nil {
		ss.span.End()
		s.stateManager.RemoveStream(st.ID)
		return nil, err
	}
	ss.sinks = sinks

	logger.Tf(ss.ctx, "%vstream started, source=%v", logging.Prefix(ss.ctx, st.ID), source)
	return ss, nil
}

// streamSinks builds the sink set of one stream; nil when there is none.
func (s *Server) streamSinks(streamID string) (sink.Sink, error) {
	var m sink.Multi
	for _, k := range s.shared {
		m = append(m, sink.NoClose(k))
	}
	if s.cfg.RecordDir != "" {
		rec, err := sink.CreateRecorder(filepath.Join(s.cfg.RecordDir, streamID+".msgpack"))
		if err != nil {
			return nil, err
		}
		m = append(m, rec)
	}
	if s.cfg.RTPTarget != "" {
		fwd, err := sink.DialRTP(s.cfg.RTPTarget, uint8(s.cfg.RTPPayloadType), s.cfg.RTPSSRC)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m = append(m, fwd)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// Process feeds the demuxer and publishes its counters to the registry.
func (ss *session) Process(p []byte) int {
	n := ss.Demuxer.Process(p)
	ss.syncStats()
	return n
}

func (ss *session) onHeader(kind oggdemux.HeaderKind, packet []byte) {
	switch kind {
	case oggdemux.HeaderIdentification:
		ss.info.SampleRate = ss.Info().SampleRate
		if head, err := opus.ParseHead(packet); err != nil {
			logger.Wf(ss.ctx, "%v%v", logging.Prefix(ss.ctx, ss.id), err)
		} else {
			ss.info.Channels = int(head.Channels)
			ss.info.PreSkip = int(head.PreSkip)
		}
	case oggdemux.HeaderComment:
		if tags, err := opus.ParseTags(packet); err != nil {
			logger.Wf(ss.ctx, "%v%v", logging.Prefix(ss.ctx, ss.id), err)
		} else {
			ss.info.Title = tags.Get("TITLE")
			ss.info.Vendor = tags.Vendor
		}
	}

	di := ss.Info()
	ready := di.IdentificationSeen && di.CommentSeen
	info := ss.info
	_ = ss.srv.stateManager.UpdateStream(ss.id, func(st *types.Stream) {
		st.SampleRate = di.SampleRate
		st.Channels = info.Channels
		st.Title = info.Title
		st.Vendor = info.Vendor
		st.HeadersSeen = ready
	})
	if ready {
		ss.span.SetAttributes(attribute.Int("od.sample_rate", di.SampleRate))
		logger.Tf(ss.ctx, "%vheaders parsed, rate=%d channels=%d title=%q",
			logging.Prefix(ss.ctx, ss.id), di.SampleRate, info.Channels, info.Title)
		if ss.onInfo != nil {
			ss.onInfo(info)
		}
	}
}

// onPacket copies the demuxer's packet before anything keeps it.
func (ss *session) onPacket(packet []byte, sampleRate int) {
	p := sink.NewPacket(ss.id, ss.seq, packet, sampleRate)
	ss.seq++
	ss.samples += int64(p.Samples)

	ss.srv.stateManager.Broadcast(p)
	if ss.sinks != nil {
		ss.srv.stateManager.EnqueueSink(ss.sinks, p)
	}
}

func (ss *session) syncStats() {
	ds := ss.Stats()
	ms := ss.samples * 1000 / 48000
	_ = ss.srv.stateManager.UpdateStream(ss.id, func(st *types.Stream) {
		st.Stats.Bytes = ds.BytesConsumed
		st.Stats.Pages = ds.Pages
		st.Stats.Packets = ds.Packets
		st.Stats.Discarded = ds.Discarded
		st.Stats.Overflows = ds.Overflows
		st.Stats.VersionErrors = ds.VersionErrors
		st.Stats.DurationMillis = ms
	})
}

// protocolStats reports the counters sent to the publisher.
func (ss *session) protocolStats() protocol.Stats {
	ds := ss.Stats()
	return protocol.Stats{
		Bytes:     ds.BytesConsumed,
		Pages:     ds.Pages,
		Packets:   ds.Packets,
		Discarded: ds.Discarded,
		Overflows: ds.Overflows,
	}
}

// close ends the stream: listeners are released and the stream's sinks are
// closed behind its queued packets.
func (ss *session) close() {
	ss.closed.Do(func() {
		ds := ss.Stats()
		ss.srv.stateManager.RemoveStream(ss.id)
		if ss.sinks != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ss.srv.stateManager.CloseSink(ctx, ss.id, ss.sinks); err != nil {
				logger.Wf(ss.ctx, "%vclose sinks: %v", logging.Prefix(ss.ctx, ss.id), err)
			}
		}
		ss.span.SetAttributes(
			attribute.Int64("od.bytes", int64(ds.BytesConsumed)),
			attribute.Int64("od.packets", int64(ds.Packets)),
			attribute.Int64("od.overflows", int64(ds.Overflows)),
		)
		ss.span.End()
		logger.Tf(ss.ctx, "%vstream ended, bytes=%d pages=%d packets=%d discarded=%d overflows=%d",
			logging.Prefix(ss.ctx, ss.id), ds.BytesConsumed, ds.Pages, ds.Packets, ds.Discarded, ds.Overflows)
	})
}
