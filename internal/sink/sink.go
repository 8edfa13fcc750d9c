// Package sink delivers demuxed Opus packets to recorders, pub/sub
// channels and RTP peers.
package sink

import (
	"context"

	"github.com/pkg/errors"

	"opusdemux/internal/opus"
)

// Packet is one demuxed Opus packet with its stream context. Data is owned
// by the Packet.
type Packet struct {
	StreamID   string `msgpack:"stream_id" json:"stream_id"`
	Seq        uint64 `msgpack:"seq" json:"seq"`
	SampleRate int    `msgpack:"sample_rate" json:"sample_rate"`
	Samples    int    `msgpack:"samples" json:"samples"`
	Data       []byte `msgpack:"data" json:"data"`
}

// Sink consumes packets. Implementations must be safe for use by a single
// writer goroutine; the server serializes writes per sink.
type Sink interface {
	WritePacket(ctx context.Context, p Packet) error
	Close() error
}

// Copy returns an owned copy of data. Demuxer callbacks hand out a view of
// the accumulator that is overwritten by the next packet.
func Copy(data []byte) []byte {
	return append(make([]byte, 0, len(data)), data...)
}

// NewPacket copies data into a Packet. Samples is zero when the TOC cannot
// be decoded.
func NewPacket(streamID string, seq uint64, data []byte, sampleRate int) Packet {
	samples, _ := opus.PacketSamples(data)
	return Packet{
		StreamID:   streamID,
		Seq:        seq,
		SampleRate: sampleRate,
		Samples:    samples,
		Data:       Copy(data),
	}
}

// Multi writes every packet to all of its sinks.
type Multi []Sink

// WritePacket continues past failing sinks and reports the first error.
func (m Multi) WritePacket(ctx context.Context, p Packet) error {
	var first error
	failed := 0
	for _, s := range m {
		if err := s.WritePacket(ctx, p); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errors.Wrapf(first, "%d of %d sinks failed", failed, len(m))
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every packet.
type Discard struct{}

func (Discard) WritePacket(context.Context, Packet) error { return nil }
func (Discard) Close() error                              { return nil }

// NoClose wraps a sink shared between streams so closing one stream's sink
// set leaves it open.
func NoClose(s Sink) Sink { return noClose{s} }

type noClose struct{ Sink }

func (noClose) Close() error { return nil }
