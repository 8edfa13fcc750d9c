package sink

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// samples assumed for a packet whose TOC could not be read (20 ms)
const fallbackSamples = 960

// RTPForwarder sends each packet as one RTP packet (RFC 7587). The RTP
// clock is 48 kHz whatever the stream's input rate.
type RTPForwarder struct {
	mu          sync.Mutex
	w           io.WriteCloser
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	started     bool
}

// DialRTP opens a UDP socket to target. A zero ssrc picks a random one.
func DialRTP(target string, payloadType uint8, ssrc uint32) (*RTPForwarder, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rtp %v", target)
	}
	return NewRTPForwarder(conn, payloadType, ssrc), nil
}

// NewRTPForwarder writes RTP packets to w.
func NewRTPForwarder(w io.WriteCloser, payloadType uint8, ssrc uint32) *RTPForwarder {
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	return &RTPForwarder{
		w:           w,
		payloadType: payloadType,
		ssrc:        ssrc,
		seq:         uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
	}
}

// SSRC reports the synchronization source in use.
func (f *RTPForwarder) SSRC() uint32 { return f.ssrc }

func (f *RTPForwarder) WritePacket(_ context.Context, p Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !f.started,
			PayloadType:    f.payloadType,
			SequenceNumber: f.seq,
			Timestamp:      f.timestamp,
			SSRC:           f.ssrc,
		},
		Payload: p.Data,
	}
	b, err := pkt.Marshal()
	if err != nil {
		return errors.Wrapf(err, "marshal rtp seq=%d", f.seq)
	}
	if _, err := f.w.Write(b); err != nil {
		return errors.Wrapf(err, "write rtp seq=%d", f.seq)
	}

	samples := p.Samples
	if samples <= 0 {
		samples = fallbackSamples
	}
	f.started = true
	f.seq++
	f.timestamp += uint32(samples)
	return nil
}

func (f *RTPForwarder) Close() error {
	return f.w.Close()
}
