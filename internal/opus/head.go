// Package opus parses the Opus header packets carried in Ogg (RFC 7845)
// and the TOC byte of audio packets (RFC 6716).
package opus

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	headMagic   = "OpusHead"
	tagsMagic   = "OpusTags"
	headMinSize = 19
)

var (
	ErrInvalidHead   = errors.New("opus: invalid OpusHead")
	ErrInvalidTags   = errors.New("opus: invalid OpusTags")
	ErrInvalidPacket = errors.New("opus: invalid packet")
)

// Head is the identification header.
type Head struct {
	Version       uint8
	Channels      uint8
	PreSkip       uint16
	SampleRate    uint32 // input sample rate, informational
	OutputGain    int16  // Q7.8 dB
	MappingFamily uint8
}

// ParseHead decodes an OpusHead packet.
func ParseHead(b []byte) (Head, error) {
	if len(b) < headMinSize {
		return Head{}, errors.Wrapf(ErrInvalidHead, "%d bytes", len(b))
	}
	if string(b[:8]) != headMagic {
		return Head{}, errors.Wrap(ErrInvalidHead, "bad magic")
	}
	h := Head{
		Version:       b[8],
		Channels:      b[9],
		PreSkip:       binary.LittleEndian.Uint16(b[10:12]),
		SampleRate:    binary.LittleEndian.Uint32(b[12:16]),
		OutputGain:    int16(binary.LittleEndian.Uint16(b[16:18])),
		MappingFamily: b[18],
	}
	// only the major version (high nibble) must match
	if h.Version>>4 != 0 {
		return Head{}, errors.Wrapf(ErrInvalidHead, "version %d", h.Version)
	}
	if h.Channels == 0 {
		return Head{}, errors.Wrap(ErrInvalidHead, "zero channels")
	}
	return h, nil
}
