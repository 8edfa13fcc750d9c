package opus

import (
	"time"

	"github.com/pkg/errors"
)

// Mode is the coding mode selected by the TOC config.
type Mode int

const (
	ModeSILK Mode = iota
	ModeHybrid
	ModeCELT
)

func (m Mode) String() string {
	switch m {
	case ModeSILK:
		return "SILK"
	case ModeHybrid:
		return "Hybrid"
	case ModeCELT:
		return "CELT"
	}
	return "Mode(?)"
}

// TOC is the decoded table-of-contents byte.
type TOC struct {
	Config    uint8
	Mode      Mode
	FrameSize int // samples at 48 kHz
	Stereo    bool
	FrameCode uint8
}

// frame sizes at 48 kHz, indexed by config (RFC 6716 section 3.1)
var frameSizes = [32]int{
	480, 960, 1920, 2880, // SILK NB
	480, 960, 1920, 2880, // SILK MB
	480, 960, 1920, 2880, // SILK WB
	480, 960, // Hybrid SWB
	480, 960, // Hybrid FB
	120, 240, 480, 960, // CELT NB
	120, 240, 480, 960, // CELT WB
	120, 240, 480, 960, // CELT SWB
	120, 240, 480, 960, // CELT FB
}

// ParseTOC decodes the first byte of an Opus packet.
func ParseTOC(b byte) TOC {
	config := b >> 3
	mode := ModeCELT
	switch {
	case config < 12:
		mode = ModeSILK
	case config < 16:
		mode = ModeHybrid
	}
	return TOC{
		Config:    config,
		Mode:      mode,
		FrameSize: frameSizes[config],
		Stereo:    b&0x04 != 0,
		FrameCode: b & 0x03,
	}
}

// maxPacketSamples is 120 ms at 48 kHz.
const maxPacketSamples = 5760

// PacketSamples returns the number of 48 kHz samples an audio packet
// decodes to.
func PacketSamples(packet []byte) (int, error) {
	if len(packet) == 0 {
		return 0, errors.Wrap(ErrInvalidPacket, "empty")
	}
	toc := ParseTOC(packet[0])
	var frames int
	switch toc.FrameCode {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(packet) < 2 {
			return 0, errors.Wrap(ErrInvalidPacket, "code 3 without frame count")
		}
		frames = int(packet[1] & 0x3f)
		if frames == 0 {
			return 0, errors.Wrap(ErrInvalidPacket, "zero frames")
		}
	}
	samples := frames * toc.FrameSize
	if samples > maxPacketSamples {
		return 0, errors.Wrapf(ErrInvalidPacket, "%d samples exceeds 120 ms", samples)
	}
	return samples, nil
}

// PacketDuration is PacketSamples expressed as a duration.
func PacketDuration(packet []byte) (time.Duration, error) {
	n, err := PacketSamples(packet)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second / 48000, nil
}
