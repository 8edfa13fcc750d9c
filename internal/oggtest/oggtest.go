// Package oggtest builds Ogg/Opus byte streams for tests.
package oggtest

import (
	"bytes"
	"encoding/binary"
)

// Header type flags.
const (
	FlagContinued = 0x01
	FlagBOS       = 0x02
	FlagEOS       = 0x04
)

// Page describes one Ogg page. Segments is the raw lacing table and Body
// the concatenated segment data; Bytes does not check that they agree.
type Page struct {
	Version    byte
	HeaderType byte
	Granule    uint64
	Serial     uint32
	Sequence   uint32
	Segments   []byte
	Body       []byte
}

// Bytes serializes the page. The CRC field is left zero.
func (p Page) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString("OggS")
	b.WriteByte(p.Version)
	b.WriteByte(p.HeaderType)
	gp := make([]byte, 8)
	binary.LittleEndian.PutUint64(gp, p.Granule)
	b.Write(gp)
	u := make([]byte, 4)
	binary.LittleEndian.PutUint32(u, p.Serial)
	b.Write(u)
	binary.LittleEndian.PutUint32(u, p.Sequence)
	b.Write(u)
	b.Write([]byte{0, 0, 0, 0}) // checksum
	b.WriteByte(byte(len(p.Segments)))
	b.Write(p.Segments)
	b.Write(p.Body)
	return b.Bytes()
}

// Lacing returns the lacing values of a complete packet of n bytes.
func Lacing(n int) []byte {
	l := make([]byte, 0, n/255+1)
	for n >= 255 {
		l = append(l, 255)
		n -= 255
	}
	return append(l, byte(n))
}

// PacketPage returns a page holding each packet completely.
func PacketPage(seq uint32, packets ...[]byte) []byte {
	p := Page{Serial: 1, Sequence: seq}
	for _, pkt := range packets {
		p.Segments = append(p.Segments, Lacing(len(pkt))...)
		p.Body = append(p.Body, pkt...)
	}
	return p.Bytes()
}

// SegmentPage returns a page with the given lacing table and a body of
// matching length filled with fill.
func SegmentPage(seq uint32, fill byte, segments ...byte) []byte {
	p := Page{Serial: 1, Sequence: seq, Segments: segments}
	for _, l := range segments {
		p.Body = append(p.Body, bytes.Repeat([]byte{fill}, int(l))...)
	}
	return p.Bytes()
}

// OpusHead returns a 19-byte mapping family 0 identification packet.
func OpusHead(rate uint32, channels byte) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = channels
	binary.LittleEndian.PutUint16(h[10:12], 312)
	binary.LittleEndian.PutUint32(h[12:16], rate)
	return h
}

// OpusTags returns a comment packet with the given vendor and comments.
func OpusTags(vendor string, comments ...string) []byte {
	var b bytes.Buffer
	b.WriteString("OpusTags")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(vendor)))
	b.WriteString(vendor)
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(comments)))
	for _, c := range comments {
		_ = binary.Write(&b, binary.LittleEndian, uint32(len(c)))
		b.WriteString(c)
	}
	return b.Bytes()
}

// Stream returns a complete stream: an OpusHead page at rate, an OpusTags
// page, then one page per audio packet.
func Stream(rate uint32, packets ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(PacketPage(0, OpusHead(rate, 2)))
	b.Write(PacketPage(1, OpusTags("oggtest")))
	for i, pkt := range packets {
		b.Write(PacketPage(uint32(i+2), pkt))
	}
	return b.Bytes()
}

// AudioPacket returns a packet of n bytes that does not start with an
// Opus header magic. Byte i is seed+i.
func AudioPacket(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	if n > 0 && p[0] == 'O' {
		p[0] = 0xfc
	}
	return p
}
