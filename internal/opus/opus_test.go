package opus

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"opusdemux/internal/oggtest"
)

func TestParseHead(t *testing.T) {
	h, err := ParseHead(oggtest.OpusHead(44100, 2))
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}
	if h.SampleRate != 44100 || h.Channels != 2 || h.PreSkip != 312 || h.Version != 1 {
		t.Fatalf("unexpected head: %+v", h)
	}
}

func TestParseHead_Invalid(t *testing.T) {
	short := oggtest.OpusHead(48000, 2)[:18]
	badMagic := oggtest.OpusHead(48000, 2)
	badMagic[0] = 'X'
	major := oggtest.OpusHead(48000, 2)
	major[8] = 0x10
	mono := oggtest.OpusHead(48000, 0)

	for name, b := range map[string][]byte{
		"short":    short,
		"magic":    badMagic,
		"version":  major,
		"channels": mono,
	} {
		if _, err := ParseHead(b); !errors.Is(err, ErrInvalidHead) {
			t.Errorf("%s: expected ErrInvalidHead, got %v", name, err)
		}
	}
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags(oggtest.OpusTags("libopus 1.4", "TITLE=Demo", "artist=Someone"))
	if err != nil {
		t.Fatalf("ParseTags: %v", err)
	}
	if tags.Vendor != "libopus 1.4" {
		t.Fatalf("vendor = %q", tags.Vendor)
	}
	if got := tags.Get("title"); got != "Demo" {
		t.Fatalf("title = %q", got)
	}
	if got := tags.Get("ARTIST"); got != "Someone" {
		t.Fatalf("artist = %q", got)
	}
	if got := tags.Get("album"); got != "" {
		t.Fatalf("album = %q", got)
	}
}

func TestParseTags_Truncated(t *testing.T) {
	full := oggtest.OpusTags("vendor", "A=1")
	for _, n := range []int{4, 10, 16, len(full) - 1} {
		if _, err := ParseTags(full[:n]); !errors.Is(err, ErrInvalidTags) {
			t.Errorf("len %d: expected ErrInvalidTags, got %v", n, err)
		}
	}
}

func TestParseTags_HugeCount(t *testing.T) {
	b := oggtest.OpusTags("v")
	// comment count is the last four bytes
	b[len(b)-1] = 0xff
	if _, err := ParseTags(b); !errors.Is(err, ErrInvalidTags) {
		t.Fatalf("expected ErrInvalidTags, got %v", err)
	}
}

func TestParseTOC(t *testing.T) {
	cases := []struct {
		b      byte
		mode   Mode
		frame  int
		stereo bool
		code   uint8
	}{
		{0x00, ModeSILK, 480, false, 0},
		{0x0b << 3, ModeSILK, 2880, false, 0},
		{0x0d<<3 | 0x04, ModeHybrid, 960, true, 0},
		{0x1f<<3 | 0x01, ModeCELT, 960, false, 1},
		{0x10<<3 | 0x03, ModeCELT, 120, false, 3},
	}
	for _, c := range cases {
		toc := ParseTOC(c.b)
		if toc.Mode != c.mode || toc.FrameSize != c.frame || toc.Stereo != c.stereo || toc.FrameCode != c.code {
			t.Errorf("ParseTOC(%#x) = %+v", c.b, toc)
		}
	}
	if s := ParseTOC(0xfc).Mode.String(); s != "CELT" {
		t.Errorf("mode of 0xfc = %s", s)
	}
}

func TestPacketSamples(t *testing.T) {
	cases := []struct {
		packet []byte
		want   int
	}{
		{[]byte{0xfc, 1, 2}, 960},         // CELT FB 20 ms, one frame
		{[]byte{0xfd, 1, 2}, 1920},        // two frames
		{[]byte{0x1a<<3 | 3, 0x03}, 1440}, // three 10 ms frames
		{[]byte{0x0b<<3 | 3, 0x02}, 5760}, // two 60 ms SILK frames
	}
	for _, c := range cases {
		got, err := PacketSamples(c.packet)
		if err != nil {
			t.Fatalf("PacketSamples(% x): %v", c.packet, err)
		}
		if got != c.want {
			t.Errorf("PacketSamples(% x) = %d, want %d", c.packet, got, c.want)
		}
	}

	for _, bad := range [][]byte{nil, {0xff}, {0xff, 0x00}, {0x0b<<3 | 3, 0x03}} {
		if _, err := PacketSamples(bad); !errors.Is(err, ErrInvalidPacket) {
			t.Errorf("PacketSamples(% x): expected ErrInvalidPacket, got %v", bad, err)
		}
	}
}

func TestPacketDuration(t *testing.T) {
	d, err := PacketDuration([]byte{0xfc})
	if err != nil {
		t.Fatal(err)
	}
	if d != 20*time.Millisecond {
		t.Fatalf("duration = %v", d)
	}
}
