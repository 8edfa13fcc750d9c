// Package oggdemux incrementally demuxes Ogg/Opus byte streams.
//
// A Demuxer accepts arbitrarily fragmented chunks through Process and emits
// every reassembled Opus audio packet, together with the stream's sample
// rate, to a registered PacketFunc. All state lives in fixed-size arrays
// owned by the Demuxer; Process never allocates.
//
// A Demuxer is not safe for concurrent use and is not reentrant: a
// PacketFunc or HeaderFunc must not call Process on the same Demuxer.
package oggdemux

import (
	"bytes"
	"encoding/binary"
)

const (
	// PacketBufferSize is the capacity of the packet accumulator. A packet
	// larger than this is dropped and the demuxer resynchronizes.
	PacketBufferSize = 8192

	// DefaultSampleRate is reported until an OpusHead packet overrides it.
	DefaultSampleRate = 48000

	pageHeaderSize = 27
	maxSegments    = 255
	captureSize    = 4

	versionOffset  = 4
	segCountOffset = 26

	// lacing value signalling that the packet continues in the next segment
	continuedLacing = 255

	minHeadSize    = 19
	headRateOffset = 12
)

var (
	capturePattern = []byte("OggS")
	opusHeadMagic  = []byte("OpusHead")
	opusTagsMagic  = []byte("OpusTags")
)

// PacketFunc receives one reassembled audio packet. packet aliases the
// demuxer's accumulator and is only valid until the function returns;
// callers that keep the bytes must copy them.
type PacketFunc func(packet []byte, sampleRate int)

// HeaderKind identifies an Opus header packet.
type HeaderKind int

const (
	HeaderIdentification HeaderKind = iota // OpusHead
	HeaderComment                          // OpusTags
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderIdentification:
		return "OpusHead"
	case HeaderComment:
		return "OpusTags"
	}
	return "unknown"
}

// HeaderFunc observes OpusHead and OpusTags packets. The same lifetime
// rule as PacketFunc applies to packet.
type HeaderFunc func(kind HeaderKind, packet []byte)

// StreamInfo describes the logical Opus stream seen so far.
type StreamInfo struct {
	IdentificationSeen bool
	CommentSeen        bool
	SampleRate         int
}

// Stats counts what the demuxer has done since the last Reset.
type Stats struct {
	BytesConsumed    uint64
	Pages            uint64
	Packets          uint64
	HeaderPackets    uint64
	Discarded        uint64
	VersionErrors    uint64
	EmptyPages       uint64
	Overflows        uint64
	IncompleteBodies uint64
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithLogger routes diagnostics to l.
func WithLogger(l Logger) Option {
	return func(d *Demuxer) {
		if l != nil {
			d.log = l
		}
	}
}

// WithPacketFunc registers fn at construction time.
func WithPacketFunc(fn PacketFunc) Option {
	return func(d *Demuxer) { d.onPacket = fn }
}

// WithHeaderFunc registers fn at construction time.
func WithHeaderFunc(fn HeaderFunc) Option {
	return func(d *Demuxer) { d.onHeader = fn }
}

// Demuxer is the incremental Ogg/Opus parser.
type Demuxer struct {
	state ParseState

	header   [pageHeaderSize]byte
	segTable [maxSegments]byte
	packet   [PacketBufferSize]byte

	packetLen       int
	packetContinued bool

	segCount     int
	segIndex     int
	segRemaining int
	dataOffset   int // bytes of the active fixed buffer filled so far
	bytesNeeded  int // bytes still required to finish the active state
	bodySize     int
	bodyOffset   int

	info  StreamInfo
	stats Stats

	onPacket PacketFunc
	onHeader HeaderFunc
	log      Logger
}

var _ DemuxerAPI = (*Demuxer)(nil)

// New returns a Demuxer in its initial state.
func New(opts ...Option) *Demuxer {
	d := &Demuxer{log: nopLogger{}}
	for _, opt := range opts {
		opt(d)
	}
	d.Reset()
	return d
}

// SetOnPacketDecoded registers the packet sink. A nil fn drops packets.
func (d *Demuxer) SetOnPacketDecoded(fn PacketFunc) {
	d.onPacket = fn
}

// SetOnHeaderPacket registers an observer for OpusHead/OpusTags packets.
func (d *Demuxer) SetOnHeaderPacket(fn HeaderFunc) {
	d.onHeader = fn
}

// Reset discards all parsing progress and stream information. Registered
// callbacks and the logger are kept.
func (d *Demuxer) Reset() {
	d.info = StreamInfo{SampleRate: DefaultSampleRate}
	d.stats = Stats{}

	d.state = StateFindPage
	d.packetLen = 0
	d.packetContinued = false
	d.segCount = 0
	d.segIndex = 0
	d.segRemaining = 0
	d.dataOffset = 0
	d.bytesNeeded = captureSize
	d.bodySize = 0
	d.bodyOffset = 0

	d.header = [pageHeaderSize]byte{}
	d.segTable = [maxSegments]byte{}
	d.packet = [PacketBufferSize]byte{}
}

// State reports the active parse state.
func (d *Demuxer) State() ParseState { return d.state }

// Info reports what is known about the Opus stream.
func (d *Demuxer) Info() StreamInfo { return d.info }

// Stats returns a snapshot of the demuxer counters.
func (d *Demuxer) Stats() Stats { return d.stats }

// Process consumes p and returns the number of bytes used. It returns
// len(p) unless the packet accumulator overflowed, in which case the
// demuxer has resynchronized to page search and the bytes after the
// returned count were not examined.
func (d *Demuxer) Process(p []byte) int {
	n := d.process(p)
	d.stats.BytesConsumed += uint64(n)
	return n
}

func (d *Demuxer) process(p []byte) int {
	n := 0
	for {
		var more bool
		switch d.state {
		case StateFindPage:
			n, more = d.findPage(p, n)
		case StateParseHeader:
			n, more = d.parseHeader(p, n)
		case StateParseSegments:
			n, more = d.parseSegments(p, n)
		case StateParseData:
			n, more = d.parseData(p, n)
		default:
			d.log.Errorf("%v: state=%v", ErrInvalidState, d.state)
			d.Reset()
			return n
		}
		if !more {
			return n
		}
	}
}

// findPage looks for the capture pattern. Up to three trailing bytes that
// may start a pattern are kept in header[:captureSize-bytesNeeded].
func (d *Demuxer) findPage(p []byte, n int) (int, bool) {
	if n == len(p) {
		return n, false
	}

	switch {
	case d.bytesNeeded < captureSize:
		have := captureSize - d.bytesNeeded
		c := copy(d.header[have:captureSize], p[n:])
		n += c
		d.bytesNeeded -= c
		if d.bytesNeeded > 0 {
			return n, false
		}
		if bytes.Equal(d.header[:captureSize], capturePattern) {
			d.beginHeader()
			return n, true
		}
		// slide the window by one byte
		k := partialCapture(d.header[1:captureSize])
		copy(d.header[:k], d.header[captureSize-k:captureSize])
		d.bytesNeeded = captureSize - k
		return n, true

	case d.bytesNeeded == captureSize:
		rest := p[n:]
		if i := bytes.Index(rest, capturePattern); i >= 0 {
			copy(d.header[:captureSize], capturePattern)
			d.beginHeader()
			return n + i + captureSize, true
		}
		k := partialCapture(rest)
		copy(d.header[:k], rest[len(rest)-k:])
		d.bytesNeeded = captureSize - k
		return len(p), false

	default:
		d.log.Errorf("%v: bytes_needed=%d", ErrInvalidState, d.bytesNeeded)
		d.Reset()
		return n, false
	}
}

// partialCapture returns the length of the longest suffix of b that is a
// proper prefix of the capture pattern.
func partialCapture(b []byte) int {
	for k := captureSize - 1; k > 0; k-- {
		if len(b) >= k && bytes.Equal(b[len(b)-k:], capturePattern[:k]) {
			return k
		}
	}
	return 0
}

func (d *Demuxer) beginHeader() {
	d.state = StateParseHeader
	d.dataOffset = captureSize
	d.bytesNeeded = pageHeaderSize - captureSize
}

func (d *Demuxer) parseHeader(p []byte, n int) (int, bool) {
	if n == len(p) {
		return n, false
	}
	c := copy(d.header[d.dataOffset:d.dataOffset+d.bytesNeeded], p[n:])
	n += c
	d.dataOffset += c
	d.bytesNeeded -= c
	if d.bytesNeeded > 0 {
		return n, false
	}

	if v := d.header[versionOffset]; v != 0 {
		d.stats.VersionErrors++
		d.log.Errorf("%v: version=%d", ErrUnsupportedPageVersion, v)
		d.findNextPage()
		return n, true
	}

	d.segCount = int(d.header[segCountOffset])
	if d.segCount == 0 {
		d.stats.EmptyPages++
		d.log.Infof("%v", ErrEmptyPage)
		d.findNextPage()
		return n, true
	}

	d.state = StateParseSegments
	d.bytesNeeded = d.segCount
	d.dataOffset = 0
	return n, true
}

func (d *Demuxer) parseSegments(p []byte, n int) (int, bool) {
	if n == len(p) {
		return n, false
	}
	c := copy(d.segTable[d.dataOffset:d.dataOffset+d.bytesNeeded], p[n:])
	n += c
	d.dataOffset += c
	d.bytesNeeded -= c
	if d.bytesNeeded > 0 {
		return n, false
	}

	d.bodySize = 0
	for _, l := range d.segTable[:d.segCount] {
		d.bodySize += int(l)
	}
	d.state = StateParseData
	d.segIndex = 0
	d.segRemaining = 0
	d.bodyOffset = 0
	d.dataOffset = 0
	return n, true
}

func (d *Demuxer) parseData(p []byte, n int) (int, bool) {
	for d.segIndex < d.segCount {
		lacing := int(d.segTable[d.segIndex])
		if d.segRemaining == 0 {
			d.segRemaining = lacing
		}
		if d.segRemaining > 0 && n == len(p) {
			return n, false
		}

		if d.packetLen+d.segRemaining > len(d.packet) {
			d.stats.Overflows++
			d.log.Errorf("%v: %d + %d > %d", ErrPacketBufferOverflow,
				d.packetLen, d.segRemaining, len(d.packet))
			d.packetLen = 0
			d.packetContinued = false
			d.segRemaining = 0
			d.findNextPage()
			return n, false
		}

		c := copy(d.packet[d.packetLen:d.packetLen+d.segRemaining], p[n:])
		n += c
		d.packetLen += c
		d.bodyOffset += c
		d.segRemaining -= c
		if d.segRemaining > 0 {
			return n, false
		}

		if lacing == continuedLacing {
			d.packetContinued = true
		} else {
			d.completePacket()
		}
		d.segIndex++
	}

	d.endPage()
	return n, true
}

// completePacket handles a packet terminated by a lacing value below 255.
func (d *Demuxer) completePacket() {
	defer func() {
		d.packetLen = 0
		d.packetContinued = false
	}()
	if d.packetLen == 0 {
		return
	}
	pkt := d.packet[:d.packetLen]

	if !d.info.IdentificationSeen && bytes.HasPrefix(pkt, opusHeadMagic) {
		d.info.IdentificationSeen = true
		if len(pkt) >= minHeadSize {
			d.info.SampleRate = int(binary.LittleEndian.Uint32(pkt[headRateOffset:]))
		}
		d.stats.HeaderPackets++
		d.log.Infof("OpusHead found, sample_rate=%d", d.info.SampleRate)
		if d.onHeader != nil {
			d.onHeader(HeaderIdentification, pkt)
		}
		return
	}
	if !d.info.CommentSeen && bytes.HasPrefix(pkt, opusTagsMagic) {
		d.info.CommentSeen = true
		d.stats.HeaderPackets++
		d.log.Infof("OpusTags found")
		if d.onHeader != nil {
			d.onHeader(HeaderComment, pkt)
		}
		return
	}

	if d.info.IdentificationSeen && d.info.CommentSeen {
		d.stats.Packets++
		if d.onPacket != nil {
			d.onPacket(pkt, d.info.SampleRate)
		}
		return
	}

	d.stats.Discarded++
	d.log.Warnf("%v: %d bytes before OpusHead/OpusTags", ErrUnrecognizedPacket, len(pkt))
}

func (d *Demuxer) endPage() {
	d.stats.Pages++
	if d.bodyOffset < d.bodySize {
		d.stats.IncompleteBodies++
		d.log.Warnf("%v: %d/%d", ErrIncompleteBody, d.bodyOffset, d.bodySize)
	}
	// a packet continued past the page keeps its bytes for the next page
	if !d.packetContinued {
		d.packetLen = 0
	}
	d.findNextPage()
}

func (d *Demuxer) findNextPage() {
	d.state = StateFindPage
	d.bytesNeeded = captureSize
	d.dataOffset = 0
}
