package oggdemux

import "errors"

// Conditions reported through the Logger. None of them is returned by
// Process; the demuxer recovers locally by returning to page search.
var (
	ErrUnsupportedPageVersion = errors.New("oggdemux: unsupported page version")
	ErrEmptyPage              = errors.New("oggdemux: page without segments")
	ErrPacketBufferOverflow   = errors.New("oggdemux: packet buffer overflow")
	ErrIncompleteBody         = errors.New("oggdemux: body incomplete")
	ErrUnrecognizedPacket     = errors.New("oggdemux: packet before Opus headers discarded")
	ErrInvalidState           = errors.New("oggdemux: invalid parser state")
)
