package oggdemux

import "strconv"

// ParseState is the demuxer's position within an Ogg page.
type ParseState int8

const (
	StateFindPage      ParseState = iota // searching for "OggS"
	StateParseHeader                     // collecting the 27-byte page header
	StateParseSegments                   // collecting the segment table
	StateParseData                       // copying segment data into packets
)

func (s ParseState) String() string {
	switch s {
	case StateFindPage:
		return "find_page"
	case StateParseHeader:
		return "parse_header"
	case StateParseSegments:
		return "parse_segments"
	case StateParseData:
		return "parse_data"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}
