// Package protocol defines the JSON text messages exchanged on the publish
// and listen websockets. Audio travels in binary messages: raw Ogg bytes
// from publishers, one Opus packet per message to listeners.
package protocol

import (
	"fmt"
	"time"
)

type MessageType string

const (
	TypeStreamStarted MessageType = "stream_started"
	TypeStreamInfo    MessageType = "stream_info"
	TypeStreamEnded   MessageType = "stream_ended"
	TypeStats         MessageType = "stats"
	TypeError         MessageType = "error"
)

// Error codes carried in error messages.
const (
	CodeStreamNotFound = "stream_not_found"
	CodeListenerLimit  = "listener_limit"
	CodeShuttingDown   = "shutting_down"
	CodeBadMessage     = "bad_message"
	CodeInternal       = "internal_error"
)

// Paths served by the relay.
const (
	PathPublish = "/ws/publish"
	PathListen  = "/ws/listen/" // followed by the stream id
	PathStreams = "/api/streams"
)

// MaxChunkSize is the largest binary message the relay reads from a
// publisher. Clients split larger chunks; Ogg data may be cut anywhere.
const MaxChunkSize = 1 << 20

// Message is the envelope of every text frame.
type Message struct {
	Type      MessageType `json:"type"`
	StreamID  string      `json:"stream_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Info      *StreamInfo `json:"info,omitempty"`
	Stats     *Stats      `json:"stats,omitempty"`
	Error     *Error      `json:"error,omitempty"`
}

// StreamInfo describes the Opus stream once its headers have been parsed.
type StreamInfo struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
	PreSkip    int    `json:"pre_skip,omitempty"`
	Title      string `json:"title,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
}

// Stats is a publisher's demuxing progress.
type Stats struct {
	Bytes     uint64 `json:"bytes"`
	Pages     uint64 `json:"pages"`
	Packets   uint64 `json:"packets"`
	Discarded uint64 `json:"discarded"`
	Overflows uint64 `json:"overflows"`
}

// Error is both a message payload and a Go error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewStreamStarted(streamID string) Message {
	return Message{Type: TypeStreamStarted, StreamID: streamID, Timestamp: time.Now()}
}

func NewStreamInfo(streamID string, info StreamInfo) Message {
	return Message{Type: TypeStreamInfo, StreamID: streamID, Timestamp: time.Now(), Info: &info}
}

func NewStreamEnded(streamID string) Message {
	return Message{Type: TypeStreamEnded, StreamID: streamID, Timestamp: time.Now()}
}

func NewStats(streamID string, s Stats) Message {
	return Message{Type: TypeStats, StreamID: streamID, Timestamp: time.Now(), Stats: &s}
}

func NewError(code, message string) Message {
	return Message{Type: TypeError, Timestamp: time.Now(), Error: &Error{Code: code, Message: message}}
}
