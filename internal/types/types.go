package types

import "time"

// StreamStats mirrors the demuxer counters of one publish session plus the
// relay's own drop counters.
type StreamStats struct {
	Bytes          uint64 `json:"bytes"`
	Pages          uint64 `json:"pages"`
	Packets        uint64 `json:"packets"`
	Discarded      uint64 `json:"discarded"`
	Overflows      uint64 `json:"overflows"`
	VersionErrors  uint64 `json:"version_errors"`
	ListenerDrops  uint64 `json:"listener_drops"`
	SinkDrops      uint64 `json:"sink_drops"`
	DurationMillis int64  `json:"duration_ms"`
}

// Stream is a live publish session.
type Stream struct {
	ID           string       `json:"id"`
	PublisherCID string       `json:"publisher_cid,omitempty"`
	Source       StreamSource `json:"source"`
	SampleRate   int          `json:"sample_rate"`
	Channels     int          `json:"channels,omitempty"`
	Title        string       `json:"title,omitempty"`
	Vendor       string       `json:"vendor,omitempty"`
	HeadersSeen  bool         `json:"headers_seen"`
	Listeners    int          `json:"listeners"`
	StartedAt    time.Time    `json:"started_at"`
	Stats        StreamStats  `json:"stats"`
}

type StreamSource string

const (
	SourceWebSocket StreamSource = "websocket"
	SourceHTTP      StreamSource = "http"
)

type ServerStats struct {
	ActiveStreams      int    `json:"active_streams"`
	TotalStreams       uint64 `json:"total_streams"`
	ConnectedListeners int    `json:"connected_listeners"`
	PacketsRelayed     uint64 `json:"packets_relayed"`
	ListenerDrops      uint64 `json:"listener_drops"`
	SinkWorkerCount    int    `json:"sink_worker_count"`
	SinkQueueLength    int    `json:"sink_queue_length"`
	SinkQueueCapacity  int    `json:"sink_queue_capacity"`
	SinkDroppedPackets uint64 `json:"sink_dropped_packets"`
	SinkErrors         uint64 `json:"sink_errors"`
}
