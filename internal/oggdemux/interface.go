package oggdemux

// DemuxerAPI is the surface the rest of the module depends on. Keeping an
// explicit interface here makes it easy to drive the stream pump and the
// server with a recording fake in tests.
type DemuxerAPI interface {
	// Reset discards all in-flight state, including stream information.
	Reset()

	// Process consumes a chunk and returns how many bytes were used. A
	// return value below len(p) means the packet accumulator overflowed and
	// the demuxer went back to page search.
	Process(p []byte) int

	// SetOnPacketDecoded registers the audio packet sink.
	SetOnPacketDecoded(fn PacketFunc)
}
