package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"

	"opusdemux/internal/config"
	"opusdemux/internal/sink"
	"opusdemux/internal/types"
)

// Options sizes the manager's queues.
type Options struct {
	MaxListeners   int // per stream, 0 means unlimited
	ListenerBuffer int
	SinkWorkers    int
	SinkQueueSize  int // per worker
}

// OptionsFromConfig picks the manager settings out of c.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		MaxListeners:   c.MaxListeners,
		ListenerBuffer: c.ListenerBuffer,
		SinkWorkers:    c.SinkWorkers,
		SinkQueueSize:  c.SinkQueueSize,
	}
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.ListenerBuffer <= 0 {
		o.ListenerBuffer = d.ListenerBuffer
	}
	if o.SinkWorkers <= 0 {
		o.SinkWorkers = d.SinkWorkers
	}
	if o.SinkQueueSize <= 0 {
		o.SinkQueueSize = d.SinkQueueSize
	}
	return o
}

// Listener receives copies of a stream's packets. C is closed when the
// stream ends, the listener is removed or the manager shuts down.
type Listener struct {
	ID       string
	StreamID string
	C        <-chan sink.Packet

	ch      chan sink.Packet
	dropped atomic.Uint64
}

// Dropped counts packets skipped because the listener fell behind.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

type streamEntry struct {
	info      types.Stream
	listeners map[string]*Listener
}

type sinkJob struct {
	sink  sink.Sink
	pkt   sink.Packet
	close bool
}

// Manager is the registry of live streams, their listeners and the sink
// worker pool.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	streams map[string]*streamEntry
	closed  bool

	totalStreams   atomic.Uint64
	packetsRelayed atomic.Uint64
	listenerDrops  atomic.Uint64

	// sink worker pool; a stream always maps to the same worker so its
	// packets reach each sink in order
	queueMu     sync.RWMutex
	queues      []chan sinkJob
	workers     sync.WaitGroup
	workerCount atomic.Int32
	sinkDropped atomic.Uint64
	sinkErrors  atomic.Uint64
	shutdown    sync.Once
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		streams: make(map[string]*streamEntry),
	}
}

// CreateStream registers a new stream with a fresh id.
func (m *Manager) CreateStream(publisherCID string, source types.StreamSource) (types.Stream, error) {
	s := types.Stream{
		ID:           ksuid.New().String(),
		PublisherCID: publisherCID,
		Source:       source,
		StartedAt:    time.Now(),
	}
	if err := m.AddStream(s); err != nil {
		return types.Stream{}, err
	}
	return s, nil
}

func (m *Manager) AddStream(s types.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, exists := m.streams[s.ID]; exists {
		return ErrStreamExists
	}
	m.streams[s.ID] = &streamEntry{info: s, listeners: make(map[string]*Listener)}
	m.totalStreams.Add(1)
	return nil
}

// GetStream returns a snapshot of the stream.
func (m *Manager) GetStream(id string) (types.Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.streams[id]
	if !exists {
		return types.Stream{}, false
	}
	s := e.info
	s.Listeners = len(e.listeners)
	return s, true
}

// UpdateStream applies fn to the stored stream under the manager lock.
func (m *Manager) UpdateStream(id string, fn func(*types.Stream)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.streams[id]
	if !exists {
		return ErrStreamNotFound
	}
	fn(&e.info)
	return nil
}

// RemoveStream unregisters the stream and closes its listeners.
func (m *Manager) RemoveStream(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.streams[id]
	if !exists {
		return
	}
	for _, l := range e.listeners {
		close(l.ch)
	}
	delete(m.streams, id)
}

func (m *Manager) GetAllStreams() []types.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]types.Stream, 0, len(m.streams))
	for _, e := range m.streams {
		s := e.info
		s.Listeners = len(e.listeners)
		streams = append(streams, s)
	}

	// oldest first, id breaks ties
	sort.Slice(streams, func(i, j int) bool {
		if !streams[i].StartedAt.Equal(streams[j].StartedAt) {
			return streams[i].StartedAt.Before(streams[j].StartedAt)
		}
		return streams[i].ID < streams[j].ID
	})
	return streams
}

func (m *Manager) AddListener(streamID string) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	e, exists := m.streams[streamID]
	if !exists {
		return nil, ErrStreamNotFound
	}
	if m.opts.MaxListeners > 0 && len(e.listeners) >= m.opts.MaxListeners {
		return nil, ErrListenerLimit
	}
	ch := make(chan sink.Packet, m.opts.ListenerBuffer)
	l := &Listener{ID: ksuid.New().String(), StreamID: streamID, C: ch, ch: ch}
	e.listeners[l.ID] = l
	return l, nil
}

// RemoveListener detaches l. It is a no-op when the stream already ended.
func (m *Manager) RemoveListener(l *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.streams[l.StreamID]
	if !exists {
		return
	}
	if _, ok := e.listeners[l.ID]; ok {
		delete(e.listeners, l.ID)
		close(l.ch)
	}
}

// Broadcast offers p to every listener of its stream without blocking and
// returns how many accepted it.
func (m *Manager) Broadcast(p sink.Packet) int {
	m.mu.RLock()
	e, exists := m.streams[p.StreamID]
	if !exists {
		m.mu.RUnlock()
		return 0
	}
	delivered, dropped := 0, 0
	for _, l := range e.listeners {
		select {
		case l.ch <- p:
			delivered++
		default:
			l.dropped.Add(1)
			dropped++
		}
	}
	m.mu.RUnlock()

	m.packetsRelayed.Add(1)
	if dropped > 0 {
		m.listenerDrops.Add(uint64(dropped))
		_ = m.UpdateStream(p.StreamID, func(s *types.Stream) {
			s.Stats.ListenerDrops += uint64(dropped)
		})
	}
	return delivered
}

// StartSinkWorkers starts the sink pool. Workers exit when ctx is done or
// on Shutdown. Calling it twice is a no-op.
func (m *Manager) StartSinkWorkers(ctx context.Context) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.queues != nil {
		return
	}
	m.queues = make([]chan sinkJob, m.opts.SinkWorkers)
	for i := range m.queues {
		q := make(chan sinkJob, m.opts.SinkQueueSize)
		m.queues[i] = q
		m.workers.Add(1)
		m.workerCount.Add(1)
		go m.sinkWorker(ctx, i, q)
	}
}

func (m *Manager) sinkWorker(ctx context.Context, id int, q <-chan sinkJob) {
	defer m.workers.Done()
	defer m.workerCount.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q:
			if !ok {
				return
			}
			if job.close {
				if err := job.sink.Close(); err != nil {
					logger.Wf(ctx, "sink worker %d: close sinks of %v: %v", id, job.pkt.StreamID, err)
				}
				continue
			}
			if err := job.sink.WritePacket(ctx, job.pkt); err != nil {
				m.sinkErrors.Add(1)
				logger.Wf(ctx, "sink worker %d: stream=%v seq=%d: %v", id, job.pkt.StreamID, job.pkt.Seq, err)
			}
		}
	}
}

// EnqueueSink schedules p for s. It never blocks: when the stream's worker
// queue is full, or the pool is not running, the packet is dropped and
// false returned.
func (m *Manager) EnqueueSink(s sink.Sink, p sink.Packet) bool {
	m.queueMu.RLock()
	defer m.queueMu.RUnlock()
	if len(m.queues) == 0 {
		m.sinkDropped.Add(1)
		return false
	}
	q := m.queues[m.queueIndex(p.StreamID)]
	select {
	case q <- sinkJob{sink: s, pkt: p}:
		return true
	default:
		m.sinkDropped.Add(1)
		_ = m.UpdateStream(p.StreamID, func(st *types.Stream) { st.Stats.SinkDrops++ })
		return false
	}
}

// CloseSink closes s after every packet already queued for streamID has
// been written. Without a running pool it closes s at once.
func (m *Manager) CloseSink(ctx context.Context, streamID string, s sink.Sink) error {
	m.queueMu.RLock()
	defer m.queueMu.RUnlock()
	if len(m.queues) == 0 {
		return s.Close()
	}
	q := m.queues[m.queueIndex(streamID)]
	select {
	case q <- sinkJob{sink: s, pkt: sink.Packet{StreamID: streamID}, close: true}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(s.Close(), "close sinks of %v without draining", streamID)
	}
}

func (m *Manager) queueIndex(streamID string) uint64 {
	return xxhash.Sum64String(streamID) % uint64(len(m.queues))
}

func (m *Manager) SinkWorkerCount() int { return int(m.workerCount.Load()) }

func (m *Manager) SinkDropped() uint64 { return m.sinkDropped.Load() }

// Shutdown rejects new streams, drains and stops the sink workers and closes
// every listener. It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		for id, e := range m.streams {
			for _, l := range e.listeners {
				close(l.ch)
			}
			delete(m.streams, id)
		}
		m.mu.Unlock()

		m.queueMu.Lock()
		for _, q := range m.queues {
			close(q)
		}
		m.queues = nil
		m.queueMu.Unlock()

		m.workers.Wait()
	})
}

func (m *Manager) GetStats() types.ServerStats {
	m.mu.RLock()
	listeners := 0
	for _, e := range m.streams {
		listeners += len(e.listeners)
	}
	active := len(m.streams)
	m.mu.RUnlock()

	m.queueMu.RLock()
	queued, capacity := 0, 0
	for _, q := range m.queues {
		queued += len(q)
		capacity += cap(q)
	}
	m.queueMu.RUnlock()

	return types.ServerStats{
		ActiveStreams:      active,
		TotalStreams:       m.totalStreams.Load(),
		ConnectedListeners: listeners,
		PacketsRelayed:     m.packetsRelayed.Load(),
		ListenerDrops:      m.listenerDrops.Load(),
		SinkWorkerCount:    m.SinkWorkerCount(),
		SinkQueueLength:    queued,
		SinkQueueCapacity:  capacity,
		SinkDroppedPackets: m.sinkDropped.Load(),
		SinkErrors:         m.sinkErrors.Load(),
	}
}
