package state_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"opusdemux/internal/sink"
	"opusdemux/internal/state"
	"opusdemux/internal/types"
)

func TestCreateStream_AssignsIDs(t *testing.T) {
	m := state.NewManager(state.Options{})

	a, err := m.CreateStream("cid-a", types.SourceWebSocket)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	b, err := m.CreateStream("cid-b", types.SourceHTTP)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}

	if err := m.AddStream(types.Stream{ID: a.ID}); !errors.Is(err, state.ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}

	all := m.GetAllStreams()
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("expected streams in start order, got %+v", all)
	}
}

func TestUpdateStream(t *testing.T) {
	m := state.NewManager(state.Options{})
	s, _ := m.CreateStream("", types.SourceHTTP)

	if err := m.UpdateStream(s.ID, func(st *types.Stream) { st.SampleRate = 24000; st.Title = "Demo" }); err != nil {
		t.Fatal(err)
	}
	got, ok := m.GetStream(s.ID)
	if !ok || got.SampleRate != 24000 || got.Title != "Demo" {
		t.Fatalf("stream = %+v", got)
	}
	if err := m.UpdateStream("missing", func(*types.Stream) {}); !errors.Is(err, state.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestListeners_BroadcastAndLimit(t *testing.T) {
	m := state.NewManager(state.Options{MaxListeners: 2, ListenerBuffer: 1})
	s, _ := m.CreateStream("", types.SourceWebSocket)

	l1, err := m.AddListener(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m.AddListener(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddListener(s.ID); !errors.Is(err, state.ErrListenerLimit) {
		t.Fatalf("expected ErrListenerLimit, got %v", err)
	}
	if _, err := m.AddListener("nope"); !errors.Is(err, state.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}

	p := sink.NewPacket(s.ID, 0, []byte{0xfc}, 48000)
	if n := m.Broadcast(p); n != 2 {
		t.Fatalf("delivered to %d listeners", n)
	}
	// buffers of one are now full
	if n := m.Broadcast(p); n != 0 {
		t.Fatalf("delivered to %d listeners with full buffers", n)
	}
	if l1.Dropped() != 1 || l2.Dropped() != 1 {
		t.Fatalf("dropped = %d, %d", l1.Dropped(), l2.Dropped())
	}
	got, _ := m.GetStream(s.ID)
	if got.Listeners != 2 || got.Stats.ListenerDrops != 2 {
		t.Fatalf("stream = %+v", got)
	}

	<-l1.C
	m.RemoveListener(l1)
	if _, ok := <-l1.C; ok {
		t.Fatal("expected listener channel closed")
	}
	m.RemoveListener(l1)

	m.RemoveStream(s.ID)
	<-l2.C
	if _, ok := <-l2.C; ok {
		t.Fatal("expected listener closed with stream")
	}
	if _, ok := m.GetStream(s.ID); ok {
		t.Fatal("stream still registered")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	seqs    map[string][]uint64
	block   chan struct{}
	failSeq uint64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seqs: map[string][]uint64{}, failSeq: ^uint64(0)}
}

func (r *recordingSink) WritePacket(_ context.Context, p sink.Packet) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[p.StreamID] = append(r.seqs[p.StreamID], p.Seq)
	if p.Seq == r.failSeq {
		return errors.New("sink failure")
	}
	return nil
}

func (r *recordingSink) Close() error { return nil }

func TestSinkWorkers_PreservePerStreamOrder(t *testing.T) {
	m := state.NewManager(state.Options{SinkWorkers: 4, SinkQueueSize: 128})
	m.StartSinkWorkers(context.Background())

	rs := newRecordingSink()
	rs.failSeq = 3
	streams := []string{"a", "b", "c", "d", "e"}
	for seq := uint64(0); seq < 20; seq++ {
		for _, id := range streams {
			if !m.EnqueueSink(rs, sink.Packet{StreamID: id, Seq: seq}) {
				t.Fatalf("enqueue %s/%d dropped", id, seq)
			}
		}
	}
	m.Shutdown()

	for _, id := range streams {
		got := rs.seqs[id]
		if len(got) != 20 {
			t.Fatalf("stream %s: %d packets", id, len(got))
		}
		for i, seq := range got {
			if seq != uint64(i) {
				t.Fatalf("stream %s out of order: %v", id, got)
			}
		}
	}
	if st := m.GetStats(); st.SinkErrors != uint64(len(streams)) {
		t.Fatalf("sink errors = %d", st.SinkErrors)
	}
}

func TestSinkWorkers_ShutdownAndDrops(t *testing.T) {
	m := state.NewManager(state.Options{SinkWorkers: 1, SinkQueueSize: 1})
	if m.EnqueueSink(newRecordingSink(), sink.Packet{StreamID: "x"}) {
		t.Fatal("enqueue succeeded before workers started")
	}

	m.StartSinkWorkers(context.Background())
	m.StartSinkWorkers(context.Background())
	if got := m.SinkWorkerCount(); got != 1 {
		t.Fatalf("expected 1 sink worker, got %d", got)
	}

	rs := newRecordingSink()
	rs.block = make(chan struct{})
	for i := 0; i < 4; i++ {
		m.EnqueueSink(rs, sink.Packet{StreamID: "x", Seq: uint64(i)})
	}
	close(rs.block)

	m.Shutdown()
	m.Shutdown()

	if got := m.SinkWorkerCount(); got != 0 {
		t.Fatalf("expected 0 sink workers after shutdown, got %d", got)
	}
	// one enqueue before start, at least two with a blocked worker and a
	// queue of one
	if got := m.SinkDropped(); got < 3 {
		t.Fatalf("expected dropped packets, got %d", got)
	}
	if _, err := m.CreateStream("", types.SourceHTTP); !errors.Is(err, state.ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestShutdown_ClosesListeners(t *testing.T) {
	m := state.NewManager(state.Options{})
	s, _ := m.CreateStream("", types.SourceWebSocket)
	l, _ := m.AddListener(s.ID)

	m.Shutdown()
	select {
	case _, ok := <-l.C:
		if ok {
			t.Fatal("unexpected packet")
		}
	case <-time.After(time.Second):
		t.Fatal("listener not closed on shutdown")
	}
	if _, err := m.AddListener(s.ID); !errors.Is(err, state.ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestGetStats_Counts(t *testing.T) {
	m := state.NewManager(state.Options{SinkWorkers: 2, SinkQueueSize: 8})
	m.StartSinkWorkers(context.Background())
	defer m.Shutdown()

	a, _ := m.CreateStream("", types.SourceWebSocket)
	b, _ := m.CreateStream("", types.SourceHTTP)
	_, _ = m.AddListener(a.ID)
	_, _ = m.AddListener(a.ID)
	m.RemoveStream(b.ID)
	m.Broadcast(sink.Packet{StreamID: a.ID})

	st := m.GetStats()
	if st.ActiveStreams != 1 || st.TotalStreams != 2 || st.ConnectedListeners != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if st.PacketsRelayed != 1 || st.SinkWorkerCount != 2 || st.SinkQueueCapacity != 16 {
		t.Fatalf("stats = %+v", st)
	}
}

type orderSink struct {
	mu     sync.Mutex
	events []string
}

func (o *orderSink) WritePacket(_ context.Context, p sink.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "write")
	return nil
}

func (o *orderSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "close")
	return nil
}

func TestCloseSink_RunsAfterQueuedPackets(t *testing.T) {
	m := state.NewManager(state.Options{SinkWorkers: 3, SinkQueueSize: 16})
	m.StartSinkWorkers(context.Background())

	ord := &orderSink{}
	for i := 0; i < 5; i++ {
		m.EnqueueSink(ord, sink.Packet{StreamID: "s", Seq: uint64(i)})
	}
	if err := m.CloseSink(context.Background(), "s", ord); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()

	if len(ord.events) != 6 || ord.events[5] != "close" {
		t.Fatalf("events = %v", ord.events)
	}
}

func TestCloseSink_WithoutPool(t *testing.T) {
	m := state.NewManager(state.Options{})
	ord := &orderSink{}
	if err := m.CloseSink(context.Background(), "s", ord); err != nil {
		t.Fatal(err)
	}
	if len(ord.events) != 1 {
		t.Fatalf("events = %v", ord.events)
	}
}
