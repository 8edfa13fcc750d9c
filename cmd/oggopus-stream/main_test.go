package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"opusdemux/internal/oggtest"
	"opusdemux/pkg/client"
	"opusdemux/pkg/protocol"
)

// fakeRelay accepts publish sessions and records the bytes of each. The
// first session is dropped once it has received dropAfter bytes.
type fakeRelay struct {
	dropAfter int

	mu       sync.Mutex
	sessions [][]byte
}

func (f *fakeRelay) data() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sessions...)
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	f.mu.Lock()
	idx := len(f.sessions)
	f.sessions = append(f.sessions, nil)
	f.mu.Unlock()

	write := func(m protocol.Message) error {
		b, _ := json.Marshal(m)
		return conn.Write(ctx, websocket.MessageText, b)
	}
	id := fmt.Sprintf("s%d", idx)
	if err := write(protocol.NewStreamStarted(id)); err != nil {
		return
	}
	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText {
			_ = write(protocol.NewStats(id, protocol.Stats{}))
			continue
		}
		f.mu.Lock()
		f.sessions[idx] = append(f.sessions[idx], b...)
		n := len(f.sessions[idx])
		f.mu.Unlock()
		if idx == 0 && f.dropAfter > 0 && n >= f.dropAfter {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
	}
}

func testInput() []byte {
	var pkts [][]byte
	for i := 0; i < 10; i++ {
		pkts = append(pkts, oggtest.AudioPacket(100, byte(i)))
	}
	return oggtest.Stream(48000, pkts...)
}

func headerPrefix() []byte {
	var b bytes.Buffer
	b.Write(oggtest.PacketPage(0, oggtest.OpusHead(48000, 2)))
	b.Write(oggtest.PacketPage(1, oggtest.OpusTags("oggtest")))
	return b.Bytes()
}

func TestHeaderCache(t *testing.T) {
	in := testInput()
	h := newHeaderCache()
	if h.Prefix() != nil {
		t.Fatal("prefix before any input")
	}
	for i := 0; i < len(in); i += 7 {
		end := i + 7
		if end > len(in) {
			end = len(in)
		}
		_, _ = h.Write(in[i:end])
	}
	if !bytes.Equal(h.Prefix(), headerPrefix()) {
		t.Errorf("prefix = %d bytes, want %d", len(h.Prefix()), len(headerPrefix()))
	}
}

func TestHeaderCache_PartialHeaders(t *testing.T) {
	in := testInput()
	h := newHeaderCache()
	_, _ = h.Write(in[:40])
	if h.done {
		t.Fatal("done before the comment header")
	}
	if !bytes.Equal(h.Prefix(), in[:40]) {
		t.Errorf("prefix = %d bytes, want everything read so far", len(h.Prefix()))
	}
}

func TestHeaderCache_GivesUp(t *testing.T) {
	h := newHeaderCache()
	_, _ = h.Write(make([]byte, maxHeaderCache+10))
	if h.Prefix() != nil || !h.done {
		t.Errorf("cache kept %d bytes of garbage", len(h.Prefix()))
	}
}

func TestStream_SingleSession(t *testing.T) {
	relay := &fakeRelay{}
	ts := httptest.NewServer(relay)
	defer ts.Close()

	in := testInput()
	var out bytes.Buffer
	c := NewStreamClient(client.Options{ServerURL: ts.URL}, &out)
	c.ChunkSize = 64

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := c.Stream(ctx, bytes.NewReader(in))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if n != int64(len(in)) {
		t.Errorf("sent %d, want %d", n, len(in))
	}
	// Close returns once the relay has read everything
	got := relay.data()
	if len(got) != 1 || !bytes.Equal(got[0], in) {
		t.Errorf("relay sessions = %d", len(got))
	}
	if !bytes.Contains(out.Bytes(), []byte("stream s0 done")) {
		t.Errorf("output = %q", out.String())
	}
}

func TestStream_ReconnectResendsHeaders(t *testing.T) {
	old := retryDelays
	retryDelays = []time.Duration{10 * time.Millisecond}
	defer func() { retryDelays = old }()

	in := testInput()
	relay := &fakeRelay{dropAfter: len(headerPrefix()) + 50}
	ts := httptest.NewServer(relay)
	defer ts.Close()

	c := NewStreamClient(client.Options{ServerURL: ts.URL}, &bytes.Buffer{})
	c.ChunkSize = 32
	c.Pace = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Stream(ctx, bytes.NewReader(in)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	got := relay.data()
	if len(got) < 2 {
		t.Fatalf("sessions = %d, want a reconnect", len(got))
	}
	second := got[1]
	if !bytes.HasPrefix(second, headerPrefix()) {
		t.Fatalf("second session does not start with the headers")
	}
	if !bytes.HasSuffix(second, in[len(in)-32:]) {
		t.Errorf("second session does not end with the stream tail")
	}
}

func TestStream_ReconnectBeforeHeadersComplete(t *testing.T) {
	old := retryDelays
	retryDelays = []time.Duration{10 * time.Millisecond}
	defer func() { retryDelays = old }()

	in := testInput()
	relay := &fakeRelay{dropAfter: 32}
	ts := httptest.NewServer(relay)
	defer ts.Close()

	c := NewStreamClient(client.Options{ServerURL: ts.URL}, &bytes.Buffer{})
	c.ChunkSize = 16
	c.Pace = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Stream(ctx, bytes.NewReader(in)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	got := relay.data()
	if len(got) < 2 {
		t.Fatalf("sessions = %d, want a reconnect", len(got))
	}
	if len(got[0]) >= len(headerPrefix()) {
		t.Fatalf("first session got %d bytes, headers were complete", len(got[0]))
	}
	// the partial headers are replayed, so the new session sees the whole stream
	if !bytes.Equal(got[1], in) {
		t.Errorf("second session = %d bytes, want the full %d byte stream", len(got[1]), len(in))
	}
}

func TestStream_ConnectGivesUp(t *testing.T) {
	old := retryDelays
	retryDelays = []time.Duration{time.Millisecond}
	defer func() { retryDelays = old }()

	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c := NewStreamClient(client.Options{ServerURL: ts.URL}, &bytes.Buffer{})
	c.MaxRetries = 2
	_, err := c.Stream(context.Background(), bytes.NewReader(testInput()))
	if err == nil {
		t.Fatal("expected an error")
	}
	if c.retryCount != 2 {
		t.Errorf("retries = %d", c.retryCount)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestStream_SourceErrorIsFinal(t *testing.T) {
	relay := &fakeRelay{}
	ts := httptest.NewServer(relay)
	defer ts.Close()

	c := NewStreamClient(client.Options{ServerURL: ts.URL}, &bytes.Buffer{})
	_, err := c.Stream(context.Background(), failingReader{})
	if err == nil {
		t.Fatal("expected the read error")
	}
	if len(relay.data()) != 1 {
		t.Errorf("sessions = %d, want no reconnect", len(relay.data()))
	}
}

func TestFormatBytes(t *testing.T) {
	for in, want := range map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1536:    "1.5 KB",
		3 << 20: "3.0 MB",
	} {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
