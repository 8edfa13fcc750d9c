package client

import (
	"context"
	"testing"

	cidpkg "opusdemux/internal/cid"
)

func TestBuildDialHeadersIncludesCID(t *testing.T) {
	ctx := cidpkg.WithCID(context.Background(), "unit-test-cid-42")
	h := buildDialHeaders(ctx, "test-agent/1.0")
	if got := h.Get(cidpkg.HeaderName); got != "unit-test-cid-42" {
		t.Fatalf("expected header %s=%s, got %v", cidpkg.HeaderName, "unit-test-cid-42", got)
	}
	if got := h.Get("User-Agent"); got != "test-agent/1.0" {
		t.Fatalf("unexpected user agent %v", got)
	}
}

func TestBuildDialHeadersDefaultAgent(t *testing.T) {
	h := buildDialHeaders(context.Background(), "")
	if h.Get("User-Agent") != DefaultUserAgent {
		t.Fatalf("user agent = %v", h["User-Agent"])
	}
	if h.Get(cidpkg.HeaderName) != "" {
		t.Fatal("cid header without cid in context")
	}
}

func TestWSURL(t *testing.T) {
	cases := []struct{ base, path, want string }{
		{"http://localhost:8080", "/ws/publish", "ws://localhost:8080/ws/publish"},
		{"https://relay.example/", "/ws/listen/abc", "wss://relay.example/ws/listen/abc"},
		{"ws://h:1/prefix", "/ws/publish", "ws://h:1/prefix/ws/publish"},
	}
	for _, c := range cases {
		got, err := wsURL(c.base, c.path)
		if err != nil {
			t.Fatalf("wsURL(%q): %v", c.base, err)
		}
		if got != c.want {
			t.Errorf("wsURL(%q, %q) = %q, want %q", c.base, c.path, got, c.want)
		}
	}
	if _, err := wsURL("ftp://x", "/"); err == nil {
		t.Fatal("expected scheme error")
	}
}
