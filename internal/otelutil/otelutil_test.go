package otelutil

import (
	"testing"

	"github.com/pkg/errors"

	"opusdemux/internal/config"
)

func TestInit_NoExporter(t *testing.T) {
	if err := Init(config.OTel{}); !errors.Is(err, ErrNoExporter) {
		t.Fatalf("expected ErrNoExporter, got %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	m := parseHeaders("api-key = secret, x=1,broken, =skip")
	if len(m) != 2 || m["api-key"] != "secret" || m["x"] != "1" {
		t.Fatalf("headers = %v", m)
	}
	if len(parseHeaders("")) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestFlush_NoProvider(t *testing.T) {
	tp = nil
	Flush()
}
