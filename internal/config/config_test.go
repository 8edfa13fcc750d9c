package config

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != ":8080" || c.ChunkSize != 4096 || c.RTPPayloadType != 111 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OD_LISTEN_ADDR", ":9999")
	t.Setenv("OD_SINK_WORKERS", "5")
	t.Setenv("OD_PING_INTERVAL", "250ms")
	t.Setenv("OD_RTP_SSRC", "0x1234")
	t.Setenv("OD_OTEL_STDOUT", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OD_OTEL_OTLP_ENDPOINT", "local:4317")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != ":9999" || c.SinkWorkers != 5 || c.PingInterval != 250*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.RTPSSRC != 0x1234 {
		t.Fatalf("ssrc = %#x", c.RTPSSRC)
	}
	if !c.OTel.Stdout || c.OTel.OTLPEndpoint != "local:4317" {
		t.Fatalf("otel = %+v", c.OTel)
	}
}

func TestLoad_BadValues(t *testing.T) {
	for key, val := range map[string]string{
		"OD_CHUNK_SIZE":       "big",
		"OD_PONG_TIMEOUT":     "soon",
		"OD_OTEL_STDOUT":      "maybe",
		"OD_RTP_PAYLOAD_TYPE": "8",
		"OD_SINK_QUEUE_SIZE":  "0",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s: expected error", key, val)
			}
		})
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-listen", ":7000", "-chunk", "512", "-redis", "r:6379"}); err != nil {
		t.Fatal(err)
	}
	if c.ListenAddr != ":7000" || c.ChunkSize != 512 || c.RedisAddr != "r:6379" {
		t.Fatalf("flags not applied: %+v", c)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OD_REDIS_PREFIX=fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()
	t.Setenv("OD_REDIS_PREFIX", "fromenv")

	if err := LoadEnvFile(context.Background()); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.RedisPrefix != "fromfile" {
		t.Fatalf("prefix = %q", c.RedisPrefix)
	}
}
