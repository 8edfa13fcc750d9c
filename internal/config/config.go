// Package config holds process settings. Values come from defaults, then an
// optional .env file, then OD_* environment variables, then command-line
// flags.
package config

import (
	"context"
	"flag"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"
)

// OTel configures tracing export.
type OTel struct {
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
	Stdout       bool
}

// Config is shared by the server and the CLIs; each uses the parts it needs.
type Config struct {
	ListenAddr      string
	ChunkSize       int
	ShutdownTimeout time.Duration

	MaxListeners   int
	ListenerBuffer int
	SinkWorkers    int
	SinkQueueSize  int

	PingInterval     time.Duration
	PongTimeout      time.Duration
	PingWriteTimeout time.Duration

	RecordDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	RTPTarget      string
	RTPPayloadType int
	RTPSSRC        uint32

	OTel OTel
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		ChunkSize:        4096,
		ShutdownTimeout:  30 * time.Second,
		MaxListeners:     64,
		ListenerBuffer:   128,
		SinkWorkers:      2,
		SinkQueueSize:    256,
		PingInterval:     20 * time.Second,
		PongTimeout:      10 * time.Second,
		PingWriteTimeout: 5 * time.Second,
		RedisDB:          0,
		RedisPrefix:      "opus",
		RTPPayloadType:   111,
		OTel:             OTel{ServiceName: "opusdemux"},
	}
}

// LoadEnvFile loads ./.env when present. Values in the file override the
// process environment.
func LoadEnvFile(ctx context.Context) error {
	workDir, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "getwd")
	}
	envFile := path.Join(workDir, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return nil
	}
	if err := godotenv.Overload(envFile); err != nil {
		return errors.Wrapf(err, "load %v", envFile)
	}
	logger.Tf(ctx, "loaded %v", envFile)
	return nil
}

// Load returns Default overridden by the OD_* environment.
func Load() (Config, error) {
	c := Default()
	e := envReader{}

	e.strVar("OD_LISTEN_ADDR", &c.ListenAddr)
	e.intVar("OD_CHUNK_SIZE", &c.ChunkSize)
	e.durVar("OD_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	e.intVar("OD_MAX_LISTENERS", &c.MaxListeners)
	e.intVar("OD_LISTENER_BUFFER", &c.ListenerBuffer)
	e.intVar("OD_SINK_WORKERS", &c.SinkWorkers)
	e.intVar("OD_SINK_QUEUE_SIZE", &c.SinkQueueSize)
	e.durVar("OD_PING_INTERVAL", &c.PingInterval)
	e.durVar("OD_PONG_TIMEOUT", &c.PongTimeout)
	e.durVar("OD_PING_WRITE_TIMEOUT", &c.PingWriteTimeout)
	e.strVar("OD_RECORD_DIR", &c.RecordDir)
	e.strVar("OD_REDIS_ADDR", &c.RedisAddr)
	e.strVar("OD_REDIS_PASSWORD", &c.RedisPassword)
	e.intVar("OD_REDIS_DB", &c.RedisDB)
	e.strVar("OD_REDIS_PREFIX", &c.RedisPrefix)
	e.strVar("OD_RTP_TARGET", &c.RTPTarget)
	e.intVar("OD_RTP_PAYLOAD_TYPE", &c.RTPPayloadType)
	e.u32Var("OD_RTP_SSRC", &c.RTPSSRC)

	e.strVar("OD_OTEL_SERVICE_NAME", &c.OTel.ServiceName)
	e.strVar("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTel.OTLPEndpoint)
	e.strVar("OD_OTEL_OTLP_ENDPOINT", &c.OTel.OTLPEndpoint)
	e.boolVar("OTEL_EXPORTER_OTLP_INSECURE", &c.OTel.OTLPInsecure)
	e.boolVar("OD_OTEL_OTLP_INSECURE", &c.OTel.OTLPInsecure)
	e.boolVar("OD_OTEL_STDOUT", &c.OTel.Stdout)

	if e.err != nil {
		return Config{}, e.err
	}
	return c, c.Validate()
}

// RegisterFlags binds the server-facing settings to fs, using the current
// values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.IntVar(&c.ChunkSize, "chunk", c.ChunkSize, "read chunk size in bytes")
	fs.IntVar(&c.MaxListeners, "max-listeners", c.MaxListeners, "listeners allowed per stream")
	fs.IntVar(&c.SinkWorkers, "sink-workers", c.SinkWorkers, "packet sink workers")
	fs.StringVar(&c.RecordDir, "record-dir", c.RecordDir, "directory for msgpack packet logs")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "redis address for packet publishing")
	fs.StringVar(&c.RTPTarget, "rtp", c.RTPTarget, "host:port to forward packets as RTP")
}

// Validate rejects settings the rest of the program cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return errors.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.SinkWorkers <= 0:
		return errors.Errorf("sink workers must be positive, got %d", c.SinkWorkers)
	case c.SinkQueueSize <= 0:
		return errors.Errorf("sink queue size must be positive, got %d", c.SinkQueueSize)
	case c.MaxListeners < 0:
		return errors.Errorf("max listeners must not be negative, got %d", c.MaxListeners)
	case c.ListenerBuffer <= 0:
		return errors.Errorf("listener buffer must be positive, got %d", c.ListenerBuffer)
	case c.RTPPayloadType < 96 || c.RTPPayloadType > 127:
		return errors.Errorf("rtp payload type %d is not dynamic (96-127)", c.RTPPayloadType)
	case c.PongTimeout <= 0 || c.PingInterval <= 0:
		return errors.New("ping interval and pong timeout must be positive")
	}
	return nil
}

// envReader records the first malformed variable.
type envReader struct{ err error }

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.Wrapf(err, "parse %s", key)
		return
	}
	*dst = n
}

func (e *envReader) u32Var(key string, dst *uint32) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		e.err = errors.Wrapf(err, "parse %s", key)
		return
	}
	*dst = uint32(n)
}

func (e *envReader) durVar(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Wrapf(err, "parse %s", key)
		return
	}
	*dst = d
}

func (e *envReader) boolVar(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = errors.Wrapf(err, "parse %s", key)
		return
	}
	*dst = b
}
