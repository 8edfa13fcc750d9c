package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/config"
	"opusdemux/internal/otelutil"
	"opusdemux/internal/sink"
	"opusdemux/internal/state"
	"opusdemux/pkg/protocol"
)

// Keepalive timings for websocket connections. Variables so tests can
// shorten them.
var (
	PingInterval     = 20 * time.Second
	PongTimeout      = 10 * time.Second
	PingWriteTimeout = 5 * time.Second
)

// Server relays Ogg/Opus publish sessions to packet listeners and sinks.
type Server struct {
	cfg          config.Config
	router       *gin.Engine
	stateManager *state.Manager

	// sinks shared by every stream, e.g. the redis publisher
	shared []sink.Sink

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewServer returns a server with default settings.
func NewServer() *Server {
	return NewServerWithConfig(config.Default())
}

func NewServerWithConfig(cfg config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		stateManager: state.NewManager(state.OptionsFromConfig(cfg)),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.router = s.setupRouter()
	return s
}

// AddSharedSink registers a sink that receives the packets of every stream.
// Call it before Start.
func (s *Server) AddSharedSink(k sink.Sink) {
	s.shared = append(s.shared, k)
}

// Start launches the sink workers.
func (s *Server) Start() {
	s.stateManager.StartSinkWorkers(s.ctx)
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET(protocol.PathStreams, s.handleListStreams)
	r.GET(protocol.PathStreams+"/:id", s.handleGetStream)
	r.POST(protocol.PathStreams, s.handleIngest)

	r.GET(protocol.PathPublish, s.handlePublish)
	r.GET(protocol.PathListen+":id", s.handleListen)
	return r
}

// Shutdown ends every stream, drains the sink workers and closes the shared
// sinks.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.stateManager.Shutdown()
		s.cancel()
		for _, k := range s.shared {
			if err := k.Close(); err != nil {
				logger.Wf(s.ctx, "close shared sink: %v", err)
			}
		}
	})
}

func (s *Server) dialSharedSinks(ctx context.Context) error {
	if s.cfg.RedisAddr == "" {
		return nil
	}
	rp, err := sink.DialRedis(ctx, sink.RedisOptions{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
		Prefix:   s.cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	s.AddSharedSink(rp)
	logger.Tf(ctx, "publishing packets to redis %v under %v:*", s.cfg.RedisAddr, s.cfg.RedisPrefix)
	return nil
}

func run(ctx context.Context) error {
	if err := config.LoadEnvFile(ctx); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}

	PingInterval, PongTimeout, PingWriteTimeout = cfg.PingInterval, cfg.PongTimeout, cfg.PingWriteTimeout

	if err := otelutil.Init(cfg.OTel); err != nil {
		logger.Tf(ctx, "tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	if cfg.RecordDir != "" {
		if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
			return errors.Wrapf(err, "create %v", cfg.RecordDir)
		}
	}

	s := NewServerWithConfig(cfg)
	if err := s.dialSharedSinks(ctx); err != nil {
		return err
	}
	s.Start()
	defer s.Shutdown()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.router,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Tf(ctx, "opusdemux relay listening on %v", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- errors.Wrap(err, "listen")
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Tf(ctx, "shutting down, timeout=%v", cfg.ShutdownTimeout)
	// end streams first so long-lived websocket handlers return
	s.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	logger.Tf(ctx, "shutdown complete")
	return nil
}

func main() {
	gin.SetMode(gin.ReleaseMode)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Ef(ctx, "server: %+v", err)
		os.Exit(1)
	}
}
