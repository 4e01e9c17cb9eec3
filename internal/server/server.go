package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
	"github.com/zeusync/keeper/internal/game"
)

// Server exposes the registry over HTTP and keeps it persisted: it loads the
// stores in the background, saves them periodically and once more on stop.
type Server struct {
	registry *game.Registry
	bus      bus.EventBus
	metrics  *metrics.Collector

	httpServer *http.Server
	listener   net.Listener

	// Websocket feeds, closed on stop
	feeds   map[*websocket.Conn]struct{}
	feedsMu sync.Mutex

	// Server state
	running int32 // atomic bool
	closed  int32 // atomic bool
	ready   atomic.Bool
	loadErr atomic.Value // string

	// Configuration and logging
	config Config
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
	stopChan    chan struct{}
	cancelLoad  context.CancelFunc
}

// Config holds server configuration
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	// AutosaveInterval of zero disables periodic saves.
	AutosaveInterval time.Duration

	// Event feed settings
	FeedBufferSize   int
	FeedWriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8080",
		ShutdownTimeout:  10 * time.Second,
		AutosaveInterval: 5 * time.Minute,
		FeedBufferSize:   256,
		FeedWriteTimeout: 5 * time.Second,
	}
}

// NewServer creates a server around an already built registry.
func NewServer(config Config, registry *game.Registry, eventBus bus.EventBus, collector *metrics.Collector, logger log.Log) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	if config.FeedBufferSize <= 0 {
		config.FeedBufferSize = DefaultServerConfig().FeedBufferSize
	}
	if config.FeedWriteTimeout <= 0 {
		config.FeedWriteTimeout = DefaultServerConfig().FeedWriteTimeout
	}

	server := &Server{
		registry: registry,
		bus:      eventBus,
		metrics:  collector,
		feeds:    make(map[*websocket.Conn]struct{}),
		config:   config,
		logger:   logger.With(log.String("component", "server")),
		stopChan: make(chan struct{}),
	}

	server.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Duration("autosave_interval", config.AutosaveInterval),
		log.Bool("event_feed", eventBus != nil))

	return server
}

// Start listens and returns at once. Stores load in the background; /readyz
// reports 503 until they are in memory.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if s.registry == nil {
		return fmt.Errorf("%w: no registry", ErrInvalidConfig)
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))

	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoad = cancel
	s.startWorkers(loadCtx)

	s.logger.Info("Server started successfully")
	return nil
}

// Stop stops serving, waits for the workers and saves the stores one last
// time if they were loaded.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	// Signal stop
	close(s.stopChan)
	s.cancelLoad()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.closeFeeds()

	// Wait for workers to stop
	s.stopWorkers()

	if s.ready.Load() {
		if err := s.registry.SaveAll(ctx); err != nil {
			s.logger.Error("Final save failed", log.Error(err))
			errs = append(errs, err)
		} else {
			s.logger.Info("Final save done")
		}
	} else {
		s.logger.Warn("Stores were never loaded, skipping final save")
	}

	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

// Close closes the server and releases all resources
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	var err error
	if atomic.LoadInt32(&s.running) == 1 {
		err = s.Stop(context.Background())
	}

	s.logger.Info("Server closed")
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready reports whether every store has been loaded.
func (s *Server) Ready() bool { return s.ready.Load() }

// LoadError returns the message of a failed background load.
func (s *Server) LoadError() string {
	msg, _ := s.loadErr.Load().(string)
	return msg
}

// startWorkers starts background worker goroutines
func (s *Server) startWorkers(loadCtx context.Context) {
	s.workerGroup.Add(2)

	// Loader
	go func() {
		defer s.workerGroup.Done()
		s.load(loadCtx)
	}()

	// Autosave
	go func() {
		defer s.workerGroup.Done()
		s.autosave()
	}()
}

// stopWorkers stops background worker goroutines
func (s *Server) stopWorkers() {
	s.workerGroup.Wait()
}

func (s *Server) load(ctx context.Context) {
	s.logger.Debug("Loader started")
	start := time.Now()

	if err := s.registry.LoadAll(ctx); err != nil {
		s.loadErr.Store(err.Error())
		s.logger.Error("Failed to load stores", log.Error(err))
		return
	}

	s.ready.Store(true)
	s.logger.Info("Stores ready", log.Duration("took", time.Since(start)))
}

// autosave saves the stores on every tick once they are loaded.
func (s *Server) autosave() {
	if s.config.AutosaveInterval <= 0 {
		return
	}
	s.logger.Debug("Autosave started")

	ticker := time.NewTicker(s.config.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.ready.Load() {
				continue
			}
			if err := s.registry.SaveAll(context.Background()); err != nil {
				s.logger.Error("Autosave failed", log.Error(err))
			}
		case <-s.stopChan:
			s.logger.Debug("Autosave stopped")
			return
		}
	}
}
