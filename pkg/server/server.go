package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftmsg/drift/pkg/store"
	"github.com/driftmsg/drift/pkg/unread"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server owns the delivery core: the session registry, the fan-out
// dispatcher, the unread tracker and the change-feed bridge, all wired
// to a single store
type Server struct {
	db         *store.DB
	registry   *Registry
	dispatcher *Dispatcher
	tracker    *unread.Tracker
	bridge     *Bridge
	config     ServerConfig
	configPath string
	metrics    *Metrics
	shutdown   chan struct{}
	wg         sync.WaitGroup
	startTime  time.Time

	httpListener net.Listener

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort                int // Public HTTP port serving /ws
	MetricsPort             int // Internal port for /metrics and /health (0 = disabled)
	MaxMessageLength        int // bytes
	SessionTimeoutSeconds   int
	MaxChannelSubscriptions int // per session
	RetentionIntervalMin    int // minutes between retention sweeps
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:                8080,
		MetricsPort:             9090,
		MaxMessageLength:        4096,
		SessionTimeoutSeconds:   120, // 2 minutes
		MaxChannelSubscriptions: 50,
		RetentionIntervalMin:    60,
	}
}

// NewServer creates a new server instance
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.SeedDefaultChannels(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed channels: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	dispatcher := NewDispatcher(registry, metrics)
	tracker := unread.NewTracker(db)
	bridge := NewBridge(db, dispatcher, tracker, metrics)

	server := &Server{
		db:         db,
		registry:   registry,
		dispatcher: dispatcher,
		tracker:    tracker,
		bridge:     bridge,
		config:     config,
		configPath: configPath,
		metrics:    metrics,
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}

	return server, nil
}

// Registry exposes the session registry, mainly for tests
func (s *Server) Registry() *Registry {
	return s.registry
}

// DB exposes the backing store, mainly for tests and seeding
func (s *Server) DB() *store.DB {
	return s.db
}

// Bridge exposes the change-feed bridge, mainly for tests
func (s *Server) Bridge() *Bridge {
	return s.bridge
}

// getDataDir returns the server data directory, creating it if needed
func getDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "drift")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "drift")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in the appended log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (see EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log; truncated on startup
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the HTTP server and all background loops. It returns once
// the listener is bound; serving happens on background goroutines.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener

	// Public HTTP server for WebSocket connections
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	go func() {
		log.Printf("Public HTTP server listening on %s (/ws)", listener.Addr())
		if err := http.Serve(listener, publicMux); err != nil {
			select {
			case <-s.shutdown:
			default:
				log.Printf("Public HTTP server error: %v", err)
			}
		}
	}()

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", s.metrics.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Change-feed bridge: everything persisted flows out to clients
	// through this single goroutine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bridge.Run()
	}()

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	s.wg.Add(1)
	go s.retentionCleanupLoop()

	return nil
}

// Addr returns the bound address of the public listener, or empty before Start
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.httpListener != nil {
		s.httpListener.Close()
		s.httpListener = nil
		log.Println("HTTP listener closed")
	}

	s.bridge.Stop()

	log.Println("Closing all client sessions...")
	for _, sess := range s.registry.AllSessions() {
		if sess.Conn != nil {
			sess.Conn.WriteClose("server shutting down")
		}
	}
	s.registry.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports basic liveness information
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"sessions":%d,"bridge_state":%q}`,
		int64(time.Since(s.startTime).Seconds()),
		s.registry.CountSessions(),
		s.bridge.State().String())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.registry.CountSessions()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}

// sessionCleanupLoop periodically cleans up stale sessions
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupStaleSessions()
		}
	}
}

// cleanupStaleSessions removes sessions that have been inactive
func (s *Server) cleanupStaleSessions() {
	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	for _, sess := range s.registry.AllSessions() {
		if sess.LastActivity() < cutoff {
			s.disconnectionsSinceReport.Add(1)
			debugLog.Printf("Closing stale session %d (inactive for %v)", sess.ID, timeout)
			s.registry.Unregister(sess.ID)
		}
	}
}

// retentionCleanupLoop periodically deletes messages older than their
// channel's retention policy
func (s *Server) retentionCleanupLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.RetentionIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanupExpiredMessages()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupExpiredMessages()
		}
	}
}

func (s *Server) cleanupExpiredMessages() {
	count, err := s.db.CleanupExpiredMessages()
	if err != nil {
		log.Printf("Error cleaning up expired messages: %v", err)
		return
	}

	if count > 0 {
		log.Printf("Cleaned up %d expired messages", count)
	}
}
