// Package server provides an importable HTTP server that receives relayed
// V2X broadcasts over WebRTC and publishes the per-transmitter PER.
// This allows E2E tests to programmatically start/stop the server without running main().
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	ReportInterval time.Duration // PER report interval per peer
	SubInterval    time.Duration // PER window slot duration

	// LoggerFactory is handed to every peer's PER interceptor. Nil uses
	// the interceptor default.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:           ":0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		ReportInterval: time.Second,
		SubInterval:    time.Second,
	}
}

// Server is an importable HTTP server for WebRTC PER monitoring.
type Server struct {
	cfg        Config
	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool

	peersMu sync.Mutex
	peers   map[uint64]*peer
	nextID  uint64
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ReportInterval <= 0 {
		return nil, errors.New("report interval must be positive")
	}
	if cfg.SubInterval <= 0 {
		return nil, errors.New("sub-interval must be positive")
	}

	s := &Server{
		cfg:   cfg,
		peers: make(map[uint64]*peer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/offer", s.HandleOffer)
	mux.HandleFunc("/per", s.HandlePER)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	// Create listener to get actual port
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()

	return s.addr, nil
}

// Shutdown gracefully shuts down the server and closes every peer
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.httpServer.Shutdown(ctx)

	s.peersMu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(s.peers))
	for id, p := range s.peers {
		peers = append(peers, p.pc)
		delete(s.peers, id)
	}
	s.peersMu.Unlock()

	for _, pc := range peers {
		if cerr := pc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close peer connection: %w", cerr)
		}
	}
	return err
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
