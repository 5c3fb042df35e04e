// Package server exposes the digest engine and the subscription manager
// over HTTP, and streams job transitions to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/digest/digest"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/budget"
	"github.com/teranos/digest/pulse/schedule"
)

const (
	// MaxClients caps concurrent WebSocket connections
	MaxClients = 100

	// ShutdownTimeout bounds the wait for server goroutines on Stop
	ShutdownTimeout = 5 * time.Second

	// maxUploadBytes caps multipart uploads
	maxUploadBytes = 32 << 20
)

// Config holds the HTTP-facing settings
type Config struct {
	AllowedOrigins []string
	DefaultHour    int // schedule_hour when a subscription upload omits it
	DefaultMinute  int
	Limiter        *budget.Limiter // provider call pacing reported by /health; nil = omitted
}

// Server serves the job and subscription API
type Server struct {
	engine *digest.Engine
	subs   *schedule.Manager
	cfg    Config
	logger *zap.SugaredLogger

	handler    http.Handler
	httpServer *http.Server

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	// Lifecycle management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	started        atomic.Bool
	broadcastDrops atomic.Int64
}

// New creates a server. Routes are ready immediately; the WebSocket hub
// and job broadcaster start with Start (or StartBackground in tests).
func New(engine *digest.Engine, subs *schedule.Manager, cfg Config, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:     engine,
		subs:       subs,
		cfg:        cfg,
		logger:     logger.OrNop(log).Named("server"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.handler = s.setupHTTPRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run is the client hub loop: it owns the clients map writes
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// handleClientRegister handles a new client connection
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", client.id, "total_clients", total)
}

// handleClientUnregister handles a client disconnection
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected", "client_id", client.id, "total_clients", total)
}

// clientCount returns the number of connected WebSocket clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
