package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/logger"
)

// StartBackground starts the client hub and the job broadcaster. Start
// calls it; tests that serve Handler() through httptest call it directly.
func (s *Server) StartBackground() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()
	s.startJobUpdateBroadcaster()
}

// Start serves HTTP on addr until Stop is called
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(listener)
}

// Serve serves HTTP on an existing listener until Stop is called
func (s *Server) Serve(listener net.Listener) error {
	s.StartBackground()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow(fmt.Sprintf("HTTP server listening on %s", listener.Addr()),
		logger.FieldAddress, listener.Addr().String(),
	)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and the WebSocket goroutines
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "http shutdown")
		}
	}

	// Close client connections before cancelling so the pumps exit cleanly
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
			client.conn.Close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}

	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	return shutdownErr
}
