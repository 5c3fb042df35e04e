package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames; anything bigger is a misbehaving peer
	maxMessageSize = 4096

	// clientSendBuffer is how many job updates a slow client may lag behind
	clientSendBuffer = 256
)

// Client is one /ws/jobs connection
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan *async.Job
	id        string
	closeOnce sync.Once
}

// close closes the send channel exactly once; writePump then closes the socket
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// HandleJobsWebSocket upgrades /ws/jobs and streams every job transition
func (s *Server) HandleJobsWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan *async.Job, clientSendBuffer),
		id:     uuid.NewString(),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// readPump drains control frames and detects disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseNormalClosure,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
	}
}

// writePump writes job updates and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case job, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(job); err != nil {
				c.server.logger.Debugw("Job update write error",
					"client_id", c.id,
					logger.FieldJobID, job.ID,
					logger.FieldError, err,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
