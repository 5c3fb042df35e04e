package server

import (
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
)

// startJobUpdateBroadcaster subscribes to job queue updates and fans them
// out to WebSocket clients
func (s *Server) startJobUpdateBroadcaster() {
	queue := s.engine.Queue()
	jobChan := queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Unsubscribe closes the channel
		defer queue.Unsubscribe(jobChan)

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job, ok := <-jobChan:
				if !ok {
					return
				}
				s.broadcastJobUpdate(job)
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}

// broadcastJobUpdate sends job to every client without blocking on slow ones
func (s *Server) broadcastJobUpdate(job *async.Job) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- job:
		default:
			drops := s.broadcastDrops.Add(1)
			s.logger.Warnw("Client send buffer full, dropping job update",
				"client_id", client.id,
				logger.FieldJobID, shortID(job.ID),
				"total_drops", drops,
			)
		}
	}
}
