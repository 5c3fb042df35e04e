package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/digest/logger"
)

// requestIDHeader carries the request ID in and out
const requestIDHeader = "X-Request-ID"

// setupHTTPRoutes builds the API mux wrapped in CORS handling
func (s *Server) setupHTTPRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)
	// Live job transitions
	mux.HandleFunc("GET /ws/jobs", s.HandleJobsWebSocket)

	// Jobs: uploads are multipart (file, batch_size); aggregate takes ?summarize=
	mux.HandleFunc("GET /api/jobs", s.HandleListJobs)
	mux.HandleFunc("POST /api/jobs", s.HandleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.HandleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/batches/{index}/retry", s.HandleRetryBatch)
	mux.HandleFunc("POST /api/jobs/{id}/aggregate", s.HandleAggregate)
	mux.HandleFunc("GET /api/jobs/{id}/summary", s.HandleSummary)
	mux.HandleFunc("GET /api/jobs/{id}/download", s.HandleDownload)

	// Subscriptions: uploads are multipart (file, name, schedule_hour, schedule_minute, enabled)
	mux.HandleFunc("GET /api/subscriptions", s.HandleListSubscriptions)
	mux.HandleFunc("POST /api/subscriptions", s.HandleCreateSubscription)
	mux.HandleFunc("GET /api/subscriptions/{id}", s.HandleGetSubscription)
	mux.HandleFunc("PATCH /api/subscriptions/{id}", s.HandleUpdateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{id}", s.HandleDeleteSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/run", s.HandleRunSubscription)
	mux.HandleFunc("GET /api/subscriptions/{id}/jobs", s.HandleSubscriptionJobs)

	return s.corsMiddleware(s.logRequests(mux))
}

// corsMiddleware adds CORS headers for allowed origins and answers preflights
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests tags every API request with an ID and logs it at debug level
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades need the raw writer for hijacking
		if r.URL.Path == "/ws/jobs" {
			next.ServeHTTP(w, r)
			return
		}
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.FromContext(r.Context(), s.logger).Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}
