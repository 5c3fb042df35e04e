package server

import (
	"fmt"
	"net/http"

	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/pulse/schedule"
)

// SubscriptionListResponse wraps a subscription listing
type SubscriptionListResponse struct {
	Subscriptions []*schedule.Subscription `json:"subscriptions"`
	Count         int                      `json:"count"`
}

// HandleListSubscriptions handles GET /api/subscriptions
func (s *Server) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List()
	if err != nil {
		handleError(w, s.logger, err, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []*schedule.Subscription{}
	}
	writeJSON(w, http.StatusOK, SubscriptionListResponse{Subscriptions: subs, Count: len(subs)})
}

// HandleCreateSubscription handles POST /api/subscriptions
func (s *Server) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	hour, err := formInt(r, "schedule_hour", s.cfg.DefaultHour)
	if err != nil {
		handleError(w, s.logger, err, "invalid schedule_hour")
		return
	}
	minute, err := formInt(r, "schedule_minute", s.cfg.DefaultMinute)
	if err != nil {
		handleError(w, s.logger, err, "invalid schedule_minute")
		return
	}
	enabled, err := formBool(r, "enabled", true)
	if err != nil {
		handleError(w, s.logger, err, "invalid enabled")
		return
	}

	sub, err := s.subs.Create(schedule.CreateRequest{
		Name:     r.FormValue("name"),
		Filename: header.Filename,
		Input:    file,
		Hour:     hour,
		Minute:   minute,
		Enabled:  enabled,
	})
	if err != nil {
		handleError(w, s.logger, err, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// HandleGetSubscription handles GET /api/subscriptions/{id}
func (s *Server) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// HandleUpdateSubscription handles PATCH /api/subscriptions/{id}
func (s *Server) HandleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var update schedule.Update
	if err := readJSON(w, r, &update); err != nil {
		return
	}

	sub, err := s.subs.Update(r.PathValue("id"), update)
	if err != nil {
		handleError(w, s.logger, err, "failed to update subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// HandleDeleteSubscription handles DELETE /api/subscriptions/{id}
func (s *Server) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.subs.Delete(id); err != nil {
		handleError(w, s.logger, err, "failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// HandleRunSubscription handles POST /api/subscriptions/{id}/run
func (s *Server) HandleRunSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.subs.RunNow(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to run subscription")
		return
	}

	s.logger.Infow("Subscription run requested", logger.FieldSubscriptionID, id, logger.FieldJobID, job.ID)
	writeJSON(w, http.StatusOK, JobResponse{JobID: job.ID, Status: async.JobStatusQueued})
}

// HandleSubscriptionJobs handles GET /api/subscriptions/{id}/jobs
func (s *Server) HandleSubscriptionJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.subs.Get(id); err != nil {
		handleError(w, s.logger, err, "failed to get subscription")
		return
	}

	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	jobs, err := s.engine.Queue().Store().ListJobsBySubscription(id, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list subscription jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}
