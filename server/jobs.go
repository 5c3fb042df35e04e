package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/version"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// JobResponse acknowledges an accepted job operation
type JobResponse struct {
	JobID  string          `json:"job_id"`
	Status async.JobStatus `json:"status"`
}

// JobListResponse wraps a job listing
type JobListResponse struct {
	Jobs  []*async.Job `json:"jobs"`
	Count int          `json:"count"`
}

// SummaryResponse carries a job's summary
type SummaryResponse struct {
	JobID       string `json:"job_id"`
	SummaryText string `json:"summary_text"`
}

// HandleHealth reports liveness and a few counters
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Queue().GetStats()
	if err != nil {
		handleError(w, s.logger, err, "failed to read job stats")
		return
	}
	health := map[string]interface{}{
		"status":  "ok",
		"version": version.Get().Version,
		"jobs":    stats,
		"clients": s.clientCount(),
	}
	if l := s.cfg.Limiter; l != nil {
		used, remaining := l.Stats()
		health["provider_calls"] = map[string]int{
			"limit_per_minute": l.Limit(),
			"used":             used,
			"remaining":        remaining,
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// HandleListJobs handles GET /api/jobs
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	jobs, err := s.engine.ListJobs(limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleCreateJob handles POST /api/jobs
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
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

	batchSize, err := formInt(r, "batch_size", 0)
	if err != nil {
		handleError(w, s.logger, err, "invalid batch_size")
		return
	}

	job, err := s.engine.CreateJob(r.Context(), header.Filename, file, batchSize)
	if err != nil {
		handleError(w, s.logger, err, "failed to create job")
		return
	}

	s.logger.Infow("Job accepted",
		logger.FieldJobID, job.ID,
		logger.FieldPath, header.Filename,
		logger.FieldRows, job.TotalUsers,
		logger.FieldBatchSize, job.BatchSize,
	)
	writeJSON(w, http.StatusOK, JobResponse{JobID: job.ID, Status: async.JobStatusQueued})
}

// HandleGetJob handles GET /api/jobs/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetJobStatus(r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleRetryBatch handles POST /api/jobs/{id}/batches/{index}/retry
func (s *Server) HandleRetryBatch(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "batch index must be an integer")
		return
	}

	job, err := s.engine.RetryBatch(jobID, index)
	if err != nil {
		handleError(w, s.logger, err, "failed to retry batch")
		return
	}

	s.logger.Infow("Batch retry accepted", logger.FieldJobID, jobID, logger.FieldBatchIndex, index)
	writeJSON(w, http.StatusOK, JobResponse{JobID: job.ID, Status: async.JobStatusRetrying})
}

// HandleAggregate handles POST /api/jobs/{id}/aggregate
func (s *Server) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	summarize, err := parseBoolQueryParam(r, "summarize", true)
	if err != nil {
		handleError(w, s.logger, err, "invalid summarize")
		return
	}

	job, err := s.engine.AggregateNow(r.PathValue("id"), summarize)
	if err != nil {
		handleError(w, s.logger, err, "failed to aggregate job")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{JobID: job.ID, Status: async.JobStatusAggregating})
}

// HandleSummary handles GET /api/jobs/{id}/summary
func (s *Server) HandleSummary(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	text, err := s.engine.Summary(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get summary")
		return
	}
	writeJSON(w, http.StatusOK, SummaryResponse{JobID: jobID, SummaryText: text})
}

// HandleDownload handles GET /api/jobs/{id}/download
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	csv, err := s.engine.MergedCSV(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get merged CSV")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tweets_%s.csv"`, jobID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(csv)); err != nil {
		s.logger.Debugw("Download write failed", logger.FieldJobID, jobID, logger.FieldError, err)
	}
}
