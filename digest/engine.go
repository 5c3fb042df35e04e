// Package digest runs the feed digest pipeline: a job fans its input rows
// out over batches, retries each batch independently, merges the
// succeeded outputs in index order and optionally summarizes the result.
//
// Every transition is persisted through the job queue before observers
// hear about it, and batch counts are always re-derived from the batch
// records rather than incremented.
package digest

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/digest/db"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/ingest"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/pulse/batch"
	"github.com/teranos/digest/storage"
)

// Config holds the batching limits of the engine
type Config struct {
	DefaultBatchSize int
	MaxBatchSize     int
	Concurrency      int // batches in flight per job
}

// Deps are the collaborators of an Engine
type Deps struct {
	DB         *sql.DB
	Executor   *batch.Executor
	Files      *storage.Files
	Dispatcher *async.Dispatcher
	Summarizer Summarizer // nil = jobs finish without a summary
	Logger     *zap.SugaredLogger
}

// Engine is the job state machine
type Engine struct {
	queue      *async.Queue
	batches    *batch.Store
	executor   *batch.Executor
	aggregator *Aggregator
	outputs    *OutputStore
	files      *storage.Files
	dispatcher *async.Dispatcher
	summarizer Summarizer
	cfg        Config
	logger     *zap.SugaredLogger
}

// New creates an engine
func New(deps Deps, cfg Config) *Engine {
	batches := batch.NewStore(deps.DB)
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 10
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = cfg.DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		queue:      async.NewQueue(deps.DB),
		batches:    batches,
		executor:   deps.Executor,
		aggregator: NewAggregator(batches),
		outputs:    NewOutputStore(deps.DB),
		files:      deps.Files,
		dispatcher: deps.Dispatcher,
		summarizer: deps.Summarizer,
		cfg:        cfg,
		logger:     logger.OrNop(deps.Logger).Named("digest"),
	}
}

// Queue returns the job queue, for subscribers to live updates
func (e *Engine) Queue() *async.Queue {
	return e.queue
}

// ResolveBatchSize applies the default to n <= 0 and rejects n above the maximum
func (e *Engine) ResolveBatchSize(n int) (int, error) {
	if n <= 0 {
		return e.cfg.DefaultBatchSize, nil
	}
	if n > e.cfg.MaxBatchSize {
		return 0, errors.NewInvalidRequestError("batch_size exceeds max_batch_size (%d)", e.cfg.MaxBatchSize)
	}
	return n, nil
}

// CreateJob stores an uploaded CSV as a new job and starts it in the background
func (e *Engine) CreateJob(ctx context.Context, filename string, r io.Reader, batchSize int) (*async.Job, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return nil, errors.NewInvalidRequestError("Only CSV files are accepted")
	}
	size, err := e.ResolveBatchSize(batchSize)
	if err != nil {
		return nil, err
	}

	job := async.NewJob("", 0, size)
	path, err := e.files.SaveUpload(job.ID, r)
	if err != nil {
		return nil, err
	}

	return e.launch(ctx, job, path, nil)
}

// LaunchJob copies an existing input into a new job and starts it in the background
func (e *Engine) LaunchJob(ctx context.Context, req async.LaunchRequest) (*async.Job, error) {
	job, ext, err := e.Prepare(req)
	if err != nil {
		return nil, err
	}
	return e.submitRun(ctx, job, ext.Rows, req.Observer)
}

// Prepare validates and copies the input of req and persists a queued job.
// Callers that want to run synchronously follow up with Run.
func (e *Engine) Prepare(req async.LaunchRequest) (*async.Job, *ingest.Extraction, error) {
	size, err := e.ResolveBatchSize(req.BatchSize)
	if err != nil {
		return nil, nil, err
	}

	job := async.NewJob("", 0, size)
	if req.JobID != "" {
		job = async.NewJobWithID(req.JobID, "", 0, size)
	}
	job.SubscriptionID = req.SubscriptionID

	path, err := e.files.CopyToUpload(job.ID, req.Input)
	if err != nil {
		return nil, nil, err
	}
	ext, err := e.enqueue(job, path, req.Observer)
	if err != nil {
		return nil, nil, err
	}
	return job, ext, nil
}

func (e *Engine) launch(ctx context.Context, job *async.Job, path string, observer async.Observer) (*async.Job, error) {
	ext, err := e.enqueue(job, path, observer)
	if err != nil {
		return nil, err
	}
	return e.submitRun(ctx, job, ext.Rows, observer)
}

// enqueue validates the stored input and persists the queued job.
// An input that fails extraction is removed again.
func (e *Engine) enqueue(job *async.Job, path string, observer async.Observer) (*ingest.Extraction, error) {
	ext, err := ingest.ExtractFile(path)
	if err != nil {
		if rmErr := e.files.Remove(path); rmErr != nil {
			e.logger.Warnw("Failed to remove rejected input", logger.FieldPath, path, logger.FieldError, rmErr)
		}
		return nil, err
	}

	job.Source = path
	job.TotalUsers = len(ext.Rows)
	job.TotalBatches = batch.NumBatches(len(ext.Rows), job.BatchSize)
	if err := e.queue.Enqueue(job); err != nil {
		return nil, err
	}
	notify(job, observerList(observer))

	e.logger.Infow("Job queued",
		logger.FieldJobID, job.ID,
		logger.FieldSubscriptionID, job.SubscriptionID,
		logger.FieldRows, job.TotalUsers,
		logger.FieldTotalBatches, job.TotalBatches,
	)
	return ext, nil
}

func (e *Engine) submitRun(ctx context.Context, job *async.Job, rows []ingest.Row, observer async.Observer) (*async.Job, error) {
	queued := job.Clone()
	_, err := e.dispatcher.Submit(e.newTask("run-job", job.ID, func(taskCtx context.Context) error {
		return e.Run(taskCtx, job, rows, observerList(observer)...)
	}))
	if err != nil {
		job.Fail(err)
		if updErr := e.update(job, observerList(observer)); updErr != nil {
			e.logPersistFailure("Failed to record launch failure", job.ID, updErr)
		}
		return nil, err
	}
	return queued, nil
}

// Run executes a queued job to a terminal status. The returned error is
// reserved for persistence failures; pipeline failures end up on the job.
func (e *Engine) Run(ctx context.Context, job *async.Job, rows []ingest.Row, observers ...async.Observer) error {
	ctx = logger.WithJobID(ctx, job.ID)
	log := logger.FromContext(ctx, e.logger)

	job.Start(batch.NumBatches(len(rows), job.BatchSize))
	if err := e.update(job, observers); err != nil {
		return err
	}

	progress := pulse.ProgressFunc(func(completed, total int) {
		job.SetProgress(completed)
		if _, err := e.deriveCounts(job); err != nil {
			log.Warnw("Failed to derive batch counts", logger.FieldError, err)
		}
		if err := e.update(job, observers); err != nil {
			log.Warnw("Failed to persist progress", logger.FieldError, err)
		}
	})

	posts, err := e.executor.Execute(ctx, job.ID, rows, job.BatchSize, e.cfg.Concurrency, progress)
	if err != nil {
		return e.fail(job, observers, err)
	}

	counts, err := e.deriveCounts(job)
	if err != nil {
		return e.fail(job, observers, err)
	}
	job.SetProgress(counts.Completed())

	if counts.Failed > 0 {
		log.Warnw("Job has failed batches", "failed", counts.Failed, "succeeded", counts.Succeeded)
		job.Failf("%d batch(es) failed", counts.Failed)
		return e.update(job, observers)
	}

	log.Infow("All batches succeeded", logger.FieldRows, len(posts))
	return e.finish(ctx, job, observers, e.summarizer != nil)
}

// RetryBatch re-runs one batch of a job in the background. The index is
// checked before anything changes.
func (e *Engine) RetryBatch(jobID string, index int) (*async.Job, error) {
	job, err := e.queue.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	total := batch.NumBatches(job.TotalUsers, job.BatchSize)
	if index < 0 || index >= total {
		err := errors.NewInvalidRequestError("batch index out of range")
		return nil, errors.WithDetailf(err, "index %d, job %s has %d batches", index, jobID, total)
	}

	job.SetStatus(async.JobStatusRetrying)
	if err := e.update(job, nil); err != nil {
		return nil, err
	}
	accepted := job.Clone()

	_, err = e.dispatcher.Submit(e.newTask("retry-batch", job.ID, func(ctx context.Context) error {
		return e.retryBatch(ctx, job, index)
	}))
	if err != nil {
		job.Failf("Batch %d retry failed: %v", index, err)
		if updErr := e.update(job, nil); updErr != nil {
			e.logPersistFailure("Failed to record retry failure", job.ID, updErr)
		}
		return nil, err
	}
	return accepted, nil
}

func (e *Engine) retryBatch(ctx context.Context, job *async.Job, index int) error {
	ctx = logger.WithJobID(ctx, job.ID)
	log := logger.FromContext(ctx, e.logger).With(logger.FieldBatchIndex, index)

	job.SetStatus(async.JobStatusRunning)
	job.Error = ""
	if err := e.update(job, nil); err != nil {
		return err
	}

	ext, err := ingest.ExtractFile(job.Source)
	if err != nil {
		job.Failf("Batch %d retry failed: %v", index, err)
		return e.update(job, nil)
	}
	chunks := batch.Chunk(ext.Rows, job.BatchSize)
	if index >= len(chunks) {
		job.Failf("Batch %d retry failed: input now has %d batches", index, len(chunks))
		return e.update(job, nil)
	}

	_, err = e.executor.ExecuteBatch(ctx, job.ID, index, chunks[index])
	var unitErr *batch.UnitError
	if err != nil && !errors.As(err, &unitErr) {
		job.Failf("Batch %d retry failed: %v", index, err)
		return e.update(job, nil)
	}

	counts, err := e.deriveCounts(job)
	if err != nil {
		return e.fail(job, nil, err)
	}
	job.SetProgress(counts.Completed())

	if counts.Failed == 0 {
		log.Infow("Retry cleared all failures")
		job.Complete()
	} else {
		log.Warnw("Job still has failed batches", "failed", counts.Failed)
		job.Failf("%d batch(es) failed", counts.Failed)
	}
	return e.update(job, nil)
}

// AggregateNow merges a job's succeeded batches in the background,
// whatever its current status, and optionally summarizes the result.
func (e *Engine) AggregateNow(jobID string, summarize bool) (*async.Job, error) {
	job, err := e.queue.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	job.SetStatus(async.JobStatusAggregating)
	if err := e.update(job, nil); err != nil {
		return nil, err
	}
	accepted := job.Clone()

	_, err = e.dispatcher.Submit(e.newTask("aggregate", job.ID, func(ctx context.Context) error {
		ctx = logger.WithJobID(ctx, job.ID)
		counts, err := e.deriveCounts(job)
		if err != nil {
			return e.fail(job, nil, err)
		}
		job.SetProgress(counts.Completed())
		return e.finish(ctx, job, nil, summarize)
	}))
	if err != nil {
		job.Fail(err)
		if updErr := e.update(job, nil); updErr != nil {
			e.logPersistFailure("Failed to record aggregate failure", job.ID, updErr)
		}
		return nil, err
	}
	return accepted, nil
}

// finish aggregates, stores the merged CSV, optionally summarizes and
// ends the job in done or failed
func (e *Engine) finish(ctx context.Context, job *async.Job, observers []async.Observer, summarize bool) error {
	log := logger.FromContext(ctx, e.logger)

	merged, err := e.aggregator.Aggregate(job.ID)
	if err != nil {
		log.Warnw("Aggregation failed", logger.FieldError, err)
		job.Fail(err)
		return e.update(job, observers)
	}
	if err := e.outputs.SaveCSV(job.ID, merged.CSV, merged.RowCount); err != nil {
		return e.fail(job, observers, err)
	}
	log.Infow("Merged batch outputs", logger.FieldRows, merged.RowCount, "batches", merged.Batches)

	if summarize && e.summarizer != nil {
		job.SetStatus(async.JobStatusSummarizing)
		if err := e.update(job, observers); err != nil {
			return err
		}

		text, err := e.summarizer.Summarize(ctx, job.ID, merged.CSV)
		if err != nil {
			log.Warnw("Summarization failed", logger.FieldError, err)
			job.Failf("Summarization failed: %v", err)
			return e.update(job, observers)
		}
		if err := e.outputs.SaveSummary(job.ID, text); err != nil {
			return e.fail(job, observers, err)
		}
	}

	job.Complete()
	log.Infow("Job done")
	return e.update(job, observers)
}

// RecoverInterrupted fails every job a previous process left unfinished.
// Batches still pending or running are failed with it; finished batch work
// is kept so the job can be retried or aggregated.
func (e *Engine) RecoverInterrupted() (int, error) {
	const reason = "interrupted by restart"

	jobs, err := e.queue.ListNonTerminalJobs()
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		n, err := e.batches.FailUnfinished(job.ID, reason)
		if err != nil {
			return 0, err
		}
		counts, err := e.deriveCounts(job)
		if err != nil {
			return 0, err
		}
		job.SetProgress(counts.Completed())
		job.Failf(reason)
		if err := e.update(job, nil); err != nil {
			return 0, err
		}
		e.logger.Warnw("Recovered interrupted job",
			logger.FieldJobID, job.ID,
			logger.FieldCount, n,
		)
	}
	return len(jobs), nil
}

// JobDetail is a job with its batch records
type JobDetail struct {
	*async.Job
	Batches []*batch.Status `json:"batches"`
}

// GetJobStatus returns a job and its batches sorted by index
func (e *Engine) GetJobStatus(jobID string) (*JobDetail, error) {
	job, err := e.queue.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	statuses, err := e.batches.List(jobID)
	if err != nil {
		return nil, err
	}
	if statuses == nil {
		statuses = []*batch.Status{}
	}
	return &JobDetail{Job: job, Batches: statuses}, nil
}

// ListJobs returns jobs newest first
func (e *Engine) ListJobs(limit int) ([]*async.Job, error) {
	return e.queue.ListJobs(nil, limit)
}

// Summary returns a job's summary text
func (e *Engine) Summary(jobID string) (string, error) {
	if _, err := e.queue.GetJob(jobID); err != nil {
		return "", err
	}
	return e.outputs.Summary(jobID)
}

// MergedCSV returns a job's merged CSV
func (e *Engine) MergedCSV(jobID string) (string, error) {
	if _, err := e.queue.GetJob(jobID); err != nil {
		return "", err
	}
	return e.outputs.CSV(jobID)
}

func (e *Engine) deriveCounts(job *async.Job) (batch.Counts, error) {
	counts, err := e.batches.Counts(job.ID)
	if err != nil {
		return counts, err
	}
	job.SetCounts(counts.Succeeded, counts.Failed)
	return counts, nil
}

// fail records err on the job and returns it
func (e *Engine) fail(job *async.Job, observers []async.Observer, err error) error {
	job.Fail(err)
	if updErr := e.update(job, observers); updErr != nil {
		e.logPersistFailure("Failed to record job failure", job.ID, updErr)
	}
	return err
}

// logPersistFailure logs a transition that could not be written, at debug
// when the database was already closed by shutdown
func (e *Engine) logPersistFailure(msg, jobID string, err error) {
	if db.IsDatabaseClosed(err) {
		e.logger.Debugw(msg+": database closed", logger.FieldJobID, jobID, logger.FieldError, err)
		return
	}
	e.logger.Errorw(msg, logger.FieldJobID, jobID, logger.FieldError, err)
}

// newTask wraps a detached step of a job. A step cut short by the database
// closing under it ends without an error.
func (e *Engine) newTask(name, jobID string, fn func(ctx context.Context) error) async.Task {
	return async.NewTask(name, func(ctx context.Context) error {
		err := fn(ctx)
		if db.IsDatabaseClosed(err) {
			e.logger.Debugw("Database closed before task finished",
				"task", name,
				logger.FieldJobID, jobID,
				logger.FieldError, err,
			)
			return nil
		}
		return err
	})
}

// update persists a transition, then tells the run's observers
func (e *Engine) update(job *async.Job, observers []async.Observer) error {
	if err := e.queue.UpdateJob(job); err != nil {
		return err
	}
	notify(job, observers)
	return nil
}

func notify(job *async.Job, observers []async.Observer) {
	for _, obs := range observers {
		obs.JobUpdated(job.Clone())
	}
}

func observerList(obs async.Observer) []async.Observer {
	if obs == nil {
		return nil
	}
	return []async.Observer{obs}
}
