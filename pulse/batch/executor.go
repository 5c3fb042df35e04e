package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/ingest"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse"
	"github.com/teranos/digest/pulse/retry"
)

// UnitRunner runs one batch; *Runner implements it
type UnitRunner interface {
	Run(ctx context.Context, index int, rows []ingest.Row) (*UnitResult, error)
}

// ExecutorConfig configures an Executor
type ExecutorConfig struct {
	Retry  retry.Policy    // outer loop, per batch
	Sleep  retry.SleepFunc // nil = retry.Sleep
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Executor fans a job's rows out over batches, retries each batch as a
// whole, persists every attempt and merges the outputs in index order
type Executor struct {
	runner UnitRunner
	store  *Store
	policy retry.Policy
	sleep  retry.SleepFunc
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewExecutor creates an executor
func NewExecutor(runner UnitRunner, store *Store, cfg ExecutorConfig) *Executor {
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		runner: runner,
		store:  store,
		policy: cfg.Retry,
		sleep:  cfg.Sleep,
		now:    cfg.Now,
		logger: logger.OrNop(cfg.Logger),
	}
}

// Execute runs every batch of rows and returns the merged posts.
//
// Batch failures are recorded and isolated: siblings keep running and the
// failed index contributes nothing to the merge. The returned error is
// reserved for bad input and persistence failures.
func (e *Executor) Execute(ctx context.Context, jobID string, rows []ingest.Row, batchSize, concurrency int, observer pulse.ProgressObserver) ([]Post, error) {
	if batchSize <= 0 {
		return nil, errors.NewInvalidRequestError("batch size must be positive, got %d", batchSize)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if observer == nil {
		observer = pulse.NopProgress{}
	}

	chunks := Chunk(rows, batchSize)
	total := len(chunks)
	log := logger.FromContext(ctx, e.logger)

	if err := e.store.Seed(jobID, total, e.policy.Attempts()); err != nil {
		return nil, err
	}

	log.Infow("Executing batches",
		logger.FieldTotalBatches, total,
		logger.FieldBatchSize, batchSize,
		"concurrency", concurrency,
	)

	// Sized to total so sends never block; one goroutine delivers in order
	events := make(chan int, total)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for completed := range events {
			observer.BatchProgress(completed, total)
		}
	}()

	var (
		mu        sync.Mutex
		completed int
		results   = make([]*UnitResult, total)
	)

	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			res, err := e.runBatch(ctx, jobID, i, chunk)

			mu.Lock()
			results[i] = res
			completed++
			events <- completed
			mu.Unlock()

			return err
		})
	}

	err := g.Wait()
	close(events)
	<-drained

	var merged []Post
	for _, res := range results {
		if res != nil {
			merged = append(merged, res.Posts...)
		}
	}

	return merged, err
}

// ExecuteBatch re-runs a single batch with the same retry loop and persistence.
// The attempt counter starts over.
func (e *Executor) ExecuteBatch(ctx context.Context, jobID string, index int, rows []ingest.Row) (*UnitResult, error) {
	res, err := e.runBatch(ctx, jobID, index, rows)
	if err != nil {
		return nil, err
	}
	if res == nil {
		st, getErr := e.store.Get(jobID, index)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &UnitError{Index: index, Err: errors.New(st.Error)}
	}
	return res, nil
}

// runBatch owns the outer loop for one index. A nil result with a nil error
// means the batch ended failed; the error return is for the store.
func (e *Executor) runBatch(ctx context.Context, jobID string, index int, rows []ingest.Row) (*UnitResult, error) {
	log := logger.FromContext(ctx, e.logger).With(logger.FieldBatchIndex, index)
	maxAttempts := e.policy.Attempts()

	st := &Status{
		JobID:       jobID,
		Index:       index,
		State:       StatePending,
		MaxAttempts: maxAttempts,
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := e.now()
		st.State = StateRunning
		st.Attempts = attempt + 1
		st.LastAttemptAt = &now
		st.FinishedAt = nil
		if attempt == 0 {
			st.StartedAt = &now
		}
		if err := e.store.Upsert(st); err != nil {
			return nil, err
		}

		res, runErr := e.runner.Run(ctx, index, rows)
		finished := e.now()

		if runErr == nil {
			// output first, so a succeeded record always has one
			if err := e.store.SaveOutput(&Output{
				JobID:    jobID,
				Index:    index,
				CSV:      EncodePosts(res.Posts),
				RowCount: len(res.Posts),
			}); err != nil {
				return nil, err
			}

			st.State = StateSucceeded
			st.Error = ""
			st.FinishedAt = &finished
			if err := e.store.Upsert(st); err != nil {
				return nil, err
			}

			log.Infow("Batch succeeded",
				logger.FieldAttempt, attempt+1,
				logger.FieldRows, len(res.Posts),
			)
			return res, nil
		}

		st.State = StateFailed
		st.Error = runErr.Error()
		st.FinishedAt = &finished
		if err := e.store.Upsert(st); err != nil {
			return nil, err
		}

		log.Warnw("Batch attempt failed",
			logger.FieldAttempt, attempt+1,
			logger.FieldMaxAttempts, maxAttempts,
			logger.FieldError, runErr,
		)

		if attempt+1 < maxAttempts {
			if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
				break
			}
		}
	}

	log.Errorw("Batch exhausted retries", logger.FieldAttempt, st.Attempts, logger.FieldError, st.Error)
	return nil, nil
}
