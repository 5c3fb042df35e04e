package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/logger"
)

// ErrDispatcherStopped is returned by Submit after Stop
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general dispatch operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general dispatch operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Handle tracks one submitted task
type Handle struct {
	ID   string
	Name string

	done chan struct{}
	err  error
}

// Done is closed when the task has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes and returns its error
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the task error, or nil while the task is still running
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Dispatcher runs detached tasks on a bounded number of workers.
// Submit never blocks; tasks beyond the worker count wait for a slot.
type Dispatcher struct {
	sem     chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	active  int
	logger  pulseLogger
}

// NewDispatcher creates a dispatcher with the given worker count
func NewDispatcher(workers int, log *zap.SugaredLogger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		sem:    make(chan struct{}, workers),
		ctx:    context.Background(),
		logger: pulseLogger{logger.OrNop(log).Named("pulse")},
	}
	d.logger.Starting("Dispatcher ready", "workers", workers)
	return d
}

// Submit starts task in the background and returns its handle
func (d *Dispatcher) Submit(task Task) (*Handle, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, errors.Wrapf(ErrDispatcherStopped, "cannot submit %s", task.Name())
	}
	d.wg.Add(1)
	d.mu.Unlock()

	h := &Handle{
		ID:   uuid.NewString(),
		Name: task.Name(),
		done: make(chan struct{}),
	}

	go d.run(task, h)
	return h, nil
}

func (d *Dispatcher) run(task Task, h *Handle) {
	defer d.wg.Done()
	defer close(h.done)

	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	d.setActive(1)
	defer d.setActive(-1)

	started := time.Now()
	h.err = d.execute(task)

	if h.err != nil {
		d.logger.Errorw("Task failed",
			logger.FieldTaskID, h.ID,
			logger.FieldOperation, h.Name,
			logger.FieldError, h.err,
		)
		return
	}
	d.logger.Pulse("Task complete",
		logger.FieldTaskID, h.ID,
		logger.FieldOperation, h.Name,
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	)
}

func (d *Dispatcher) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", task.Name(), r)
			err = errors.WithDetail(err, string(debug.Stack()))
		}
	}()
	return task.Execute(d.ctx)
}

func (d *Dispatcher) setActive(delta int) {
	d.mu.Lock()
	d.active += delta
	d.mu.Unlock()
}

// Active returns the number of tasks currently executing
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Stop refuses new submissions and waits up to timeout for in-flight tasks.
// Tasks still running at the deadline keep running; Stop just stops waiting.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Pulse("❀ Dispatcher stopped - all tasks finished")
		return nil
	case <-time.After(timeout):
		d.logger.Closing("Dispatcher stop timed out - tasks still running", "timeout", timeout)
		return errors.Newf("timed out after %s waiting for %d task(s)", timeout, d.Active())
	}
}

// String implements fmt.Stringer for debug logs
func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(workers=%d, active=%d)", cap(d.sem), d.Active())
}
