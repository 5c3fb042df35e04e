package async

import "context"

// Task is a unit of detached work handed to a Dispatcher.
// The async package runs tasks without knowing what they do; domain
// packages supply the implementations.
type Task interface {
	// Name identifies the task in logs and handles (e.g. "retry-batch").
	Name() string

	// Execute runs the task to completion. The context is never cancelled
	// by the dispatcher; tasks run until they finish on their own.
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task
type TaskFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewTask returns a Task that calls fn
func NewTask(name string, fn func(ctx context.Context) error) TaskFunc {
	return TaskFunc{name: name, fn: fn}
}

// Name returns the task name
func (t TaskFunc) Name() string {
	return t.name
}

// Execute calls the wrapped function
func (t TaskFunc) Execute(ctx context.Context) error {
	return t.fn(ctx)
}
