// Package task defines the unit of work the scheduler dispatches.
package task

import "context"

// Task is a unit of work. Execute may be called concurrently for the same
// Task when its schedule fires again before a previous run has finished.
type Task interface {
	Execute(ctx context.Context) error
}

// Func adapts a plain function to Task.
type Func func(ctx context.Context) error

func (f Func) Execute(ctx context.Context) error { return f(ctx) }
