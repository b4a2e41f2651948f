// Package scheduler runs background work owned by an explicit handle, so
// whoever starts a loop is also the one who stops it.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Task is a running background job.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Every starts fn immediately and then on every tick of interval, until
// the task is stopped or ctx is cancelled. fn receives the tick time.
func Every(ctx context.Context, name string, interval time.Duration, log *slog.Logger, fn func(ctx context.Context, now time.Time)) *Task {
	return Go(ctx, name, log, func(ctx context.Context) {
		fn(ctx, time.Now())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				fn(ctx, now)
			}
		}
	})
}

// Go runs fn in its own goroutine until it returns or the task is stopped.
func Go(ctx context.Context, name string, log *slog.Logger, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()
		log.Debug("task started", "task", name)
		fn(ctx)
		log.Debug("task stopped", "task", name)
	}()
	return t
}

// Stop cancels the task and waits for it to return.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed once the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Name returns the name the task was started with.
func (t *Task) Name() string {
	return t.name
}
