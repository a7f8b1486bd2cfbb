package offlinecache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TaskGroup runs fire-and-forget background work with a hard bound on how many run at once.
// Wait is the keep-alive hook: the host must not tear the engine down while it blocks.
type TaskGroup struct {
	sem    *semaphore.Weighted
	limit  int64
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewTaskGroup allows at most limit tasks in flight.
func NewTaskGroup(limit int64) *TaskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskGroup{
		sem:    semaphore.NewWeighted(limit),
		limit:  limit,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go starts fn unless the group is full or closed. It never blocks the caller.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context)) bool {
	if g.closed.Load() || !g.sem.TryAcquire(1) {
		slog.Debug("Background task dropped", slog.String("task", name))
		return false
	}
	go func() {
		defer g.sem.Release(1)
		defer func() {
			// recover task panics to avoid crashing the engine
			if p := recover(); p != nil {
				slog.Error("Background task panicked", slog.String("task", name), slog.Any("panic", p))
			}
		}()
		fn(g.ctx)
	}()
	return true
}

// Wait blocks until every started task has finished or ctx is done.
// New tasks are refused while Wait is blocked.
func (g *TaskGroup) Wait(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, g.limit); err != nil {
		return err
	}
	g.sem.Release(g.limit)
	return nil
}

// Close stops accepting tasks, waits for running ones, and cancels them if ctx expires first.
func (g *TaskGroup) Close(ctx context.Context) error {
	g.closed.Store(true)
	err := g.Wait(ctx)
	g.cancel()
	return err
}
