package offlinecache

import (
	"context"
	"testing"
	"time"
)

func TestTaskGroupBoundsConcurrency(t *testing.T) {
	group := NewTaskGroup(1)
	release := make(chan struct{})
	started := make(chan struct{})

	if !group.Go("blocking", func(context.Context) {
		close(started)
		<-release
	}) {
		t.Fatal("expected first task to start")
	}
	<-started
	if group.Go("extra", func(context.Context) {}) {
		t.Fatal("expected task beyond the limit to be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := group.Wait(ctx); err == nil {
		t.Fatal("expected Wait to time out while a task runs")
	}

	close(release)
	if err := group.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !group.Go("after", func(context.Context) {}) {
		t.Fatal("expected capacity to be released")
	}
}

func TestTaskGroupRecoversPanics(t *testing.T) {
	group := NewTaskGroup(2)
	group.Go("panics", func(context.Context) { panic("boom") })

	if err := group.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestTaskGroupCloseCancelsAndRefuses(t *testing.T) {
	group := NewTaskGroup(2)
	cancelled := make(chan struct{})
	group.Go("long", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := group.Close(ctx); err == nil {
		t.Fatal("expected Close to report the undrained task")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("expected running task to be cancelled")
	}
	if group.Go("late", func(context.Context) {}) {
		t.Fatal("expected closed group to refuse tasks")
	}
}
