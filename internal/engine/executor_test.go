package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitIdempotent(t *testing.T) {
	x := NewExecutor(nil)
	defer x.Shutdown(context.Background())

	var runs atomic.Int32
	release := make(chan struct{})
	ok := x.Submit("s1", 0, func(ctx context.Context) {
		runs.Add(1)
		<-release
	})
	if !ok {
		t.Fatal("first submit rejected")
	}
	// Same key while running: silent no-op.
	if x.Submit("s1", 0, func(ctx context.Context) { runs.Add(1) }) {
		t.Error("duplicate submit accepted")
	}
	// Different key runs.
	if !x.Submit("s2", 0, func(ctx context.Context) {}) {
		t.Error("independent key rejected")
	}
	close(release)

	waitNotRunning(t, x, "s1")
	waitNotRunning(t, x, "s2")
	if got := runs.Load(); got != 1 {
		t.Errorf("expected 1 run of s1, got %d", got)
	}

	// After completion the key is free again.
	if !x.Submit("s1", 0, func(ctx context.Context) {}) {
		t.Error("key not released after completion")
	}
	waitNotRunning(t, x, "s1")
}

func TestStopCancelsTask(t *testing.T) {
	x := NewExecutor(nil)
	defer x.Shutdown(context.Background())

	cancelled := make(chan struct{})
	x.Submit("s1", 0, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	// Give the task time to start.
	time.Sleep(20 * time.Millisecond)

	if !x.StopWait(context.Background(), "s1") {
		t.Fatal("StopWait found no task")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
	if x.Running("s1") {
		t.Error("task still registered after stop")
	}
	if x.Stop("missing") {
		t.Error("Stop of unknown key should report false")
	}
}

func TestStartDelayCancellable(t *testing.T) {
	x := NewExecutor(nil)
	defer x.Shutdown(context.Background())

	var ran atomic.Bool
	x.Submit("s1", time.Hour, func(ctx context.Context) { ran.Store(true) })
	if !x.StopWait(context.Background(), "s1") {
		t.Fatal("StopWait found no task")
	}
	if ran.Load() {
		t.Error("cancelled task body ran")
	}
}

func TestShutdownDrains(t *testing.T) {
	x := NewExecutor(nil)
	for i := 0; i < 3; i++ {
		key := string(rune('a' + i))
		x.Submit(key, 0, func(ctx context.Context) {
			<-ctx.Done()
		})
	}
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := x.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func waitNotRunning(t *testing.T, x *Executor, key string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !x.Running(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", key)
}
