package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	stageStartDelay = 300 * time.Millisecond
	chatStartDelay  = 200 * time.Millisecond
)

// chatKey is the task-table key for a story's chat task. Stage tasks are
// keyed by the bare story id, clone tasks by the project id.
func chatKey(storyID string) string { return "chat_" + storyID }

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor owns the background task table. One task per key; a second
// trigger while a task is registered is a silent no-op. Tasks never crash
// the process; the run wrapper recovers and logs.
type Executor struct {
	mu     sync.Mutex
	tasks  map[string]*taskHandle
	group  *errgroup.Group
	logger *zap.Logger
}

// NewExecutor creates an empty executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		tasks:  make(map[string]*taskHandle),
		group:  &errgroup.Group{},
		logger: logger.Named("executor"),
	}
}

// Submit registers fn under key and runs it after delay. Returns false when
// a task with the same key is already registered. The delay lets the
// transaction that scheduled the task commit before the task reads state.
func (x *Executor) Submit(key string, delay time.Duration, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}

	x.mu.Lock()
	if _, exists := x.tasks[key]; exists {
		x.mu.Unlock()
		cancel()
		return false
	}
	x.tasks[key] = h
	x.mu.Unlock()

	x.group.Go(func() error {
		defer close(h.done)
		defer x.deregister(key, h)
		defer func() {
			if r := recover(); r != nil {
				x.logger.Error("background task panicked",
					zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
			}
		}()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		fn(ctx)
		return nil
	})
	return true
}

func (x *Executor) deregister(key string, h *taskHandle) {
	x.mu.Lock()
	if x.tasks[key] == h {
		delete(x.tasks, key)
	}
	x.mu.Unlock()
	h.cancel()
}

// Running reports whether a task is registered under key.
func (x *Executor) Running(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.tasks[key]
	return ok
}

// Stop cancels the task under key. Returns true when a task was found. Does
// not wait for the task to unwind.
func (x *Executor) Stop(key string) bool {
	x.mu.Lock()
	h, ok := x.tasks[key]
	x.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// StopWait cancels the task and blocks until it has deregistered or the
// context expires.
func (x *Executor) StopWait(ctx context.Context, key string) bool {
	x.mu.Lock()
	h, ok := x.tasks[key]
	x.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return true
}

// Shutdown cancels every task and waits for all of them to unwind.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	for _, h := range x.tasks {
		h.cancel()
	}
	x.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		_ = x.group.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
