package timing

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is a one-shot background action whose completion is polled, never
// joined, by the frame loop.
type Task struct {
	done     chan struct{}
	err      error
	finished time.Time
	once     sync.Once
}

// startTask runs fn in its own goroutine, bounded by timeout. Panics are
// logged and reported as task errors.
func startTask(parent context.Context, timeout time.Duration, logger *slog.Logger, fn TriggerFunc) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		var err error
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("trigger panic", "error", r, "stack", string(debug.Stack()))
				}
				err = fmt.Errorf("timing: trigger panic: %v", r)
			}
			t.finish(err)
		}()
		err = fn(ctx)
	}()
	return t
}

func (t *Task) finish(err error) {
	t.once.Do(func() {
		t.err = err
		t.finished = time.Now()
		close(t.done)
	})
}

// Poll reports whether the task finished and its error, without blocking.
func (t *Task) Poll() (bool, error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

// Done is closed when the task finished.
func (t *Task) Done() <-chan struct{} { return t.done }
