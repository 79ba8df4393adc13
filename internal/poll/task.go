// Package poll runs a function on a fixed interval until it reports
// completion, runs out of attempts or is cancelled.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMaxAttempts is returned by Run when the attempt budget is exhausted.
var ErrMaxAttempts = errors.New("max poll attempts reached")

// State is the lifecycle state of a Task.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateCancelled State = "cancelled"
	StateFinished  State = "finished"
)

// Func is one poll attempt. Returning done=true or a non-nil error ends the task.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Options configures a Task.
type Options struct {
	Interval time.Duration
	// MaxAttempts bounds the number of calls; 0 means unbounded.
	MaxAttempts int
	// Immediate runs the first attempt without waiting one interval.
	Immediate bool
}

// Task is a single-use poller. Attempts never overlap: the next timer is armed
// only after the previous attempt returns.
type Task struct {
	opts Options
	fn   Func

	mu       sync.Mutex
	state    State
	attempts int
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an idle Task.
func New(opts Options, fn Func) *Task {
	return &Task{
		opts:  opts,
		fn:    fn,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Start runs the task in a background goroutine. Calling Start on a task that
// already left the idle state does nothing.
func (t *Task) Start(ctx context.Context) {
	runCtx, ok := t.begin(ctx)
	if !ok {
		return
	}
	go t.loop(runCtx)
}

// Run executes the task on the calling goroutine and returns its final error:
// nil when fn reported done, ErrMaxAttempts, fn's error, or the context error
// after cancellation.
func (t *Task) Run(ctx context.Context) error {
	runCtx, ok := t.begin(ctx)
	if !ok {
		<-t.done
		return t.Err()
	}
	t.loop(runCtx)
	return t.Err()
}

func (t *Task) begin(ctx context.Context) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = StateScheduled
	return runCtx, true
}

func (t *Task) loop(ctx context.Context) {
	defer t.cancel()

	if !t.opts.Immediate {
		if !t.wait(ctx) {
			return
		}
	}
	for {
		if t.opts.MaxAttempts > 0 && t.Attempts() >= t.opts.MaxAttempts {
			t.finish(StateFinished, ErrMaxAttempts)
			return
		}

		attempt := t.markRunning()
		done, err := t.fn(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				t.finish(StateCancelled, ctx.Err())
				return
			}
			t.finish(StateFinished, err)
			return
		}
		if done {
			t.finish(StateFinished, nil)
			return
		}

		t.markScheduled()
		if !t.wait(ctx) {
			return
		}
	}
}

// wait sleeps one interval. It reports false when the task was cancelled.
func (t *Task) wait(ctx context.Context) bool {
	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		t.finish(StateCancelled, ctx.Err())
		return false
	case <-timer.C:
		return true
	}
}

func (t *Task) markRunning() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	t.state = StateRunning
	return t.attempts
}

func (t *Task) markScheduled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateScheduled
}

func (t *Task) finish(state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.state = state
	t.err = err
	close(t.done)
}

// Cancel stops the task. An attempt already in progress sees its context
// cancelled; no further attempt starts. Cancelling an idle task marks it
// cancelled without running it.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	idle := t.state == StateIdle
	t.mu.Unlock()

	if idle {
		t.finish(StateCancelled, context.Canceled)
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the task stops for any reason.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns how many times fn has been called.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Err returns the reason the task stopped, or nil while it is still running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Active reports whether the task is scheduled or running.
func (t *Task) Active() bool {
	s := t.State()
	return s == StateScheduled || s == StateRunning
}
