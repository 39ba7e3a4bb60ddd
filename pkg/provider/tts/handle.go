package tts

import (
	"context"
	"sync"
)

// Tracker is the Handle implementation shared by the bundled adapters. An
// adapter derives a cancellable context for the synthesis goroutine, wraps
// its CancelFunc in a Tracker, and calls Finish exactly once when the
// goroutine exits.
type Tracker struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	finished  bool
	cancelled bool
}

// NewTracker wraps cancel into a Tracker. cancel must stop the synthesis
// goroutine; Finish is still required to mark completion.
func NewTracker(cancel context.CancelFunc) *Tracker {
	return &Tracker{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel implements Handle.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

// Done implements Handle.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Err implements Handle.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled reports whether Cancel was called. Adapters use it to suppress
// error reporting for intentionally abandoned synthesis.
func (t *Tracker) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Finish records the terminal error and closes Done. Only the first call has
// an effect. A cancelled synthesis finishing with a context error keeps
// context.Canceled as its terminal error.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.err = err
	close(t.done)
}

// Ensure Tracker implements Handle at compile time.
var _ Handle = (*Tracker)(nil)
