// Package mock provides a test double for the translate package.
//
// The zero value echoes the request text back with a "[target] " prefix so
// ordering tests can tell translations apart without scripting. Delay and
// error injection cover the buffer's deadline and retry paths.
//
// Example:
//
//	tr := &mock.Translator{Delay: 600 * time.Millisecond}
//	// segment will miss a 500ms deadline
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider/translate"
)

// Translator is a mock implementation of translate.Translator.
type Translator struct {
	mu sync.Mutex

	// TranslateFunc, if non-nil, handles every call outright and the
	// remaining fields (except call recording) are ignored.
	TranslateFunc func(ctx context.Context, req translate.Request) (*translate.Result, error)

	// Delay is how long Translate blocks before answering. The block is
	// cancellable; ctx expiry during the delay returns ctx.Err().
	Delay time.Duration

	// Err, if non-nil, is returned by every call after the delay.
	Err error

	// Result, if non-nil, is returned instead of the default echo result.
	Result *translate.Result

	// Calls records every request in order.
	Calls []translate.Request

	// Cancelled counts calls that ended with ctx cancelled during the delay.
	Cancelled int
}

// Translate records the call, waits Delay (cancellable), and answers per the
// configured fields. The default answer echoes the input prefixed with the
// target language tag, e.g. "[es] hello".
func (t *Translator) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, req)
	fn := t.TranslateFunc
	delay := t.Delay
	errOut := t.Err
	result := t.Result
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.Cancelled++
			t.mu.Unlock()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		t.mu.Lock()
		t.Cancelled++
		t.mu.Unlock()
		return nil, err
	}

	if errOut != nil {
		return nil, errOut
	}
	if result != nil {
		return result, nil
	}
	return &translate.Result{
		Text:  fmt.Sprintf("[%s] %s", req.Target, req.Text),
		Model: "mock",
	}, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (t *Translator) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// CancelledCount returns how many calls ended with ctx cancelled. Thread-safe.
func (t *Translator) CancelledCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Cancelled
}

// LastCall returns the most recent request and whether one exists. Thread-safe.
func (t *Translator) LastCall() (translate.Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Calls) == 0 {
		return translate.Request{}, false
	}
	return t.Calls[len(t.Calls)-1], true
}

// Reset clears all recorded calls and counters. Thread-safe.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
	t.Cancelled = 0
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
