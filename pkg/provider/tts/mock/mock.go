// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio frames to a sink and to verify that
// the correct voice and text are passed to the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Frames: []audio.Frame{{Data: []byte{1, 2}, SampleRate: 24000, Channels: 1}},
//	}
//	handle, _ := p.Synthesize(ctx, req, sink)
//	<-handle.Done()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the synthesis request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Frames is the sequence of audio frames written to the sink for each
	// synthesis.
	Frames []audio.Frame

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize
	// instead of starting a synthesis.
	SynthesizeErr error

	// FinishErr, if non-nil, is the terminal error the handle reports after
	// all frames have been delivered.
	FinishErr error

	// FrameDelay, if positive, is the pause before each frame is written.
	// Synthesis aborts with the context error when cancelled mid-delay,
	// letting tests exercise in-flight cancellation.
	FrameDelay time.Duration

	// SynthesizeFunc, if set, overrides the default behaviour entirely. The
	// mock still records the call.
	SynthesizeFunc func(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error)

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and, if SynthesizeErr is nil, starts a
// goroutine that writes Frames to sink and then finishes the returned handle
// with FinishErr.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink tts.Sink) (tts.Handle, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.SynthesizeFunc != nil {
		fn := p.SynthesizeFunc
		p.mu.Unlock()
		return fn(ctx, req, sink)
	}
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	frames := make([]audio.Frame, len(p.Frames))
	copy(frames, p.Frames)
	finishErr := p.FinishErr
	delay := p.FrameDelay
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	handle := tts.NewTracker(cancel)

	go func() {
		for _, frame := range frames {
			if delay > 0 {
				select {
				case <-runCtx.Done():
					handle.Finish(runCtx.Err())
					return
				case <-time.After(delay):
				}
			} else if err := runCtx.Err(); err != nil {
				handle.Finish(err)
				return
			}
			if err := sink.Write(frame); err != nil {
				handle.Finish(err)
				return
			}
		}
		handle.Finish(finishErr)
	}()

	return handle, nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// LastCall returns the most recent Synthesize call, or a zero value if none
// were recorded. Thread-safe.
func (p *Provider) LastCall() SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.SynthesizeCalls) == 0 {
		return SynthesizeCall{}
	}
	return p.SynthesizeCalls[len(p.SynthesizeCalls)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
