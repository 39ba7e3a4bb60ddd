package audio

import "sync"

// tapBuffer is the per-tap channel capacity. Sized for roughly one second
// of 20 ms transport frames so a briefly stalled pipeline loses nothing.
const tapBuffer = 50

// Fanout distributes one decoded microphone stream to any number of taps.
// The room transport hands out a single reader per track; every pipeline
// listening to the same speaker attaches a [Tap] here instead.
//
// Delivery to a tap never blocks the source: when a tap's channel is full,
// its oldest frame is dropped, matching the transport adapters' own
// behaviour for stalled consumers.
//
// All methods are safe for concurrent use.
type Fanout struct {
	mu     sync.Mutex
	taps   map[*Tap]struct{}
	closed bool
	done   chan struct{}
}

// NewFanout starts distributing frames from src. The pump goroutine runs
// until src is closed or [Fanout.Close] is called; either way every open
// tap's channel is closed.
func NewFanout(src <-chan Frame) *Fanout {
	f := &Fanout{
		taps: make(map[*Tap]struct{}),
		done: make(chan struct{}),
	}
	go f.pump(src)
	return f
}

// Tap attaches a new consumer. Frames arriving after this call are
// delivered to it. A tap attached to a closed Fanout receives an already
// closed channel.
func (f *Fanout) Tap() *Tap {
	t := &Tap{
		fanout: f,
		frames: make(chan Frame, tapBuffer),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(t.frames)
		return t
	}
	f.taps[t] = struct{}{}
	return t
}

// Done returns a channel closed once the fanout has stopped, either by
// [Fanout.Close] or because the source channel ended. Owners use it to
// notice a dead microphone feed and rebuild it.
func (f *Fanout) Done() <-chan struct{} { return f.done }

// Close stops the pump and closes every tap's channel. It does not close
// the source; the caller owning the transport AudioSource releases that
// separately. Safe to call more than once.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	taps := f.taps
	f.taps = nil
	f.mu.Unlock()

	close(f.done)
	for t := range taps {
		close(t.frames)
	}
}

func (f *Fanout) pump(src <-chan Frame) {
	for {
		select {
		case <-f.done:
			return
		case frame, ok := <-src:
			if !ok {
				f.Close()
				return
			}
			f.deliver(frame)
		}
	}
}

func (f *Fanout) deliver(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for t := range f.taps {
		select {
		case t.frames <- frame:
			continue
		default:
		}
		// Full: drop the oldest frame to make room.
		select {
		case <-t.frames:
		default:
		}
		select {
		case t.frames <- frame:
		default:
		}
	}
}

// detach removes t without closing the Fanout itself.
func (f *Fanout) detach(t *Tap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if _, ok := f.taps[t]; ok {
		delete(f.taps, t)
		close(t.frames)
	}
}

// Tap is one consumer of a [Fanout].
type Tap struct {
	fanout    *Fanout
	frames    chan Frame
	closeOnce sync.Once
}

// Frames returns the tap's frame stream. The channel is closed when the
// tap or its Fanout is closed.
func (t *Tap) Frames() <-chan Frame { return t.frames }

// Close detaches the tap from its Fanout and closes the frame channel.
// Safe to call more than once.
func (t *Tap) Close() {
	t.closeOnce.Do(func() {
		t.fanout.detach(t)
	})
}
