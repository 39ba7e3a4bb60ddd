package audio

import (
	"testing"
	"time"
)

func collectFrames(t *testing.T, ch <-chan Frame, want int) []Frame {
	t.Helper()
	out := make([]Frame, 0, want)
	timeout := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case f, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d frames, want %d", len(out), want)
			}
			out = append(out, f)
		case <-timeout:
			t.Fatalf("timed out after %d frames, want %d", len(out), want)
		}
	}
	return out
}

func TestFanoutDeliversToAllTaps(t *testing.T) {
	t.Parallel()

	src := make(chan Frame, 8)
	fan := NewFanout(src)
	defer fan.Close()

	a := fan.Tap()
	b := fan.Tap()

	for i := 0; i < 3; i++ {
		src <- Frame{Data: []byte{byte(i)}, SampleRate: TransportSampleRate, Channels: 1}
	}

	for name, tap := range map[string]*Tap{"a": a, "b": b} {
		frames := collectFrames(t, tap.Frames(), 3)
		for i, f := range frames {
			if f.Data[0] != byte(i) {
				t.Errorf("tap %s frame %d: got data %v", name, i, f.Data)
			}
		}
	}
}

func TestFanoutSourceCloseClosesTaps(t *testing.T) {
	t.Parallel()

	src := make(chan Frame)
	fan := NewFanout(src)
	tap := fan.Tap()

	close(src)

	select {
	case _, ok := <-tap.Frames():
		if ok {
			t.Fatal("expected closed channel, got frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tap channel not closed after source close")
	}
}

func TestFanoutDropsOldestWhenTapStalls(t *testing.T) {
	t.Parallel()

	src := make(chan Frame)
	fan := NewFanout(src)
	defer fan.Close()

	tap := fan.Tap()

	// Nobody reads the tap: overfill it past its buffer.
	for i := 0; i < tapBuffer+10; i++ {
		src <- Frame{Data: []byte{byte(i)}}
	}
	time.Sleep(50 * time.Millisecond) // let the pump finish delivering

	// The first frame out must not be frame 0: the oldest were dropped.
	f := <-tap.Frames()
	if f.Data[0] == 0 {
		t.Error("oldest frame survived a full tap; expected drop-oldest")
	}

	// The newest frame must have survived.
	last := f
	for {
		select {
		case g := <-tap.Frames():
			last = g
			continue
		default:
		}
		break
	}
	if last.Data[0] != byte(tapBuffer+9) {
		t.Errorf("newest frame lost: last delivered %d, want %d", last.Data[0], tapBuffer+9)
	}
}

func TestTapCloseDetachesWithoutStoppingOthers(t *testing.T) {
	t.Parallel()

	src := make(chan Frame, 4)
	fan := NewFanout(src)
	defer fan.Close()

	a := fan.Tap()
	b := fan.Tap()
	a.Close()
	a.Close() // idempotent

	src <- Frame{Data: []byte{7}}

	frames := collectFrames(t, b.Frames(), 1)
	if frames[0].Data[0] != 7 {
		t.Errorf("surviving tap got %v", frames[0].Data)
	}

	if _, ok := <-a.Frames(); ok {
		t.Error("closed tap still delivering")
	}
}

func TestTapOnClosedFanout(t *testing.T) {
	t.Parallel()

	src := make(chan Frame)
	fan := NewFanout(src)
	fan.Close()
	fan.Close() // idempotent

	tap := fan.Tap()
	if _, ok := <-tap.Frames(); ok {
		t.Error("tap on closed fanout delivered a frame")
	}
	tap.Close()
}
