package audio

// Framer re-chunks a PCM stream into fixed-size frames. Speech synthesis
// providers emit chunks of whatever size their network path delivers; the
// Opus encoder needs exact 20 ms frames. A Framer buffers the remainder
// between pushes so no samples are lost at chunk boundaries.
//
// Not safe for concurrent use; each published track owns one Framer.
type Framer struct {
	frameBytes int
	pending    []byte
}

// NewFramer creates a Framer producing frames of frameSamples samples per
// channel for the given channel count. frameSamples <= 0 defaults to the
// room transport frame size.
func NewFramer(frameSamples, channels int) *Framer {
	if frameSamples <= 0 {
		frameSamples = OpusFrameSamples
	}
	if channels <= 0 {
		channels = TransportChannels
	}
	return &Framer{frameBytes: frameSamples * channels * 2}
}

// Push appends PCM bytes and returns every complete frame now available.
// Returns nil when no complete frame has accumulated yet.
func (f *Framer) Push(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	f.pending = append(f.pending, pcm...)

	var frames [][]byte
	for len(f.pending) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.pending[:f.frameBytes])
		frames = append(frames, frame)
		f.pending = f.pending[f.frameBytes:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return frames
}

// Flush returns the buffered remainder padded with silence to a full frame,
// or nil if nothing is pending. Call at end of an utterance so the tail of
// the synthesis is not swallowed.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.pending)
	f.pending = nil
	return frame
}

// Pending reports how many bytes are buffered awaiting a complete frame.
func (f *Framer) Pending() int {
	return len(f.pending)
}
