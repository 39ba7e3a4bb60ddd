// Package audio provides the PCM plumbing shared by every interpretation
// pipeline: frame types, format conversion between the rates the room
// transport and the speech providers speak, Opus transcoding for room
// tracks, and packetization of synthesized speech into fixed-size frames.
//
// All PCM in this package is little-endian int16, interleaved when stereo.
package audio

import "time"

// Room transport audio is 48 kHz mono Opus at 20 ms frame size. Every
// translated track published back into a room uses this format; incoming
// speaker tracks are decoded to it before hitting the recognizer.
const (
	TransportSampleRate = 48000
	TransportChannels   = 1

	// OpusFrameDuration is the packet size the room transport expects.
	OpusFrameDuration = 20 * time.Millisecond

	// OpusFrameSamples is the number of samples per channel per 20 ms packet.
	OpusFrameSamples = TransportSampleRate / int(time.Second/OpusFrameDuration) // 960
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// TransportFormat is the format of decoded room audio.
func TransportFormat() Format {
	return Format{SampleRate: TransportSampleRate, Channels: TransportChannels}
}

// Frame is a single chunk of PCM flowing through an interpretation pipeline.
// Frames are the atomic unit of audio transport: decoded from a speaker's
// room track, fed to speech recognition, and produced by speech synthesis
// on the way back out.
type Frame struct {
	// Data holds little-endian int16 PCM. Empty data marks a dropped frame.
	Data []byte

	// SampleRate in Hz (48000 for room transport, 16000 for local recognition).
	SampleRate int

	// Channels: 1 for mono voice, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's PCM, or zero when the frame
// carries no format information.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
