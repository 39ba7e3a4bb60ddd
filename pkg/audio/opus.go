package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusPacket bounds the encoded packet size passed to the encoder.
// Opus voice packets at 48 kHz mono stay far below this.
const maxOpusPacket = 4000

// OpusDecoder decodes room-transport Opus packets into PCM frames. Each
// speaker track gets its own decoder so codec state stays correct across
// consecutive packets.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder configured for room transport audio
// (48 kHz mono, 20 ms packets).
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(TransportSampleRate, TransportChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, OpusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// OpusEncoder encodes PCM frames into room-transport Opus packets. Each
// published track gets its own encoder.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder configured for room transport audio.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(TransportSampleRate, TransportChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes exactly one 20 ms frame of little-endian int16 PCM into an
// Opus packet. The input must hold OpusFrameSamples samples; use a Framer to
// packetize arbitrary-length synthesis output first.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := BytesToInt16s(pcmBytes)
	if len(pcm) != OpusFrameSamples*TransportChannels {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d",
			len(pcm), OpusFrameSamples*TransportChannels)
	}
	packet, err := e.enc.Encode(pcm, OpusFrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
