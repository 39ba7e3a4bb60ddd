package livekit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.AudioSource = (*micSource)(nil)
	_ transport.AudioWriter = (*trackWriter)(nil)
)

// sourceBuffer sizes a microphone source's frame channel: 64 packets of
// 20 ms bound the backlog at 1.28 s before the oldest frames are dropped.
const sourceBuffer = 64

// ---- microphone source ----

// micSource reads RTP from one subscribed microphone track, decodes the
// Opus payload, and delivers PCM frames. It never blocks the network read
// loop: a stalled consumer loses the oldest frames first.
type micSource struct {
	identity string
	pub      *lksdk.RemoteTrackPublication
	track    *webrtc.TrackRemote
	dec      *audio.OpusDecoder
	remove   func(sid string)

	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	dropMu sync.Mutex
}

func newMicSource(identity string, pub *lksdk.RemoteTrackPublication, track *webrtc.TrackRemote, remove func(string)) (*micSource, error) {
	dec, err := audio.NewOpusDecoder()
	if err != nil {
		return nil, err
	}
	return &micSource{
		identity: identity,
		pub:      pub,
		track:    track,
		dec:      dec,
		remove:   remove,
		frames:   make(chan audio.Frame, sourceBuffer),
		done:     make(chan struct{}),
	}, nil
}

// start launches the read loop. It is separate from construction so the
// owning room can register the source before frames start flowing.
func (s *micSource) start() {
	go s.readLoop()
}

func (s *micSource) Frames() <-chan audio.Frame { return s.frames }

func (s *micSource) Close() error {
	s.stop()
	return nil
}

// stop unsubscribes and deregisters exactly once. ReadRTP unblocks when the
// subscription drops, which lets the read loop close the frame channel.
func (s *micSource) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pub.SetSubscribed(false)
		s.remove(s.pub.SID())
	})
}

func (s *micSource) readLoop() {
	defer close(s.frames)
	var pos time.Duration
	for {
		select {
		case <-s.done:
			return
		default:
		}
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("microphone track ended", "participant", s.identity, "err", err)
			}
			s.stop()
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := s.dec.Decode(pkt.Payload)
		if err != nil {
			slog.Debug("opus decode failed", "participant", s.identity, "err", err)
			continue
		}
		s.push(audio.Frame{
			Data:       pcm,
			SampleRate: audio.TransportSampleRate,
			Channels:   audio.TransportChannels,
			Timestamp:  pos,
		})
		pos += audio.OpusFrameDuration
	}
}

func (s *micSource) push(f audio.Frame) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
}

// ---- published track writer ----

const (
	// pacerLead lets a synthesis burst run this far ahead of real time
	// before the writer sleeps, keeping the receiver's jitter buffer fed.
	pacerLead = 60 * time.Millisecond

	// pacerReset re-anchors the media clock after a gap between utterances.
	pacerReset = 500 * time.Millisecond
)

// trackWriter publishes one Opus track and encodes PCM frames into it.
// WriteSample transmits immediately, so the writer paces packets to real
// time; without that a whole utterance would hit the receiver as a single
// RTP burst.
type trackWriter struct {
	name   string
	lp     *lksdk.LocalParticipant
	track  *lksdk.LocalSampleTrack
	pub    *lksdk.LocalTrackPublication
	remove func(sid string)

	mu     sync.Mutex
	enc    *audio.OpusEncoder
	framer *audio.Framer
	next   time.Time
	closed bool
}

func newTrackWriter(lp *lksdk.LocalParticipant, name string, remove func(string)) (*trackWriter, error) {
	enc, err := audio.NewOpusEncoder()
	if err != nil {
		return nil, err
	}
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.TransportSampleRate,
		Channels:  audio.TransportChannels,
	})
	if err != nil {
		return nil, fmt.Errorf("livekit: create sample track %q: %w", name, err)
	}
	// MICROPHONE source makes receiving clients treat the track as voice
	// and autoplay it.
	pub, err := lp.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return nil, fmt.Errorf("livekit: publish track %q: %v: %w", name, err, transport.ErrUnavailable)
	}
	return &trackWriter{
		name:   name,
		lp:     lp,
		track:  track,
		pub:    pub,
		remove: remove,
		enc:    enc,
		framer: audio.NewFramer(audio.OpusFrameSamples, audio.TransportChannels),
	}, nil
}

func (w *trackWriter) WriteFrame(frame audio.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return transport.ErrClosed
	}
	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if rate := frame.SampleRate; rate != 0 && rate != audio.TransportSampleRate {
		pcm = audio.ResampleMono16(pcm, rate, audio.TransportSampleRate)
	}
	for _, packet := range w.framer.Push(pcm) {
		if err := w.send(packet); err != nil {
			return err
		}
	}
	return nil
}

func (w *trackWriter) send(pcm []byte) error {
	data, err := w.enc.Encode(pcm)
	if err != nil {
		return err
	}
	w.pace()
	if err := w.track.WriteSample(media.Sample{Data: data, Duration: audio.OpusFrameDuration}, nil); err != nil {
		return fmt.Errorf("livekit: write sample to %q: %v: %w", w.name, err, transport.ErrUnavailable)
	}
	return nil
}

func (w *trackWriter) pace() {
	now := time.Now()
	if w.next.IsZero() || now.Sub(w.next) > pacerReset {
		w.next = now
	}
	if ahead := w.next.Sub(now); ahead > pacerLead {
		time.Sleep(ahead - pacerLead)
	}
	w.next = w.next.Add(audio.OpusFrameDuration)
}

func (w *trackWriter) SID() string { return w.pub.SID() }

func (w *trackWriter) Name() string { return w.name }

func (w *trackWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	// Flush the partial tail padded with silence so the last few
	// milliseconds of an utterance are not cut off.
	var flushErr error
	if rest := w.framer.Flush(); len(rest) > 0 {
		flushErr = w.send(padFrame(rest))
	}
	w.mu.Unlock()

	var unpubErr error
	if err := w.lp.UnpublishTrack(w.pub.SID()); err != nil {
		unpubErr = fmt.Errorf("livekit: unpublish track %q: %v: %w", w.name, err, transport.ErrUnavailable)
	}
	w.remove(w.pub.SID())
	return errors.Join(flushErr, unpubErr)
}

// padFrame right-pads a short PCM chunk with silence to a full packet.
func padFrame(pcm []byte) []byte {
	frameBytes := audio.OpusFrameSamples * audio.TransportChannels * 2
	if len(pcm) >= frameBytes {
		return pcm[:frameBytes]
	}
	out := make([]byte, frameBytes)
	copy(out, pcm)
	return out
}
