// Package pipeline runs one (listener, speaker) interpretation lane: the
// speaker's decoded microphone audio goes through speech recognition, the
// translation buffer, and speech synthesis onto a listener-restricted room
// track.
//
// # Tasks
//
// A started pipeline runs three tasks over two bounded queues:
//
//	mic tap ──► recognizer ──► transcripts (16) ──► buffer ──► utterances (8) ──► synthesis ──► room track
//
//  1. The recognizer task pumps tap frames into the STT session and its
//     results into the transcript queue. A session that dies mid-stream is
//     reopened under the retry budget; segment ids are re-based so the new
//     session cannot collide with the old one.
//  2. The buffer task runs the translation buffer ([buffer.Buffer]).
//  3. The synthesis task renders utterances in order, one at a time, waiting
//     for each segment's audio to finish before starting the next.
//
// Queue overflow drops the oldest entry rather than blocking an upstream
// stage; a delayed hypothesis is worthless in live interpretation.
//
// # Lifecycle
//
// States move initializing → running → draining → terminated, with failed as
// the terminal state for permanent errors from any task. Draining stops the
// recognizer and gives in-flight segments a grace window to reach the track;
// terminating cancels everything immediately. Both are idempotent and safe
// from any goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/pipeline/buffer"
	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/transport"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// State is a pipeline lifecycle state. Transitions are one-way; Failed and
// Terminated are terminal.
type State int32

// Pipeline lifecycle states.
const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Key identifies a pipeline inside a room: one lane per (listener, speaker)
// pair with differing languages.
type Key struct {
	Listener string
	Speaker  string
}

func (k Key) String() string {
	return k.Speaker + ":" + k.Listener
}

// Notification reports a state transition to the pipeline's owner.
type Notification struct {
	Key   Key
	State State

	// Err is set for StateFailed transitions.
	Err error
}

// Tuning holds the pipeline's latency and capacity knobs. Zero fields take
// the defaults noted per field.
type Tuning struct {
	// MaxDelay, InterimTrigger, UtteranceEnd, and MinInterimConfidence are
	// handed to the translation buffer; see [buffer.Config] for semantics
	// and defaults.
	MaxDelay             time.Duration
	InterimTrigger       time.Duration
	UtteranceEnd         time.Duration
	MinInterimConfidence float64

	// STTQueueSize bounds the transcript queue. Default 16.
	STTQueueSize int

	// TTSQueueSize bounds the utterance queue. Default 8.
	TTSQueueSize int

	// DrainGrace is how long Drain waits for in-flight segments before
	// terminating. Default 2s.
	DrainGrace time.Duration

	// CancelGrace is how long teardown waits for a cancelled synthesis to
	// acknowledge before abandoning it. Default 200ms.
	CancelGrace time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.STTQueueSize <= 0 {
		t.STTQueueSize = 16
	}
	if t.TTSQueueSize <= 0 {
		t.TTSQueueSize = 8
	}
	if t.DrainGrace <= 0 {
		t.DrainGrace = 2 * time.Second
	}
	if t.CancelGrace <= 0 {
		t.CancelGrace = 200 * time.Millisecond
	}
	return t
}

// Config assembles a [Pipeline].
type Config struct {
	// Room is the joined voice room. The pipeline publishes its translated
	// track here; it never touches subscriptions (the router owns those).
	Room transport.Room

	// Source delivers the speaker's decoded microphone frames. The pipeline
	// owns the tap and closes it on teardown; the fanout behind it stays
	// with the coordinator.
	Source *audio.Tap

	// STT, Translator, and TTS are the provider lane for this pair.
	STT        stt.Provider
	Translator translate.Translator
	TTS        tts.Provider

	// Listener supplies the target language, voice, and preferences;
	// Speaker supplies the source language. Identities name the lane.
	Listener types.UserProfile
	Speaker  types.UserProfile

	Tuning Tuning

	// Notify, if set, is called synchronously on every state transition
	// after a successful Start. It must not block; owners enqueue into
	// their own loop.
	Notify func(Notification)

	// Metrics defaults to [observe.DefaultMetrics]. Diag defaults to a
	// no-op sink. Logger defaults to slog.Default.
	Metrics *observe.Metrics
	Diag    diag.Sink
	Logger  *slog.Logger
}

// Pipeline is one running interpretation lane. Create with [New], start
// with [Pipeline.Start].
type Pipeline struct {
	room   transport.Room
	source *audio.Tap
	sttP   stt.Provider
	ttsP   tts.Provider

	key    Key
	voice  types.VoiceAvatar
	srcLng types.Language
	tgtLng types.Language
	tuning Tuning
	notify func(Notification)

	metrics *observe.Metrics
	diags   diag.Sink
	log     *slog.Logger

	buf         *buffer.Buffer
	transcripts chan types.Transcript
	utterances  chan buffer.Utterance

	state    atomic.Int32
	starting atomic.Bool
	started  atomic.Bool

	wg sync.WaitGroup

	termOnce    sync.Once
	cleanupOnce sync.Once

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	session stt.SessionHandle
	writer  transport.AudioWriter
	err     error
}

// New validates cfg and builds an unstarted pipeline in state initializing.
// No transport or provider calls happen until [Pipeline.Start].
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Room == nil:
		return nil, errors.New("pipeline: Room is required")
	case cfg.Source == nil:
		return nil, errors.New("pipeline: Source tap is required")
	case cfg.STT == nil || cfg.Translator == nil || cfg.TTS == nil:
		return nil, errors.New("pipeline: STT, Translator, and TTS providers are required")
	case cfg.Listener.Identity == "" || cfg.Speaker.Identity == "":
		return nil, errors.New("pipeline: listener and speaker identities are required")
	}
	if cfg.Speaker.NativeLanguage == cfg.Listener.NativeLanguage {
		return nil, fmt.Errorf("pipeline: %s and %s share language %q",
			cfg.Speaker.Identity, cfg.Listener.Identity, cfg.Speaker.NativeLanguage)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Diag == nil {
		cfg.Diag = diag.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key := Key{Listener: cfg.Listener.Identity, Speaker: cfg.Speaker.Identity}
	tuning := cfg.Tuning.withDefaults()

	p := &Pipeline{
		room:        cfg.Room,
		source:      cfg.Source,
		sttP:        cfg.STT,
		ttsP:        cfg.TTS,
		key:         key,
		voice:       cfg.Listener.Avatar,
		srcLng:      cfg.Speaker.NativeLanguage,
		tgtLng:      cfg.Listener.NativeLanguage,
		tuning:      tuning,
		notify:      cfg.Notify,
		metrics:     cfg.Metrics,
		diags:       cfg.Diag,
		transcripts: make(chan types.Transcript, tuning.STTQueueSize),
		utterances:  make(chan buffer.Utterance, tuning.TTSQueueSize),
		log: cfg.Logger.With(
			"room", cfg.Room.Name(),
			"listener", key.Listener,
			"speaker", key.Speaker,
		),
	}

	buf, err := buffer.New(buffer.Config{
		Translator:     cfg.Translator,
		Source:         p.srcLng,
		Target:         p.tgtLng,
		Prefs:          cfg.Listener.Preferences,
		In:             p.transcripts,
		Out:            p.utterances,
		MaxDelay:       tuning.MaxDelay,
		InterimTrigger: tuning.InterimTrigger,
		UtteranceEnd:   tuning.UtteranceEnd,
		MinConfidence:  tuning.MinInterimConfidence,
		Metrics:        cfg.Metrics,
		Logger:         p.log,
	})
	if err != nil {
		return nil, err
	}
	p.buf = buf
	return p, nil
}

// Start publishes the translated track, opens the recognition session, and
// launches the tasks. On error the pipeline is left in state failed with
// all acquired resources released; Start does not invoke Notify because the
// caller observes the error directly.
//
// ctx bounds the pipeline's whole life, not just startup: cancelling it is
// equivalent to Terminate.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.starting.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline %s: already started", p.key)
	}
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	writer, err := resilience.RetryWithResult(ctx, transportRetry,
		func(ctx context.Context) (transport.AudioWriter, error) {
			return p.room.PublishTrack(ctx, p.TrackName(), []string{p.key.Listener})
		})
	if err != nil {
		p.startFailed(fmt.Errorf("publish track: %w", err))
		return p.err
	}
	p.mu.Lock()
	p.writer = writer
	p.mu.Unlock()

	session, err := p.openSession(p.ctx)
	if err != nil {
		p.startFailed(fmt.Errorf("open stt session: %w", err))
		return p.err
	}
	p.setSession(session)

	if !p.moveState(StateRunning, StateInitializing) {
		// Terminated while initializing.
		p.cleanup()
		return fmt.Errorf("pipeline %s: torn down during start", p.key)
	}
	p.started.Store(true)
	p.metrics.ActivePipelines.Add(ctx, 1)
	p.log.Info("pipeline started",
		"source", p.srcLng, "target", p.tgtLng,
		"voice", p.voice.VoiceID, "track", writer.SID())

	p.wg.Add(4)
	go p.audioPump()
	go p.transcriptPump()
	go p.runBuffer()
	go p.writeLoop()

	p.emit(StateRunning, nil)
	return nil
}

// transportRetry treats everything except a closed room or a missing
// participant/track as worth another attempt.
var transportRetry = resilience.RetryConfig{
	Retryable: func(err error) bool {
		return !errors.Is(err, transport.ErrClosed) &&
			!errors.Is(err, transport.ErrParticipantNotFound) &&
			!errors.Is(err, transport.ErrTrackNotFound) &&
			!errors.Is(err, transport.ErrTrackInUse)
	},
}

func (p *Pipeline) openSession(ctx context.Context) (stt.SessionHandle, error) {
	return resilience.RetryWithResult(ctx, resilience.RetryConfig{},
		func(ctx context.Context) (stt.SessionHandle, error) {
			return p.sttP.StartStream(ctx, stt.StreamConfig{
				SampleRate:   audio.TransportSampleRate,
				Channels:     audio.TransportChannels,
				Language:     p.srcLng,
				UtteranceEnd: p.tuning.UtteranceEnd,
			})
		})
}

// startFailed releases the partially acquired resources of a failed Start.
func (p *Pipeline) startFailed(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.moveState(StateFailed, StateInitializing)
	p.cancelCtx()
	p.cleanup()
	p.log.Error("pipeline start failed", "error", err)
}

// cancelCtx cancels the lifecycle context if Start created one.
func (p *Pipeline) cancelCtx() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ─── Tasks ────────────────────────────────────────────────────────────────

// audioPump feeds tap frames to the recognition session. Send errors are
// skipped while the session is being replaced; the transcript pump owns the
// session's fate.
func (p *Pipeline) audioPump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case f, ok := <-p.source.Frames():
			if !ok {
				// Speaker's microphone ended: no more speech is coming.
				// Drain so in-flight segments still reach the listener.
				p.Drain()
				return
			}
			if len(f.Data) == 0 {
				continue
			}
			s := p.currentSession()
			if s == nil {
				continue
			}
			if err := s.SendAudio(f.Data); err != nil {
				if p.State() != StateRunning {
					return
				}
				continue // session mid-replacement, frame dropped
			}
		}
	}
}

// transcriptPump forwards recognition results into the transcript queue and
// reopens the session if it dies while the pipeline is running. Segment ids
// from a reopened session are shifted past the highest id already seen.
func (p *Pipeline) transcriptPump() {
	defer p.wg.Done()
	defer close(p.transcripts)

	var base, maxSeen uint64
	for {
		s := p.currentSession()
		if s == nil {
			return
		}
		for tr := range s.Results() {
			tr.SegmentID += base
			if tr.SegmentID > maxSeen {
				maxSeen = tr.SegmentID
			}
			p.offerTranscript(tr)
		}

		if p.State() != StateRunning {
			return // drain or teardown closed the session
		}
		p.log.Warn("stt session ended unexpectedly, reopening")
		next, err := p.openSession(p.ctx)
		if err != nil {
			p.fail(fmt.Errorf("reopen stt session: %w", err))
			return
		}
		p.setSession(next)
		base = maxSeen
	}
}

// offerTranscript enqueues without ever blocking: when the queue is full the
// oldest entry is dropped. A newer hypothesis always beats an older one.
func (p *Pipeline) offerTranscript(tr types.Transcript) {
	select {
	case p.transcripts <- tr:
		return
	default:
	}
	select {
	case old := <-p.transcripts:
		p.log.Debug("transcript queue full, oldest dropped", "segment", old.SegmentID)
	default:
	}
	select {
	case p.transcripts <- tr:
	default:
	}
}

func (p *Pipeline) runBuffer() {
	defer p.wg.Done()
	err := p.buf.Run(p.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.fail(err)
	}
}

// writeLoop renders utterances strictly in order: segment k's audio finishes
// before segment k+1's synthesis starts.
func (p *Pipeline) writeLoop() {
	defer p.wg.Done()
	for u := range p.utterances {
		if err := p.speak(u); err != nil {
			p.fail(err)
			return
		}
	}
}

// speak synthesizes one utterance onto the published track and waits for it
// to finish. A transient synthesis failure skips the segment; a permanent
// one is returned and fails the pipeline.
func (p *Pipeline) speak(u buffer.Utterance) error {
	p.mu.Lock()
	writer := p.writer
	p.mu.Unlock()
	if writer == nil {
		return errors.New("no published track")
	}

	start := time.Now()
	var first atomic.Bool
	first.Store(true)
	sink := tts.SinkFunc(func(f audio.Frame) error {
		if first.CompareAndSwap(true, false) {
			p.buf.RecordFirstAudio(u, time.Now())
			p.metrics.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		return writer.WriteFrame(f)
	})

	req := tts.Request{Text: u.Text, Voice: p.voice}
	handle, err := resilience.RetryWithResult(p.ctx, resilience.RetryConfig{},
		func(ctx context.Context) (tts.Handle, error) {
			return p.ttsP.Synthesize(ctx, req, sink)
		})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if provider.Permanent(err) {
			return fmt.Errorf("synthesize segment %d: %w", u.SegmentID, err)
		}
		p.log.Warn("synthesis failed, segment skipped", "segment", u.SegmentID, "error", err)
		p.metrics.RecordSegmentDrop(context.Background(), observe.DropFailed)
		return nil
	}

	select {
	case <-handle.Done():
	case <-p.ctx.Done():
		handle.Cancel()
		select {
		case <-handle.Done():
		case <-time.After(p.tuning.CancelGrace):
		}
		return nil
	}

	if err := handle.Err(); err != nil && !errors.Is(err, context.Canceled) {
		if provider.Permanent(err) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("synthesize segment %d: %w", u.SegmentID, err)
		}
		p.log.Warn("synthesis aborted mid-segment", "segment", u.SegmentID, "error", err)
	}
	return nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────

// Drain stops accepting new speech and gives in-flight segments the grace
// window to reach the track, then terminates. No-op unless running.
func (p *Pipeline) Drain() {
	if !p.moveState(StateDraining, StateRunning) {
		return
	}
	p.log.Info("pipeline draining", "grace", p.tuning.DrainGrace)
	p.emit(StateDraining, nil)

	go func() {
		// Closing the session flushes recognition; the pumps and the buffer
		// wind down behind it.
		if s := p.currentSession(); s != nil {
			_ = s.Close()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.tuning.DrainGrace):
			p.log.Warn("drain grace elapsed with segments in flight")
		}
		p.Terminate()
	}()
}

// Terminate stops the pipeline immediately and releases every resource. It
// blocks until all tasks have exited. Safe to call more than once and after
// Drain or a failure.
func (p *Pipeline) Terminate() {
	p.termOnce.Do(func() {
		moved := p.moveState(StateTerminated, StateInitializing, StateRunning, StateDraining)
		p.cancelCtx()
		p.cleanup()
		p.wg.Wait()
		if moved {
			p.log.Info("pipeline terminated")
			p.emit(StateTerminated, nil)
		}
	})
}

// fail records the first permanent error, moves to state failed, and tears
// the pipeline down. Called from task goroutines.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()

	if !p.moveState(StateFailed, StateInitializing, StateRunning, StateDraining) {
		return
	}
	p.log.Error("pipeline failed", "error", err)

	rec := diag.New(diag.KindPipelineFailed, p.room.Name(), p.key.Listener, p.key.Speaker, err.Error())
	if emitErr := p.diags.Emit(context.Background(), rec); emitErr != nil {
		p.log.Warn("diagnostic emit failed", "error", emitErr)
	}

	p.cancelCtx()
	go p.cleanup()
	p.emit(StateFailed, err)
}

// cleanup releases the session, writer, and tap exactly once.
func (p *Pipeline) cleanup() {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		session, writer := p.session, p.writer
		p.session = nil
		p.mu.Unlock()

		if session != nil {
			_ = session.Close()
		}
		if writer != nil {
			_ = writer.Close()
		}
		p.source.Close()
		if p.started.Load() {
			p.metrics.ActivePipelines.Add(context.Background(), -1)
		}
	})
}

func (p *Pipeline) emit(s State, err error) {
	if p.notify != nil {
		p.notify(Notification{Key: p.key, State: s, Err: err})
	}
}

// ─── State and accessors ──────────────────────────────────────────────────

// moveState transitions to `to` if the current state is one of from.
func (p *Pipeline) moveState(to State, from ...State) bool {
	for {
		cur := State(p.state.Load())
		allowed := false
		for _, f := range from {
			if cur == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if p.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Key returns the (listener, speaker) pair this pipeline serves.
func (p *Pipeline) Key() Key { return p.key }

// Err returns the first permanent error, or nil.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// TrackName returns the publish-time name of the translated track.
func (p *Pipeline) TrackName() string {
	return transport.TranslatedTrackName(p.key.Speaker, p.key.Listener)
}

// TrackSID returns the transport id of the published track, or "" before
// publishing completes.
func (p *Pipeline) TrackSID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return ""
	}
	return p.writer.SID()
}

// Stats returns the translation buffer's counters.
func (p *Pipeline) Stats() buffer.Stats { return p.buf.Stats() }

// Snapshot is a point-in-time view of the pipeline for stats reporting.
type Snapshot struct {
	Key       Key          `json:"-"`
	Listener  string       `json:"listener"`
	Speaker   string       `json:"speaker"`
	State     string       `json:"state"`
	Source    string       `json:"source_language"`
	Target    string       `json:"target_language"`
	Voice     string       `json:"voice_id"`
	TrackName string       `json:"track_name"`
	TrackSID  string       `json:"track_sid,omitempty"`
	Buffer    buffer.Stats `json:"buffer"`
	Error     string       `json:"error,omitempty"`
}

// Snapshot assembles the stats view served by the ops endpoint and the
// room's stats requests.
func (p *Pipeline) Snapshot() Snapshot {
	snap := Snapshot{
		Key:       p.key,
		Listener:  p.key.Listener,
		Speaker:   p.key.Speaker,
		State:     p.State().String(),
		Source:    p.srcLng.String(),
		Target:    p.tgtLng.String(),
		Voice:     p.voice.VoiceID,
		TrackName: p.TrackName(),
		TrackSID:  p.TrackSID(),
		Buffer:    p.buf.Stats(),
	}
	if err := p.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Wait blocks until every task has exited. Useful for tests and for owners
// sequencing teardown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// currentSession returns the live session handle, if any.
func (p *Pipeline) currentSession() stt.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Pipeline) setSession(s stt.SessionHandle) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
}
