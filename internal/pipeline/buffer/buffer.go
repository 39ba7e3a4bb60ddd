// Package buffer implements the per-pipeline translation buffer: the stage
// between speech recognition and speech synthesis that decides when each
// segment is translated and when it is spoken.
//
// The buffer consumes one ordered stream of interim and final transcripts
// for a single speaker and emits translated utterances in strict segment
// order under a latency ceiling:
//
//   - A final transcript (or utterance-end) is translated immediately,
//     cancelling any in-flight translation of the same segment's interim
//     text.
//   - An interim transcript is translated provisionally once the segment is
//     old enough and the text has drifted materially from what was last
//     submitted. A provisional translation is held back and spoken only if
//     no final arrives before the segment's deadline.
//   - Every segment carries a deadline of first sighting plus the configured
//     maximum delay. A segment whose translation is not ready in time is
//     dropped and counted as missed; it still consumes its ordering slot so
//     later segments play in their natural place.
//   - If no hypothesis change arrives for the utterance-end window, the last
//     interim is promoted to final.
//
// All segment state is owned by the goroutine running [Buffer.Run]; the only
// cross-goroutine surfaces are [Buffer.Stats] and [Buffer.RecordFirstAudio].
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Defaults applied by [New] when the corresponding Config field is zero.
const (
	DefaultMaxDelay       = 500 * time.Millisecond
	DefaultInterimTrigger = 250 * time.Millisecond
	DefaultUtteranceEnd   = 500 * time.Millisecond
	DefaultMinConfidence  = 0.7
)

// tickInterval drives deadline checks, silence promotion, and emission
// retries. Small enough that a deadline is never overshot by more than a
// frame's worth of time.
const tickInterval = 10 * time.Millisecond

// tombstoneTTL is how long a terminal segment's record survives so that
// late transcripts for it are recognised instead of opening a duplicate.
const tombstoneTTL = 2 * time.Second

// Utterance is one translated segment ready for synthesis.
type Utterance struct {
	// SegmentID is the recognizer's segment id.
	SegmentID uint64

	// Text is the translated text to synthesize.
	Text string

	// SourceText is the hypothesis the translation was made from.
	SourceText string

	// Provisional marks a translation derived from an interim hypothesis
	// that was spoken because its deadline arrived before a final did.
	Provisional bool

	// FirstSeen is when the segment was first sighted; latency is measured
	// from here to the first synthesized frame.
	FirstSeen time.Time
}

// Config assembles a [Buffer].
type Config struct {
	// Translator renders source-language text into the target language.
	Translator translate.Translator

	// Source and Target are the speaker's and listener's languages.
	Source types.Language
	Target types.Language

	// Prefs are the listener's rendering preferences, applied verbatim on
	// every translation request.
	Prefs types.Preferences

	// In delivers the speaker's transcripts. Closing it drains the buffer:
	// open segments are promoted to final, in-flight work completes or
	// expires, and Run returns once everything is terminal.
	In <-chan types.Transcript

	// Out receives translated utterances in segment order. The buffer is
	// the only sender and closes it when Run returns. Sends never block:
	// when Out is full past a segment's deadline, the segment is dropped.
	Out chan<- Utterance

	// MaxDelay is the per-segment latency ceiling. Zero means 500ms.
	MaxDelay time.Duration

	// InterimTrigger is the minimum segment age before an interim may be
	// translated provisionally. Zero means 250ms.
	InterimTrigger time.Duration

	// UtteranceEnd is the silence window after which an unchanged interim
	// is promoted to final. Zero means 500ms.
	UtteranceEnd time.Duration

	// MinConfidence gates provisional translation of interim hypotheses.
	// Zero means 0.7. Finals are always translated.
	MinConfidence float64

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default. Pipeline-scoped attributes should
	// already be attached.
	Logger *slog.Logger
}

// completion carries one translation outcome back into the worker loop.
type completion struct {
	id      uint64
	attempt uint64
	result  *translate.Result
	err     error
}

// dropKind classifies why a segment was discarded.
type dropKind int

const (
	dropMissed dropKind = iota
	dropQueueFull
	dropFailed
)

func (k dropKind) String() string {
	switch k {
	case dropMissed:
		return "deadline_missed"
	case dropQueueFull:
		return "queue_full"
	case dropFailed:
		return "translation_failed"
	default:
		return "unknown"
	}
}

// Buffer is the per-pipeline segment manager. Create with [New], drive with
// [Buffer.Run].
type Buffer struct {
	translator translate.Translator
	source     types.Language
	target     types.Language
	prefs      types.Preferences

	in  <-chan types.Transcript
	out chan<- Utterance

	maxDelay       time.Duration
	interimTrigger time.Duration
	utteranceEnd   time.Duration
	minConfidence  float64

	metrics *observe.Metrics
	log     *slog.Logger
	stats   *tracker
	retry   resilience.RetryConfig

	// Worker-goroutine state. Only Run and its callees touch these.
	runCtx      context.Context
	segments    map[uint64]*segment
	order       []uint64
	completions chan completion
	failure     error
}

// New validates cfg and returns a ready [Buffer].
func New(cfg Config) (*Buffer, error) {
	if cfg.Translator == nil {
		return nil, errors.New("buffer: Translator is required")
	}
	if cfg.In == nil || cfg.Out == nil {
		return nil, errors.New("buffer: In and Out channels are required")
	}
	if cfg.Source == cfg.Target {
		return nil, fmt.Errorf("buffer: source and target language are both %q", cfg.Source)
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.InterimTrigger <= 0 {
		cfg.InterimTrigger = DefaultInterimTrigger
	}
	if cfg.UtteranceEnd <= 0 {
		cfg.UtteranceEnd = DefaultUtteranceEnd
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Buffer{
		translator:     cfg.Translator,
		source:         cfg.Source,
		target:         cfg.Target,
		prefs:          cfg.Prefs,
		in:             cfg.In,
		out:            cfg.Out,
		maxDelay:       cfg.MaxDelay,
		interimTrigger: cfg.InterimTrigger,
		utteranceEnd:   cfg.UtteranceEnd,
		minConfidence:  cfg.MinConfidence,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		stats:          newTracker(),
		segments:       make(map[uint64]*segment),
		completions:    make(chan completion, 32),
	}, nil
}

// Run processes transcripts until the input channel closes and every
// segment reaches a terminal state, the context is cancelled, or the
// translator reports a permanent failure. The output channel is closed on
// the way out in every case.
//
// Returns nil after a clean drain, ctx.Err() on cancellation, and the
// wrapped provider error when translation failed permanently.
func (b *Buffer) Run(ctx context.Context) error {
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	b.runCtx = runCtx
	defer close(b.out)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	in := b.in
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-in:
			if !ok {
				in = nil
				b.beginDrain()
				break
			}
			b.handleTranscript(tr)
		case c := <-b.completions:
			b.handleCompletion(c)
		case now := <-ticker.C:
			b.tick(now)
		}

		b.advance()

		if b.failure != nil {
			return b.failure
		}
		if in == nil && b.stats.pendingCount() == 0 {
			return nil
		}
	}
}

// handleTranscript folds one recognizer result into the segment map.
func (b *Buffer) handleTranscript(tr types.Transcript) {
	now := time.Now()
	text := strings.TrimSpace(tr.Text)

	seg, ok := b.segments[tr.SegmentID]
	if ok && seg.terminal() {
		if tr.IsFinal && seg.status == statusSpoken && text != "" && text != seg.submitted {
			// The provisional translation already reached the listener.
			// Swapping words mid-utterance is worse than a small
			// inaccuracy, so the late final loses.
			b.metrics.RecordSegmentDrop(context.Background(), observe.DropSuperseded)
			b.log.Debug("final superseded by spoken provisional",
				"segment", tr.SegmentID, "final_text", text)
		}
		return
	}
	if !ok {
		if text == "" {
			return // bare utterance-end for a segment we never saw
		}
		seg = &segment{
			id:         tr.SegmentID,
			firstSeen:  now,
			deadline:   now.Add(b.maxDelay),
			lastChange: now,
		}
		b.segments[tr.SegmentID] = seg
		b.order = append(b.order, tr.SegmentID)
		b.stats.segmentOpened()
	}

	if text != "" && text != seg.text {
		seg.text = text
		seg.lastChange = now
	}
	if tr.Confidence > 0 {
		seg.confidence = tr.Confidence
	}

	if tr.IsFinal || tr.UtteranceEnd {
		b.finalize(seg)
		return
	}
	b.maybeSubmitProvisional(seg, now)
}

// finalize accepts the segment's current text as authoritative and makes
// sure a translation of exactly that text is under way or already done.
func (b *Buffer) finalize(seg *segment) {
	seg.final = true
	switch seg.status {
	case statusOpen:
		b.submit(seg, false)
	case statusTranslating:
		if seg.submitted == seg.text {
			// The provisional submission already carries the final text;
			// promote it rather than burn latency on a duplicate request.
			seg.provisional = false
			return
		}
		b.submit(seg, false)
	}
}

// maybeSubmitProvisional starts an interim-derived translation when the
// segment is old enough, confident enough, and the text has drifted
// materially since the last submission.
func (b *Buffer) maybeSubmitProvisional(seg *segment, now time.Time) {
	if seg.final || seg.terminal() {
		return
	}
	if now.Sub(seg.firstSeen) < b.interimTrigger {
		return
	}
	if seg.confidence < b.minConfidence {
		return
	}
	if !differsMaterially(seg.submitted, seg.text) {
		return
	}
	b.submit(seg, true)
}

// submit starts a translation of the segment's current text, superseding
// any in-flight or held result. The outcome arrives on b.completions.
func (b *Buffer) submit(seg *segment, provisional bool) {
	seg.cancelInflight()
	seg.translated = ""

	tctx, cancel := context.WithDeadline(b.runCtx, seg.deadline)
	seg.cancel = cancel
	seg.status = statusTranslating
	seg.provisional = provisional
	seg.submitted = seg.text
	seg.attempt++

	id, attempt := seg.id, seg.attempt
	req := translate.Request{
		Text:   seg.text,
		Source: b.source,
		Target: b.target,
		Prefs:  b.prefs,
	}
	go func() {
		defer cancel()
		start := time.Now()
		res, err := resilience.RetryWithResult(tctx, b.retry,
			func(ctx context.Context) (*translate.Result, error) {
				return b.translator.Translate(ctx, req)
			})
		if err == nil {
			b.metrics.TranslateDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		select {
		case b.completions <- completion{id: id, attempt: attempt, result: res, err: err}:
		case <-b.runCtx.Done():
		}
	}()
}

// handleCompletion folds one translation outcome back into its segment.
func (b *Buffer) handleCompletion(c completion) {
	seg, ok := b.segments[c.id]
	if !ok || seg.terminal() || c.attempt != seg.attempt {
		return // superseded or already resolved
	}
	seg.cancel = nil
	now := time.Now()

	if c.err != nil {
		switch {
		case errors.Is(c.err, context.Canceled):
			// Cancelled by a newer submission or teardown; nothing to do.
		case errors.Is(c.err, context.DeadlineExceeded):
			b.drop(seg, dropMissed, now)
		case provider.Permanent(c.err):
			b.stats.translationFailed()
			b.failure = fmt.Errorf("buffer: translate segment %d: %w", c.id, c.err)
		default:
			// Transient budget exhausted: lose the segment, keep the
			// pipeline.
			b.stats.translationFailed()
			b.log.Warn("translation failed, segment dropped",
				"segment", c.id, "error", c.err)
			b.drop(seg, dropFailed, now)
		}
		return
	}

	b.stats.translationCompleted()
	b.metrics.RecordTranslation(context.Background(), b.source.String(), b.target.String())

	if now.After(seg.deadline) {
		b.drop(seg, dropMissed, now)
		return
	}
	seg.translated = c.result.Text
	seg.translatedAt = now
}

// tick enforces deadlines, promotes silent interims, re-checks interim
// triggers, and sweeps tombstones.
func (b *Buffer) tick(now time.Time) {
	for _, id := range b.order {
		seg, ok := b.segments[id]
		if !ok || seg.terminal() {
			continue
		}
		if now.After(seg.deadline) && seg.translated == "" {
			b.drop(seg, dropMissed, now)
			continue
		}
		if seg.final {
			continue
		}
		if seg.text != "" && now.Sub(seg.lastChange) >= b.utteranceEnd {
			// Silence gap: the hypothesis has settled without an explicit
			// utterance-end from the recognizer.
			b.finalize(seg)
			continue
		}
		b.maybeSubmitProvisional(seg, now)
	}
	b.sweepTombstones(now)
}

// advance emits translated segments from the head of the order queue. A
// segment that is not ready blocks everything behind it; that is the
// ordering contract.
func (b *Buffer) advance() {
	now := time.Now()
	for len(b.order) > 0 {
		seg, ok := b.segments[b.order[0]]
		if !ok || seg.terminal() {
			b.order = b.order[1:]
			continue
		}
		if seg.translated == "" {
			return
		}
		if !seg.final && now.Before(seg.deadline) {
			return // held: a final may still arrive within budget
		}

		u := Utterance{
			SegmentID:   seg.id,
			Text:        seg.translated,
			SourceText:  seg.submitted,
			Provisional: seg.provisional,
			FirstSeen:   seg.firstSeen,
		}
		select {
		case b.out <- u:
			seg.status = statusSpoken
			seg.terminalAt = now
			b.stats.segmentTerminal(false, false)
			b.order = b.order[1:]
			b.log.Debug("segment emitted",
				"segment", seg.id, "provisional", seg.provisional,
				"age", now.Sub(seg.firstSeen))
		default:
			if now.After(seg.deadline) {
				b.drop(seg, dropQueueFull, now)
				continue
			}
			return // synthesis queue full; retry next tick
		}
	}
}

// drop marks seg terminal without playback. The ordering slot stays
// consumed: advance pops it in its natural place.
func (b *Buffer) drop(seg *segment, kind dropKind, now time.Time) {
	seg.cancelInflight()
	seg.status = statusDropped
	seg.terminalAt = now

	ctx := context.Background()
	switch kind {
	case dropMissed:
		b.stats.segmentTerminal(true, true)
		b.metrics.RecordSegmentDrop(ctx, observe.DropDeadline)
		b.metrics.SegmentsMissed.Add(ctx, 1)
	case dropQueueFull:
		b.stats.segmentTerminal(true, false)
		b.metrics.RecordSegmentDrop(ctx, observe.DropQueueFull)
	case dropFailed:
		b.stats.segmentTerminal(true, false)
		b.metrics.RecordSegmentDrop(ctx, observe.DropFailed)
	}
	b.log.Debug("segment dropped",
		"segment", seg.id, "kind", kind, "age", now.Sub(seg.firstSeen))
}

// beginDrain promotes every unfinalized segment so in-flight speech is
// flushed rather than abandoned when the input stream ends.
func (b *Buffer) beginDrain() {
	for _, id := range b.order {
		seg, ok := b.segments[id]
		if !ok || seg.terminal() || seg.final {
			continue
		}
		b.finalize(seg)
	}
}

// sweepTombstones forgets terminal segments old enough that no late
// transcript can still reference them.
func (b *Buffer) sweepTombstones(now time.Time) {
	for id, seg := range b.segments {
		if seg.terminal() && now.Sub(seg.terminalAt) > tombstoneTTL {
			delete(b.segments, id)
		}
	}
}
