// Package coordinator runs the per-room state machine that owns the
// participant registry, the pipeline set, and the routing topology.
//
// # Event loop
//
// One goroutine ([Coordinator.Run]) owns all state. It consumes room
// lifecycle events, pipeline notifications, stats requests, and a periodic
// tick, and reacts to every one of them the same way: by reconciling.
//
// # Reconciliation
//
// Reconcile derives everything from observable truth, so a missed or
// dropped event is repaired by the next pass:
//
//  1. Sync the registry against the room's participant snapshot, resolving
//     profiles through the cache and applying metadata overrides.
//  2. Scavenge pipelines that reached a terminal state.
//  3. Tear down pipelines no longer justified by the registry.
//  4. Spawn the pipelines the registry demands: one per ordered
//     (listener, speaker) pair with differing languages.
//  5. Release microphone feeds no pipeline uses.
//  6. Hand the router a fresh topology view.
//
// A pipeline that failed with a permanent provider error is not recreated
// until one of its participants changes their settings or leaves; a
// transiently failed pair waits one reconcile interval before the next
// attempt.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/polyglossa/internal/catalog"
	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/router"
	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/transport"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Defaults for [Config].
const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultEmptyTimeout      = 5 * time.Minute
)

// Sentinel results of [Coordinator.Run].
var (
	// ErrRoomEmpty is returned when the room stayed without remote
	// participants past the empty timeout. The job ends; the process does
	// not.
	ErrRoomEmpty = errors.New("coordinator: room empty past timeout")

	// ErrStopped is returned by Stats once the event loop has exited.
	ErrStopped = errors.New("coordinator: stopped")
)

// ProfileSource supplies profile snapshots, normally the profile cache.
type ProfileSource interface {
	Get(ctx context.Context, identity string) (types.UserProfile, error)
}

// Providers bundles the adapter lane shared by every pipeline in the room.
// TTS adapters are keyed by provider name because each listener's voice
// selects its own vendor.
type Providers struct {
	STT        stt.Provider
	Translator translate.Translator
	TTS        map[string]tts.Provider
}

// Config assembles a [Coordinator].
type Config struct {
	// Room is the joined voice room. The coordinator owns its event stream
	// and all microphone subscriptions.
	Room transport.Room

	// Profiles resolves participant identities to profile snapshots.
	Profiles ProfileSource

	// Voices resolves avatar references from participant metadata. Nil
	// skips avatar overrides.
	Voices store.Voices

	// Providers is the adapter lane for pipelines.
	Providers Providers

	// DefaultVoice replaces an avatar whose language does not match the
	// participant's, typically catalog.DefaultVoice. Nil keeps the
	// mismatched avatar.
	DefaultVoice func(types.Language) types.VoiceAvatar

	// RoomType tags logs and the stats snapshot.
	RoomType types.RoomType

	// Tuning is applied to every pipeline built for this room.
	Tuning pipeline.Tuning

	// ReconcileInterval is the periodic sweep cadence. Default 5s.
	ReconcileInterval time.Duration

	// EmptyTimeout ends the room job after this long without remote
	// participants. Default 5m; negative disables.
	EmptyTimeout time.Duration

	// Metrics defaults to observe.DefaultMetrics. Diag defaults to a no-op
	// sink. Logger defaults to slog.Default.
	Metrics *observe.Metrics
	Diag    diag.Sink
	Logger  *slog.Logger
}

// participant is one registry entry: the raw metadata it was derived from
// and the resolved profile snapshot pipelines capture.
type participant struct {
	rawMeta string
	meta    types.ParticipantMeta
	profile types.UserProfile
}

// micFeed is the single reader on one speaker's microphone track plus the
// fanout their pipelines tap.
type micFeed struct {
	src transport.AudioSource
	fan *audio.Fanout
}

func (m *micFeed) dead() bool {
	select {
	case <-m.fan.Done():
		return true
	default:
		return false
	}
}

// retry holds a pair out of reconciliation until the cooldown lapses. The
// reason is the failure that sent it cooling; stats report it so operators
// can tell a retrying lane from a sticky-failed one.
type retry struct {
	until  time.Time
	reason string
}

type eventKind int

const (
	evPipeline eventKind = iota
	evStats
)

type event struct {
	kind  eventKind
	note  pipeline.Notification
	reply chan<- RoomStats
}

// Coordinator is the per-room authority over participants, pipelines, and
// routing. Create with [New], drive with [Coordinator.Run].
type Coordinator struct {
	room         transport.Room
	profiles     ProfileSource
	voices       store.Voices
	providers    Providers
	defaultVoice func(types.Language) types.VoiceAvatar
	roomType     types.RoomType
	tuning       pipeline.Tuning
	interval     time.Duration
	emptyAfter   time.Duration
	metrics      *observe.Metrics
	diags        diag.Sink
	log          *slog.Logger

	routes *router.Router
	events chan event
	done   chan struct{}

	// Everything below is owned by the Run goroutine.
	runCtx     context.Context
	registry   map[string]*participant
	pipes      map[pipeline.Key]*pipeline.Pipeline
	mics       map[string]*micFeed
	failed     map[pipeline.Key]string
	cooldown   map[pipeline.Key]retry
	emptySince time.Time
}

// New validates cfg and builds a coordinator. No transport calls happen
// until [Coordinator.Run].
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Room == nil:
		return nil, errors.New("coordinator: Room is required")
	case cfg.Profiles == nil:
		return nil, errors.New("coordinator: Profiles is required")
	case cfg.Providers.STT == nil || cfg.Providers.Translator == nil:
		return nil, errors.New("coordinator: STT and Translator providers are required")
	case len(cfg.Providers.TTS) == 0:
		return nil, errors.New("coordinator: at least one TTS provider is required")
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.EmptyTimeout == 0 {
		cfg.EmptyTimeout = DefaultEmptyTimeout
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
	log := cfg.Logger.With(slog.String("room", cfg.Room.Name()))

	return &Coordinator{
		room:         cfg.Room,
		profiles:     cfg.Profiles,
		voices:       cfg.Voices,
		providers:    cfg.Providers,
		defaultVoice: cfg.DefaultVoice,
		roomType:     cfg.RoomType,
		tuning:       cfg.Tuning,
		interval:     cfg.ReconcileInterval,
		emptyAfter:   cfg.EmptyTimeout,
		metrics:      cfg.Metrics,
		diags:        cfg.Diag,
		log:          log,
		routes:       router.New(cfg.Room, cfg.Logger),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		registry:     make(map[string]*participant),
		pipes:        make(map[pipeline.Key]*pipeline.Pipeline),
		mics:         make(map[string]*micFeed),
		failed:       make(map[pipeline.Key]string),
		cooldown:     make(map[pipeline.Key]retry),
	}, nil
}

// Run executes the event loop until ctx is cancelled, the room closes, or
// the empty-room timeout fires. It returns ctx.Err(), [transport.ErrClosed]
// (wrapped), or [ErrRoomEmpty] respectively. All pipelines and microphone
// feeds are released before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx

	c.log.Info("coordinator started",
		slog.String("agent", c.room.LocalIdentity()),
		slog.String("room_type", string(c.roomType)))
	c.metrics.ActiveRooms.Add(ctx, 1)
	defer c.metrics.ActiveRooms.Add(context.Background(), -1)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Participants present before the agent joined produce no events.
	c.reconcile(ctx)

	roomEvents := c.room.Events()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop

		case ev, ok := <-roomEvents:
			if !ok {
				runErr = fmt.Errorf("coordinator: %w", transport.ErrClosed)
				break loop
			}
			c.log.Debug("room event",
				slog.String("kind", ev.Kind.String()),
				slog.String("identity", ev.Identity))
			c.reconcile(ctx)

		case ev := <-c.events:
			switch ev.kind {
			case evPipeline:
				c.log.Debug("pipeline notification",
					slog.String("pipeline", ev.note.Key.String()),
					slog.String("state", ev.note.State.String()))
				c.reconcile(ctx)
			case evStats:
				ev.reply <- c.snapshot()
			}

		case <-ticker.C:
			c.reconcile(ctx)
			if c.emptyExpired() {
				runErr = ErrRoomEmpty
				break loop
			}
		}
	}

	c.shutdown()
	return runErr
}

// Stats returns a point-in-time aggregate of the room: registry, pipeline
// snapshots, failed pairs, and active routes. It round-trips through the
// event loop so the view is consistent.
func (c *Coordinator) Stats(ctx context.Context) (RoomStats, error) {
	reply := make(chan RoomStats, 1)
	select {
	case c.events <- event{kind: evStats, reply: reply}:
	case <-c.done:
		return RoomStats{}, ErrStopped
	case <-ctx.Done():
		return RoomStats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return RoomStats{}, ErrStopped
	case <-ctx.Done():
		return RoomStats{}, ctx.Err()
	}
}

// Done is closed once the event loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ─── Reconciliation ───────────────────────────────────────────────────────

func (c *Coordinator) reconcile(ctx context.Context) {
	c.syncRegistry(ctx)
	c.scavenge()
	c.teardownUndesired()
	c.spawnMissing(ctx)
	c.releaseMics()
	if err := c.routes.Reconcile(ctx, c.view()); err != nil {
		c.log.Warn("routing reconcile incomplete", slog.String("error", err.Error()))
	}
}

// syncRegistry diffs the room's participant snapshot against the registry.
// New participants are resolved and registered; metadata drift re-resolves
// and, when translation-relevant settings changed, tears down that
// participant's pipelines; departed participants lose everything.
func (c *Coordinator) syncRegistry(ctx context.Context) {
	remotes := c.room.Participants()
	seen := make(map[string]bool, len(remotes))

	for _, pi := range remotes {
		seen[pi.Identity] = true
		cur, known := c.registry[pi.Identity]
		if known && cur.rawMeta == pi.Metadata {
			continue
		}
		entry, err := c.resolve(ctx, pi)
		if err != nil {
			// Keep any existing entry; the next pass retries.
			c.log.Warn("participant profile unresolved",
				slog.String("identity", pi.Identity), slog.String("error", err.Error()))
			continue
		}
		switch {
		case !known:
			c.log.Info("participant registered",
				slog.String("identity", pi.Identity),
				slog.String("language", entry.profile.NativeLanguage.String()),
				slog.String("voice", entry.profile.Avatar.VoiceID))
			c.registry[pi.Identity] = entry
			c.metrics.ActiveParticipants.Add(ctx, 1)

		case settingsEqual(cur.profile, entry.profile):
			// Metadata changed in ways translation does not care about.
			c.registry[pi.Identity] = entry

		default:
			c.log.Info("participant settings changed",
				slog.String("identity", pi.Identity),
				slog.String("language", entry.profile.NativeLanguage.String()),
				slog.String("voice", entry.profile.Avatar.VoiceID))
			c.registry[pi.Identity] = entry
			c.teardownInvolving(pi.Identity, "settings changed")
			c.clearFailures(pi.Identity)
		}
	}

	for id := range c.registry {
		if seen[id] {
			continue
		}
		c.log.Info("participant departed", slog.String("identity", id))
		delete(c.registry, id)
		c.teardownInvolving(id, "participant left")
		c.clearFailures(id)
		c.routes.Forget(id)
		c.metrics.ActiveParticipants.Add(ctx, -1)
	}

	if len(c.registry) == 0 {
		if c.emptySince.IsZero() {
			c.emptySince = time.Now()
		}
	} else {
		c.emptySince = time.Time{}
	}
}

// resolve builds a registry entry for one remote participant: profile from
// the cache with the metadata's language and avatar applied over it.
func (c *Coordinator) resolve(ctx context.Context, pi transport.ParticipantInfo) (*participant, error) {
	meta, err := types.ParseParticipantMeta(pi.Metadata)
	if err != nil {
		c.log.Warn("unparseable participant metadata; using stored profile",
			slog.String("identity", pi.Identity), slog.String("error", err.Error()))
		meta = types.ParticipantMeta{}
	}

	prof, err := c.profiles.Get(ctx, pi.Identity)
	if err != nil {
		return nil, err
	}

	if meta.Language != "" {
		if meta.Language.Valid() {
			prof.NativeLanguage = meta.Language
		} else {
			c.log.Warn("unsupported language tag in metadata",
				slog.String("identity", pi.Identity),
				slog.String("language", meta.Language.String()))
		}
	}
	if meta.Avatar != "" {
		c.applyAvatar(ctx, &prof, meta.Avatar)
	}
	if prof.Avatar.Language != prof.NativeLanguage && c.defaultVoice != nil {
		prof.Avatar = c.defaultVoice(prof.NativeLanguage)
	}
	if meta.UseRealtime {
		c.log.Debug("use_realtime requested; cascade is the only engine",
			slog.String("identity", pi.Identity))
	}

	return &participant{rawMeta: pi.Metadata, meta: meta, profile: prof}, nil
}

// applyAvatar overrides the profile's voice from a metadata reference,
// which may be a voice id or a display name.
func (c *Coordinator) applyAvatar(ctx context.Context, prof *types.UserProfile, ref string) {
	if c.voices == nil {
		return
	}
	v, err := c.voices.GetVoice(ctx, ref)
	if err == nil {
		prof.Avatar = v
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.log.Warn("voice lookup failed",
			slog.String("avatar", ref), slog.String("error", err.Error()))
		return
	}
	list, err := c.voices.ListVoices(ctx, prof.NativeLanguage)
	if err != nil {
		c.log.Warn("voice list failed",
			slog.String("avatar", ref), slog.String("error", err.Error()))
		return
	}
	if v, ok := catalog.Match(list, ref); ok {
		prof.Avatar = v
		return
	}
	c.log.Warn("unknown avatar reference; keeping profile voice",
		slog.String("identity", prof.Identity), slog.String("avatar", ref))
}

// settingsEqual reports whether two snapshots agree on everything a
// pipeline captures.
func settingsEqual(a, b types.UserProfile) bool {
	return a.NativeLanguage == b.NativeLanguage &&
		a.Avatar.VoiceID == b.Avatar.VoiceID &&
		a.Avatar.Provider == b.Avatar.Provider &&
		a.Preferences == b.Preferences
}

// scavenge removes pipelines that reached a terminal state on their own. A
// permanent provider error makes the pair sticky-failed; anything else
// waits one interval and is then eligible to respawn.
func (c *Coordinator) scavenge() {
	for key, p := range c.pipes {
		switch p.State() {
		case pipeline.StateFailed:
			delete(c.pipes, key)
			err := p.Err()
			if err != nil && provider.Permanent(err) {
				c.failed[key] = err.Error()
				c.log.Warn("pipeline failed permanently; waiting for a settings change",
					slog.String("pipeline", key.String()), slog.String("error", err.Error()))
			} else {
				c.cooldown[key] = retry{until: time.Now().Add(c.interval), reason: errString(err)}
				c.log.Warn("pipeline failed; recreating on the next pass",
					slog.String("pipeline", key.String()), slog.String("error", errString(err)))
			}
		case pipeline.StateTerminated:
			delete(c.pipes, key)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// desired returns the pipeline keys the registry demands: every ordered
// pair of registered participants with differing languages.
func (c *Coordinator) desired() map[pipeline.Key]bool {
	want := make(map[pipeline.Key]bool)
	for listener, l := range c.registry {
		for speaker, s := range c.registry {
			if listener == speaker {
				continue
			}
			if l.profile.NativeLanguage == s.profile.NativeLanguage {
				continue
			}
			want[pipeline.Key{Listener: listener, Speaker: speaker}] = true
		}
	}
	return want
}

// teardownUndesired terminates pipelines whose pair is no longer demanded
// by the registry.
func (c *Coordinator) teardownUndesired() {
	want := c.desired()
	for key, p := range c.pipes {
		if !want[key] {
			c.remove(key, p, "pair no longer required")
		}
	}
}

// teardownInvolving terminates every pipeline where identity is listener or
// speaker.
func (c *Coordinator) teardownInvolving(identity, reason string) {
	for key, p := range c.pipes {
		if key.Listener == identity || key.Speaker == identity {
			c.remove(key, p, reason)
		}
	}
}

// remove drops the pipeline from the set and terminates it off-loop.
// Termination closes the published track, so a listener can never receive
// stale audio from a replaced pipeline.
func (c *Coordinator) remove(key pipeline.Key, p *pipeline.Pipeline, reason string) {
	delete(c.pipes, key)
	c.log.Info("pipeline teardown",
		slog.String("pipeline", key.String()), slog.String("reason", reason))
	go p.Terminate()
}

// clearFailures forgets sticky failures and cooldowns involving identity.
func (c *Coordinator) clearFailures(identity string) {
	for key := range c.failed {
		if key.Listener == identity || key.Speaker == identity {
			delete(c.failed, key)
		}
	}
	for key := range c.cooldown {
		if key.Listener == identity || key.Speaker == identity {
			delete(c.cooldown, key)
		}
	}
}

// spawnMissing builds and starts every demanded pipeline that is absent,
// not sticky-failed, and not cooling down.
func (c *Coordinator) spawnMissing(ctx context.Context) {
	now := time.Now()
	keys := make([]pipeline.Key, 0)
	for key := range c.desired() {
		if _, exists := c.pipes[key]; exists {
			continue
		}
		if _, sticky := c.failed[key]; sticky {
			continue
		}
		if r, cooling := c.cooldown[key]; cooling {
			if now.Before(r.until) {
				continue
			}
			delete(c.cooldown, key)
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		c.spawn(ctx, key)
	}
}

func (c *Coordinator) spawn(ctx context.Context, key pipeline.Key) {
	listener := c.registry[key.Listener].profile
	speaker := c.registry[key.Speaker].profile

	ttsP, ok := c.providers.TTS[listener.Avatar.Provider]
	if !ok {
		c.failPair(ctx, key, fmt.Sprintf("no %q TTS adapter for voice %q",
			listener.Avatar.Provider, listener.Avatar.VoiceID))
		return
	}

	feed, err := c.ensureMic(ctx, key.Speaker)
	if err != nil {
		if errors.Is(err, transport.ErrTrackNotFound) {
			c.log.Debug("speaker has no microphone track yet",
				slog.String("speaker", key.Speaker))
		} else {
			c.log.Warn("microphone open failed",
				slog.String("speaker", key.Speaker), slog.String("error", err.Error()))
		}
		return // the next pass retries
	}

	tap := feed.fan.Tap()
	p, err := pipeline.New(pipeline.Config{
		Room:       c.room,
		Source:     tap,
		STT:        c.providers.STT,
		Translator: c.providers.Translator,
		TTS:        ttsP,
		Listener:   listener,
		Speaker:    speaker,
		Tuning:     c.tuning,
		Notify:     c.notifyPipeline,
		Metrics:    c.metrics,
		Diag:       c.diags,
		Logger:     c.log,
	})
	if err != nil {
		tap.Close()
		c.failPair(ctx, key, err.Error())
		return
	}

	c.pipes[key] = p
	c.log.Info("pipeline spawned",
		slog.String("pipeline", key.String()),
		slog.String("source", speaker.NativeLanguage.String()),
		slog.String("target", listener.NativeLanguage.String()),
		slog.String("voice", listener.Avatar.VoiceID))

	go func() {
		if err := p.Start(c.runCtx); err != nil {
			// Start already left the pipeline failed and released its
			// resources; the notification routes it into the loop for
			// classification.
			c.notifyPipeline(pipeline.Notification{
				Key: key, State: pipeline.StateFailed, Err: err,
			})
		}
	}()
}

// failPair records a pair that cannot be built at all as sticky-failed and
// emits the diagnostic a failed pipeline would have produced.
func (c *Coordinator) failPair(ctx context.Context, key pipeline.Key, reason string) {
	c.failed[key] = reason
	c.log.Error("pipeline unbuildable",
		slog.String("pipeline", key.String()), slog.String("reason", reason))
	rec := diag.New(diag.KindPipelineFailed, c.room.Name(), key.Listener, key.Speaker, reason)
	if err := c.diags.Emit(ctx, rec); err != nil {
		c.log.Warn("diagnostic emit failed", slog.String("error", err.Error()))
	}
}

// notifyPipeline enqueues a pipeline state change into the loop. It never
// blocks: a dropped notification only delays the reaction until the next
// sweep.
func (c *Coordinator) notifyPipeline(n pipeline.Notification) {
	select {
	case c.events <- event{kind: evPipeline, note: n}:
	default:
		c.log.Warn("event queue full, dropping pipeline notification",
			slog.String("pipeline", n.Key.String()),
			slog.String("state", n.State.String()))
	}
}

// ─── Microphones ──────────────────────────────────────────────────────────

// ensureMic returns the live feed for speaker, opening or rebuilding it as
// needed. A feed whose source ended (track unpublished, transport hiccup)
// is replaced.
func (c *Coordinator) ensureMic(ctx context.Context, speaker string) (*micFeed, error) {
	if feed, ok := c.mics[speaker]; ok {
		if !feed.dead() {
			return feed, nil
		}
		_ = feed.src.Close()
		delete(c.mics, speaker)
		c.log.Info("microphone feed ended, reopening", slog.String("speaker", speaker))
	}
	src, err := c.room.OpenMicrophone(ctx, speaker)
	if err != nil {
		return nil, err
	}
	feed := &micFeed{src: src, fan: audio.NewFanout(src.Frames())}
	c.mics[speaker] = feed
	c.log.Info("microphone opened", slog.String("speaker", speaker))
	return feed, nil
}

// releaseMics closes feeds no pipeline reads anymore.
func (c *Coordinator) releaseMics() {
	inUse := make(map[string]bool, len(c.pipes))
	for key := range c.pipes {
		inUse[key.Speaker] = true
	}
	for speaker, feed := range c.mics {
		if inUse[speaker] {
			continue
		}
		feed.fan.Close()
		_ = feed.src.Close()
		delete(c.mics, speaker)
		c.log.Info("microphone released", slog.String("speaker", speaker))
	}
}

// ─── Topology view ────────────────────────────────────────────────────────

// view assembles the router's input: registry languages, the room's
// microphone tracks, and the translated tracks of live pipelines.
func (c *Coordinator) view() router.RoomView {
	v := router.RoomView{
		Agent:     c.room.LocalIdentity(),
		Languages: make(map[string]types.Language, len(c.registry)),
	}
	for id, entry := range c.registry {
		v.Languages[id] = entry.profile.NativeLanguage
	}
	for _, pi := range c.room.Participants() {
		for _, tr := range pi.Tracks {
			if tr.Microphone {
				v.Tracks = append(v.Tracks, tr)
			}
		}
	}
	for _, p := range c.pipes {
		state := p.State()
		if state != pipeline.StateRunning && state != pipeline.StateDraining {
			continue
		}
		sid := p.TrackSID()
		if sid == "" {
			continue
		}
		v.Tracks = append(v.Tracks, transport.TrackInfo{
			SID:                 sid,
			Name:                p.TrackName(),
			ParticipantIdentity: v.Agent,
		})
	}
	return v
}

// ─── Emptiness and shutdown ───────────────────────────────────────────────

func (c *Coordinator) emptyExpired() bool {
	if c.emptyAfter < 0 || c.emptySince.IsZero() {
		return false
	}
	if time.Since(c.emptySince) < c.emptyAfter {
		return false
	}
	c.log.Info("room empty past timeout, ending job",
		slog.Duration("timeout", c.emptyAfter))
	return true
}

// shutdown terminates every pipeline in parallel and releases all feeds.
func (c *Coordinator) shutdown() {
	c.log.Info("coordinator stopping", slog.Int("pipelines", len(c.pipes)))

	var g errgroup.Group
	for key, p := range c.pipes {
		delete(c.pipes, key)
		g.Go(func() error {
			p.Terminate()
			return nil
		})
	}
	_ = g.Wait()

	for speaker, feed := range c.mics {
		feed.fan.Close()
		_ = feed.src.Close()
		delete(c.mics, speaker)
	}

	if n := len(c.registry); n > 0 {
		c.metrics.ActiveParticipants.Add(context.Background(), int64(-n))
	}
	c.log.Info("coordinator stopped")
}
