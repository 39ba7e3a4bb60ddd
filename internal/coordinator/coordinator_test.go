package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	sttmock "github.com/MrWong99/polyglossa/pkg/provider/stt/mock"
	trmock "github.com/MrWong99/polyglossa/pkg/provider/translate/mock"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	ttsmock "github.com/MrWong99/polyglossa/pkg/provider/tts/mock"
	"github.com/MrWong99/polyglossa/pkg/transport"
	tpmock "github.com/MrWong99/polyglossa/pkg/transport/mock"
	"github.com/MrWong99/polyglossa/pkg/types"
)

const agentID = "translation-agent"

func testVoice(lang types.Language) types.VoiceAvatar {
	return types.VoiceAvatar{VoiceID: "voice-" + string(lang), Provider: "mock", Language: lang}
}

// member builds a remote participant whose metadata declares lang and avatar.
func member(t *testing.T, identity string, lang types.Language, avatar string) transport.ParticipantInfo {
	t.Helper()
	raw, err := types.ParticipantMeta{Language: lang, Avatar: avatar}.Encode()
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return transport.ParticipantInfo{Identity: identity, Metadata: raw}
}

// profileSource is a scriptable stand-in for the profile cache. Unknown
// identities resolve to an English default, like the cache itself.
type profileSource struct {
	mu       sync.Mutex
	profiles map[string]types.UserProfile
	err      error
}

func (s *profileSource) Get(_ context.Context, identity string) (types.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.UserProfile{}, s.err
	}
	if p, ok := s.profiles[identity]; ok {
		return p, nil
	}
	return types.UserProfile{
		Identity:       identity,
		NativeLanguage: types.LangEnglish,
		Avatar:         testVoice(types.LangEnglish),
	}, nil
}

func (s *profileSource) set(p types.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Identity] = p
}

// sessionFactory hands every stream a fresh session whose Close unblocks the
// reader, so pipelines spawned by the coordinator always tear down cleanly.
type sessionFactory struct {
	mu       sync.Mutex
	err      error
	sessions []*sttmock.Session
}

func (f *sessionFactory) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &sttmock.Session{ResultsCh: make(chan types.Transcript, 16), CloseClosesResults: true}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *sessionFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fedSessions counts sessions that received at least one audio chunk.
func (f *sessionFactory) fedSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.SendAudioCallCount() > 0 {
			n++
		}
	}
	return n
}

var _ stt.Provider = (*sessionFactory)(nil)

// coordHarness wires a coordinator to scriptable fakes on every edge.
type coordHarness struct {
	room  *tpmock.Room
	profs *profileSource
	stt   *sessionFactory
	trans *trmock.Translator
	ttsP  *ttsmock.Provider
	diags *diag.Recorder
	c     *Coordinator

	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *coordHarness {
	t.Helper()

	h := &coordHarness{
		room:  tpmock.NewRoom("room1", agentID),
		profs: &profileSource{profiles: make(map[string]types.UserProfile)},
		stt:   &sessionFactory{},
		trans: &trmock.Translator{},
		ttsP:  &ttsmock.Provider{Frames: []audio.Frame{{Data: []byte{1, 2}, SampleRate: audio.TransportSampleRate, Channels: 1}}},
		diags: &diag.Recorder{},
	}

	cfg := Config{
		Room:     h.room,
		Profiles: h.profs,
		Providers: Providers{
			STT:        h.stt,
			Translator: h.trans,
			TTS:        map[string]tts.Provider{"mock": h.ttsP},
		},
		DefaultVoice: testVoice,
		RoomType:     types.RoomGeneral,
		Tuning: pipeline.Tuning{
			MaxDelay:       100 * time.Millisecond,
			InterimTrigger: 20 * time.Millisecond,
			UtteranceEnd:   40 * time.Millisecond,
			DrainGrace:     100 * time.Millisecond,
		},
		ReconcileInterval: 20 * time.Millisecond,
		Diag:              h.diags,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.c = c
	return h
}

func (h *coordHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runErr = make(chan error, 1)
	go func() { h.runErr <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.c.Done():
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
}

// update replaces the room snapshot and emits one lifecycle event.
func (h *coordHarness) update(kind transport.EventKind, identity string, list ...transport.ParticipantInfo) {
	h.room.SetParticipants(list)
	h.room.Emit(transport.Event{Kind: kind, Identity: identity})
}

func (h *coordHarness) stats(t *testing.T) RoomStats {
	t.Helper()
	s, err := h.c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	return s
}

func (h *coordHarness) waitFor(t *testing.T, what string, cond func(RoomStats) bool) RoomStats {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.stats(t); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return RoomStats{}
}

func waitUntil(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runningLanes matches a stats view with exactly n pipelines, all running.
func runningLanes(n int) func(RoomStats) bool {
	return func(s RoomStats) bool {
		if len(s.Pipelines) != n {
			return false
		}
		for _, p := range s.Pipelines {
			if p.State != "running" {
				return false
			}
		}
		return true
	}
}

// lanes keys the pipeline snapshots by "speaker:listener".
func lanes(s RoomStats) map[string]pipeline.Snapshot {
	m := make(map[string]pipeline.Snapshot, len(s.Pipelines))
	for _, p := range s.Pipelines {
		m[p.Speaker+":"+p.Listener] = p
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	base := Config{
		Room:     tpmock.NewRoom("room1", agentID),
		Profiles: &profileSource{profiles: map[string]types.UserProfile{}},
		Providers: Providers{
			STT:        &sessionFactory{},
			Translator: &trmock.Translator{},
			TTS:        map[string]tts.Provider{"mock": &ttsmock.Provider{}},
		},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no room", func(c *Config) { c.Room = nil }},
		{"no profiles", func(c *Config) { c.Profiles = nil }},
		{"no stt", func(c *Config) { c.Providers.STT = nil }},
		{"no tts", func(c *Config) { c.Providers.TTS = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() = nil error, want validation failure")
			}
		})
	}
}

func TestTwoPartyBidirectionalPipelines(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "both lanes running", runningLanes(2))

	got := lanes(s)
	toMaria, ok := got["john:maria"]
	if !ok {
		t.Fatalf("lanes = %v, missing john→maria", got)
	}
	if toMaria.Source != "en" || toMaria.Target != "es" {
		t.Errorf("john→maria languages = %s/%s, want en/es", toMaria.Source, toMaria.Target)
	}
	if toMaria.TrackName != "translated:john:maria" || toMaria.TrackSID == "" {
		t.Errorf("john→maria track = %s (%s)", toMaria.TrackName, toMaria.TrackSID)
	}
	toJohn, ok := got["maria:john"]
	if !ok {
		t.Fatalf("lanes = %v, missing maria→john", got)
	}
	if toJohn.Source != "es" || toJohn.Target != "en" {
		t.Errorf("maria→john languages = %s/%s, want es/en", toJohn.Source, toJohn.Target)
	}

	// Each translated track is restricted to its listener.
	for _, call := range h.room.PublishTrackCalls {
		if len(call.Allowed) != 1 {
			t.Errorf("track %s allowed = %v, want a single listener", call.Name, call.Allowed)
		}
	}
	if w := h.room.WriterByName("translated:john:maria"); w == nil {
		t.Error("translated:john:maria never published")
	}

	// Both microphones were opened exactly once, in lane order.
	if calls := h.room.OpenMicrophoneCalls; len(calls) != 2 || calls[0] != "john" || calls[1] != "maria" {
		t.Errorf("OpenMicrophone calls = %v, want [john maria]", calls)
	}
}

func TestSameLanguageNeedsNoPipelines(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "alice", types.LangEnglish, ""),
		member(t, "bob", types.LangEnglish, ""),
	})
	h.start(t)

	h.waitFor(t, "both participants registered", func(s RoomStats) bool {
		return len(s.Participants) == 2
	})
	time.Sleep(100 * time.Millisecond) // several reconcile passes

	s := h.stats(t)
	if len(s.Pipelines) != 0 {
		t.Errorf("pipelines = %d, want none for a same-language pair", len(s.Pipelines))
	}
	if n := len(h.room.PublishTrackCalls); n != 0 {
		t.Errorf("PublishTrack calls = %d, want none", n)
	}
	if n := len(h.room.OpenMicrophoneCalls); n != 0 {
		t.Errorf("OpenMicrophone calls = %d, want none", n)
	}
}

func TestThreePartyConferenceTopology(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "amara", types.LangIgbo, ""),
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "all six lanes running", runningLanes(6))

	got := lanes(s)
	want := []string{
		"amara:john", "amara:maria",
		"john:amara", "john:maria",
		"maria:amara", "maria:john",
	}
	for _, key := range want {
		if _, ok := got[key]; !ok {
			t.Errorf("missing lane %s", key)
		}
	}
	if len(got) != len(want) {
		t.Errorf("lanes = %d, want %d", len(got), len(want))
	}
}

func TestStatsSnapshotAggregatesRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "routes established", func(s RoomStats) bool {
		return runningLanes(2)(s) && len(s.Routes) == 2
	})

	if s.Room != "room1" || s.Agent != agentID {
		t.Errorf("room/agent = %s/%s", s.Room, s.Agent)
	}
	if s.RoomType != "general" {
		t.Errorf("room type = %s", s.RoomType)
	}
	if len(s.Participants) != 2 || s.Participants[0].Identity != "john" || s.Participants[1].Identity != "maria" {
		t.Fatalf("participants = %+v, want john then maria", s.Participants)
	}
	if s.Participants[1].Language != "es" || s.Participants[1].Voice != "voice-es" {
		t.Errorf("maria = %+v, want es with the default Spanish voice", s.Participants[1])
	}
	if s.Routes[0] != "john_to_maria_translated" || s.Routes[1] != "maria_to_john_translated" {
		t.Errorf("routes = %v", s.Routes)
	}
	if len(s.FailedPairs) != 0 {
		t.Errorf("failed pairs = %+v, want none", s.FailedPairs)
	}
}

func TestLanguageChangeRebuildsLanes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "initial lanes", runningLanes(2))
	oldSID := lanes(s)["john:maria"].TrackSID

	h.update(transport.MetadataChanged, "maria",
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangFrench, ""),
	)

	s = h.waitFor(t, "lanes rebuilt for fr", func(s RoomStats) bool {
		if !runningLanes(2)(s) {
			return false
		}
		return lanes(s)["john:maria"].Target == "fr"
	})

	got := lanes(s)
	if got["maria:john"].Source != "fr" {
		t.Errorf("maria→john source = %s, want fr", got["maria:john"].Source)
	}
	if got["john:maria"].TrackSID == oldSID {
		t.Error("john→maria kept the old track, want a fresh pipeline")
	}

	// The replaced pipelines release their tracks; no listener can keep
	// hearing Spanish audio.
	waitUntil(t, 2*time.Second, "old tracks closed", func() bool {
		open := 0
		for _, w := range h.room.Writers() {
			if !w.Closed() {
				open++
			}
		}
		return open == 2
	})
}

func TestAvatarChangeUsesNewVoice(t *testing.T) {
	t.Parallel()

	voices := store.NewMemStore()
	for _, v := range []types.VoiceAvatar{
		{VoiceID: "celeste", Provider: "mock", Language: types.LangSpanish, DisplayName: "celeste"},
		{VoiceID: "nestor", Provider: "mock", Language: types.LangSpanish, DisplayName: "nestor"},
	} {
		if err := voices.UpsertVoice(context.Background(), v); err != nil {
			t.Fatalf("seed voice: %v", err)
		}
	}

	h := newHarness(t, func(c *Config) { c.Voices = voices })
	h.profs.set(types.UserProfile{
		Identity:       "john",
		NativeLanguage: types.LangEnglish,
		Avatar:         types.VoiceAvatar{VoiceID: "apollo", Provider: "mock", Language: types.LangEnglish},
	})
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, "celeste"),
	})
	h.start(t)

	s := h.waitFor(t, "initial lanes", runningLanes(2))
	if got := lanes(s)["john:maria"].Voice; got != "celeste" {
		t.Fatalf("maria's lane voice = %s, want celeste from metadata", got)
	}
	if got := lanes(s)["maria:john"].Voice; got != "apollo" {
		t.Fatalf("john's lane voice = %s, want apollo from his profile", got)
	}

	h.update(transport.MetadataChanged, "maria",
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, "nestor"),
	)
	s = h.waitFor(t, "voice change applied", func(s RoomStats) bool {
		return runningLanes(2)(s) && lanes(s)["john:maria"].Voice == "nestor"
	})

	// An avatar whose language does not match the participant falls back to
	// the default voice for their language.
	h.update(transport.MetadataChanged, "john",
		member(t, "john", types.LangEnglish, "celeste"),
		member(t, "maria", types.LangSpanish, "nestor"),
	)
	h.waitFor(t, "mismatched avatar replaced", func(s RoomStats) bool {
		return runningLanes(2)(s) && lanes(s)["maria:john"].Voice == "voice-en"
	})
}

func TestParticipantLeaveCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	h.waitFor(t, "initial lanes", runningLanes(2))

	h.update(transport.ParticipantLeft, "john",
		member(t, "maria", types.LangSpanish, ""),
	)

	s := h.waitFor(t, "lanes torn down", func(s RoomStats) bool {
		return len(s.Pipelines) == 0 && len(s.Participants) == 1
	})
	if s.Participants[0].Identity != "maria" {
		t.Errorf("registry = %+v, want only maria", s.Participants)
	}

	waitUntil(t, 2*time.Second, "all tracks closed", func() bool {
		for _, w := range h.room.Writers() {
			if !w.Closed() {
				return false
			}
		}
		return true
	})
	if src := h.room.Microphone("john"); src == nil || src.CloseCallCount == 0 {
		t.Error("john's microphone feed not released")
	}
}

func TestPermanentFailureHeldUntilSettingsChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stt.setErr(provider.ErrAuthFailure)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "both pairs held", func(s RoomStats) bool {
		return len(s.FailedPairs) == 2 && len(s.Pipelines) == 0
	})
	for _, f := range s.FailedPairs {
		if f.Reason == "" {
			t.Errorf("failed pair %s:%s has no reason", f.Speaker, f.Listener)
		}
	}

	// Held pairs are not retried by the periodic tick.
	attempts := len(h.room.PublishTrackCalls)
	time.Sleep(100 * time.Millisecond)
	if got := len(h.room.PublishTrackCalls); got != attempts {
		t.Errorf("publish attempts grew %d → %d while pairs were held", attempts, got)
	}

	// A settings change clears the hold and the lanes come back.
	h.stt.setErr(nil)
	h.update(transport.MetadataChanged, "maria",
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangFrench, ""),
	)
	s = h.waitFor(t, "lanes recovered", runningLanes(2))
	if len(s.FailedPairs) != 0 {
		t.Errorf("failed pairs = %+v after recovery", s.FailedPairs)
	}
}

func TestTransientFailureRecreatedAfterCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stt.setErr(provider.ErrProviderUnavailable)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	down := h.waitFor(t, "first attempts failed", func(s RoomStats) bool {
		return len(s.Pipelines) == 0 && len(s.Participants) == 2
	})
	if len(down.Retrying) != 2 {
		t.Errorf("retrying = %+v, want both lanes cooling down", down.Retrying)
	}

	h.stt.setErr(nil)

	// No settings change needed: the cooldown expires and the next tick
	// rebuilds both lanes.
	s := h.waitFor(t, "lanes recovered", runningLanes(2))
	if len(s.FailedPairs) != 0 {
		t.Errorf("failed pairs = %+v, transient errors must not stick", s.FailedPairs)
	}
	if len(s.Retrying) != 0 {
		t.Errorf("retrying = %+v, want none after recovery", s.Retrying)
	}
}

func TestUnbuildablePairReportedAndHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.profs.set(types.UserProfile{
		Identity:       "maria",
		NativeLanguage: types.LangSpanish,
		Avatar:         types.VoiceAvatar{VoiceID: "rachel", Provider: "elevenlabs", Language: types.LangSpanish},
	})
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	// maria's lane needs an elevenlabs adapter that is not configured; the
	// reverse lane is unaffected.
	s := h.waitFor(t, "one lane running, one held", func(s RoomStats) bool {
		return runningLanes(1)(s) && len(s.FailedPairs) == 1
	})
	if _, ok := lanes(s)["maria:john"]; !ok {
		t.Errorf("lanes = %v, want maria→john alive", lanes(s))
	}
	if f := s.FailedPairs[0]; f.Listener != "maria" || f.Speaker != "john" {
		t.Errorf("failed pair = %+v, want john→maria", f)
	}

	waitUntil(t, 2*time.Second, "diagnostic recorded", func() bool {
		return len(h.diags.Records()) > 0
	})
	rec := h.diags.Records()[0]
	if rec.Kind != diag.KindPipelineFailed || rec.Listener != "maria" {
		t.Errorf("diagnostic = %+v", rec)
	}
}

func TestTickHealsMissedEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.start(t)

	// Participants appear with no lifecycle event at all; the periodic
	// reconcile discovers them from the room snapshot.
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.waitFor(t, "lanes from the tick alone", runningLanes(2))

	// A silent departure is noticed the same way.
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "maria", types.LangSpanish, ""),
	})
	h.waitFor(t, "teardown from the tick alone", func(s RoomStats) bool {
		return len(s.Pipelines) == 0 && len(s.Participants) == 1
	})
}

func TestSpeakerAudioReachesRecognizer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	h.waitFor(t, "lanes running", runningLanes(2))

	src := h.room.Microphone("john")
	if src == nil {
		t.Fatal("john's microphone was never opened")
	}
	src.Push(audio.Frame{Data: []byte{7, 7}, SampleRate: audio.TransportSampleRate, Channels: 1})

	// Only the lane reading john's feed sees the frame.
	waitUntil(t, 2*time.Second, "audio at the recognizer", func() bool {
		return h.stt.fedSessions() == 1
	})
}

func TestMicrophoneRebuiltAfterTrackEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	s := h.waitFor(t, "initial lanes", runningLanes(2))
	oldSID := lanes(s)["john:maria"].TrackSID

	// john's track dies: his lane drains, then the reconcile loop reopens
	// the microphone and rebuilds the lane.
	h.room.Microphone("john").End()

	h.waitFor(t, "lane rebuilt on a fresh feed", func(s RoomStats) bool {
		if !runningLanes(2)(s) {
			return false
		}
		return lanes(s)["john:maria"].TrackSID != oldSID
	})

	opens := 0
	for _, id := range h.room.OpenMicrophoneCalls {
		if id == "john" {
			opens++
		}
	}
	if opens != 2 {
		t.Errorf("john microphone opens = %d, want the feed reopened once", opens)
	}
}

func TestEmptyRoomEndsTheJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EmptyTimeout = 60 * time.Millisecond })
	h.start(t)

	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrRoomEmpty) {
			t.Fatalf("Run() = %v, want ErrRoomEmpty", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("empty room never timed out")
	}

	// A room with a participant stays alive past the same timeout.
	occupied := newHarness(t, func(c *Config) { c.EmptyTimeout = 60 * time.Millisecond })
	occupied.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "maria", types.LangSpanish, ""),
	})
	occupied.start(t)
	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-occupied.runErr:
		t.Fatalf("occupied room exited: %v", err)
	default:
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.room.SetParticipants([]transport.ParticipantInfo{
		member(t, "john", types.LangEnglish, ""),
		member(t, "maria", types.LangSpanish, ""),
	})
	h.start(t)

	h.waitFor(t, "lanes running", runningLanes(2))

	h.cancel()
	select {
	case err := <-h.runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}

	for _, w := range h.room.Writers() {
		if !w.Closed() {
			t.Errorf("track %s still open after shutdown", w.TrackName)
		}
	}
	for _, id := range []string{"john", "maria"} {
		if src := h.room.Microphone(id); src == nil || src.CloseCallCount == 0 {
			t.Errorf("%s's microphone feed not released", id)
		}
	}

	if _, err := h.c.Stats(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Stats() after shutdown = %v, want ErrStopped", err)
	}
}
