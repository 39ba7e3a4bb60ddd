package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/internal/coordinator"
	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/pipeline"
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

func testVoice(lang types.Language) types.VoiceAvatar {
	return types.VoiceAvatar{VoiceID: "voice-" + string(lang), Provider: "mock", Language: lang}
}

// member builds a remote participant whose metadata declares lang.
func member(t *testing.T, identity string, lang types.Language) transport.ParticipantInfo {
	t.Helper()
	raw, err := types.ParticipantMeta{Language: lang}.Encode()
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return transport.ParticipantInfo{Identity: identity, Metadata: raw}
}

// profileSource is a scriptable stand-in for the profile cache that counts
// fetches per identity. Unknown identities resolve to an English default.
type profileSource struct {
	mu       sync.Mutex
	profiles map[string]types.UserProfile
	calls    map[string]int
}

func newProfileSource() *profileSource {
	return &profileSource{
		profiles: make(map[string]types.UserProfile),
		calls:    make(map[string]int),
	}
}

func (s *profileSource) Get(_ context.Context, identity string) (types.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[identity]++
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

func (s *profileSource) gets(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[identity]
}

// sessionFactory hands every stream a fresh session whose Close unblocks the
// reader, so pipelines spawned under the host always tear down cleanly.
type sessionFactory struct {
	mu  sync.Mutex
	err error
}

func (f *sessionFactory) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &sttmock.Session{ResultsCh: make(chan types.Transcript, 16), CloseClosesResults: true}, nil
}

func (f *sessionFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var _ stt.Provider = (*sessionFactory)(nil)

// hostHarness wires a host to scriptable fakes and tracks every room the
// connector handed out.
type hostHarness struct {
	mu    sync.Mutex
	rooms map[string]*tpmock.Room

	conn  *tpmock.Connector
	profs *profileSource
	stt   *sessionFactory
	diags *diag.Recorder
	host  *Host
}

func newHostHarness(t *testing.T, mutate func(*Config)) *hostHarness {
	t.Helper()

	h := &hostHarness{
		rooms: make(map[string]*tpmock.Room),
		profs: newProfileSource(),
		stt:   &sessionFactory{},
		diags: &diag.Recorder{},
	}
	h.conn = &tpmock.Connector{
		ConnectFunc: func(_ context.Context, req transport.JoinRequest) (transport.Room, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			room := tpmock.NewRoom(req.RoomName, req.Identity)
			h.rooms[req.RoomName] = room
			return room, nil
		},
	}

	cfg := Config{
		Connector: h.conn,
		Profiles:  h.profs,
		Providers: coordinator.Providers{
			STT:        h.stt,
			Translator: &trmock.Translator{},
			TTS: map[string]tts.Provider{
				"mock": &ttsmock.Provider{Frames: []audio.Frame{
					{Data: []byte{1, 2}, SampleRate: audio.TransportSampleRate, Channels: 1},
				}},
			},
		},
		DefaultVoice: testVoice,
		Tuning: pipeline.Tuning{
			MaxDelay:       100 * time.Millisecond,
			InterimTrigger: 20 * time.Millisecond,
			UtteranceEnd:   40 * time.Millisecond,
			DrainGrace:     100 * time.Millisecond,
		},
		ReconcileInterval: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Diag:              h.diags,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	host, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.host = host

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.host.Close(ctx); err != nil {
			t.Errorf("host close: %v", err)
		}
	})
	return h
}

func (h *hostHarness) startJob(t *testing.T, job Job) {
	t.Helper()
	if err := h.host.StartJob(context.Background(), job); err != nil {
		t.Fatalf("StartJob(%s): %v", job.RoomID, err)
	}
}

// room returns the mock room the connector created for id.
func (h *hostHarness) room(t *testing.T, id string) *tpmock.Room {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		t.Fatalf("no room %q was joined", id)
	}
	return r
}

// occupy replaces the room's participant snapshot and nudges the
// coordinator with a join event.
func (h *hostHarness) occupy(t *testing.T, roomID string, members ...transport.ParticipantInfo) *tpmock.Room {
	t.Helper()
	room := h.room(t, roomID)
	room.SetParticipants(members)
	room.Emit(transport.Event{Kind: transport.ParticipantJoined})
	return room
}

func (h *hostHarness) waitStats(t *testing.T, roomID, what string, cond func(coordinator.RoomStats) bool) coordinator.RoomStats {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.host.Stats(context.Background(), roomID)
		if err == nil && cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return coordinator.RoomStats{}
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
func runningLanes(n int) func(coordinator.RoomStats) bool {
	return func(s coordinator.RoomStats) bool {
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

// ─── Job parsing ──────────────────────────────────────────────────────────

func TestParseJobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "general room with seeds",
			data: `{"room_id":"Meeting-abc123","room_type":"general","participants":[
				{"user_identity":"john","language":"en","avatar":"thalia"},
				{"user_identity":"maria","language":"es"},
				{"user_identity":"femi","language":"yo"}]}`,
		},
		{
			name: "translation room with two seeds",
			data: `{"room_id":"room1","room_type":"translation","participants":[
				{"user_identity":"john","language":"en"},
				{"user_identity":"maria","language":"es","use_realtime":true}]}`,
		},
		{
			name: "room id alone",
			data: `{"room_id":"room1"}`,
		},
		{
			name:    "translation room over capacity",
			data:    `{"room_id":"room1","room_type":"translation","participants":[{"user_identity":"a"},{"user_identity":"b"},{"user_identity":"c"}]}`,
			wantErr: "at most 2 participants",
		},
		{
			name:    "missing room id",
			data:    `{"room_type":"general"}`,
			wantErr: "room_id",
		},
		{
			name:    "unknown room type",
			data:    `{"room_id":"room1","room_type":"karaoke"}`,
			wantErr: "unknown room type",
		},
		{
			name:    "seed without identity",
			data:    `{"room_id":"room1","participants":[{"language":"en"}]}`,
			wantErr: "user_identity",
		},
		{
			name:    "malformed json",
			data:    `{"room_id":`,
			wantErr: "job metadata",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseJob([]byte(tc.data))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseJob() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ParseJob() succeeded, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

// ─── Job lifecycle ────────────────────────────────────────────────────────

func TestStartJobBuildsPipelines(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.startJob(t, Job{RoomID: "room1"})

	if got := h.conn.CallCount(); got != 1 {
		t.Fatalf("connect calls = %d, want 1", got)
	}
	req := h.conn.ConnectCalls[0].Req
	if req.RoomName != "room1" || req.Identity != AgentName {
		t.Errorf("joined as %q in %q, want %q in %q", req.Identity, req.RoomName, AgentName, "room1")
	}

	h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)

	s := h.waitStats(t, "room1", "both lanes running", runningLanes(2))
	if s.Room != "room1" || s.Agent != AgentName {
		t.Errorf("stats identify %q/%q, want room1/%s", s.Room, s.Agent, AgentName)
	}
	if s.RoomType != string(types.RoomGeneral) {
		t.Errorf("room type = %q, want general by default", s.RoomType)
	}
}

func TestStartJobDuplicateRejected(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.startJob(t, Job{RoomID: "room1"})

	err := h.host.StartJob(context.Background(), Job{RoomID: "room1"})
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("second StartJob error = %v, want ErrJobExists", err)
	}
	if got := h.conn.CallCount(); got != 1 {
		t.Errorf("connect calls = %d, a duplicate must not join again", got)
	}
}

func TestStartJobRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	job := Job{
		RoomID:   "room1",
		RoomType: types.RoomTranslation,
		Participants: []JobParticipant{
			{UserIdentity: "a"}, {UserIdentity: "b"}, {UserIdentity: "c"},
		},
	}
	if err := h.host.StartJob(context.Background(), job); err == nil {
		t.Fatal("StartJob accepted a translation room with three participants")
	}
	if got := h.conn.CallCount(); got != 0 {
		t.Errorf("connect calls = %d, validation must reject before joining", got)
	}
}

func TestStartJobReleasesRoomSlotOnJoinFailure(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.conn.ConnectFunc = nil
	h.conn.ConnectErr = transport.ErrUnavailable

	err := h.host.StartJob(context.Background(), Job{RoomID: "room1"})
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("StartJob error = %v, want the transport failure", err)
	}
	if got := len(h.host.Jobs()); got != 0 {
		t.Fatalf("jobs = %d after failed join, want 0", got)
	}

	// The slot is free again once the join failed.
	h.conn.ConnectErr = nil
	h.conn.ConnectFunc = func(_ context.Context, req transport.JoinRequest) (transport.Room, error) {
		return tpmock.NewRoom(req.RoomName, req.Identity), nil
	}
	if err := h.host.StartJob(context.Background(), Job{RoomID: "room1"}); err != nil {
		t.Fatalf("retry after failed join: %v", err)
	}
}

func TestStartJobPrefetchesProfiles(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.startJob(t, Job{
		RoomID: "room1",
		Participants: []JobParticipant{
			{UserIdentity: "john", Language: types.LangEnglish},
			{UserIdentity: "maria", Language: types.LangSpanish, UseRealtime: true},
		},
	})

	// StartJob returns only after the prefetch completed.
	for _, id := range []string{"john", "maria"} {
		if got := h.profs.gets(id); got != 1 {
			t.Errorf("profile fetches for %q = %d, want 1 from the prefetch", id, got)
		}
	}
}

func TestStopJobTearsDownRoom(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.startJob(t, Job{RoomID: "room1"})
	room := h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)
	h.waitStats(t, "room1", "both lanes running", runningLanes(2))

	if err := h.host.StopJob(context.Background(), "room1"); err != nil {
		t.Fatalf("StopJob: %v", err)
	}

	if room.CloseCallCount == 0 {
		t.Error("room was not closed on job stop")
	}
	if _, err := h.host.Stats(context.Background(), "room1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Stats after stop = %v, want ErrJobNotFound", err)
	}
	if err := h.host.StopJob(context.Background(), "room1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second StopJob = %v, want ErrJobNotFound", err)
	}
	for i, w := range room.Writers() {
		if !w.Closed() {
			t.Errorf("published track %d still open after job stop", i)
		}
	}
}

func TestEmptyRoomEndsOnlyItsJob(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, func(cfg *Config) {
		cfg.EmptyTimeout = 60 * time.Millisecond
	})
	h.startJob(t, Job{RoomID: "room1"})

	waitUntil(t, 3*time.Second, "empty room job to end", func() bool {
		return len(h.host.Jobs()) == 0
	})

	// The host keeps serving: the room slot is free and new jobs start.
	if err := h.host.StartJob(context.Background(), Job{RoomID: "room1"}); err != nil {
		t.Fatalf("StartJob after empty-room teardown: %v", err)
	}
}

func TestJobsListing(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	h.startJob(t, Job{RoomID: "room2", RoomType: types.RoomConference})
	h.startJob(t, Job{RoomID: "room1", RoomType: types.RoomTranslation})

	jobs := h.host.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].RoomID != "room1" || jobs[1].RoomID != "room2" {
		t.Errorf("listing order = [%s %s], want sorted by room id", jobs[0].RoomID, jobs[1].RoomID)
	}
	if jobs[0].RoomType != types.RoomTranslation {
		t.Errorf("room1 type = %q, want translation", jobs[0].RoomType)
	}
	for _, j := range jobs {
		if j.Agent != AgentName {
			t.Errorf("job %s agent = %q, want %q", j.RoomID, j.Agent, AgentName)
		}
		if j.StartedAt.IsZero() {
			t.Errorf("job %s has no start time", j.RoomID)
		}
	}
}

func TestStatsUnknownRoom(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	if _, err := h.host.Stats(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Stats = %v, want ErrJobNotFound", err)
	}
}

func TestDiagnosticsReachRoomAndExtraSink(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	// maria's voice needs a TTS vendor the host does not carry, so her lane
	// is unbuildable and the coordinator emits a diagnostic.
	h.profs.set(types.UserProfile{
		Identity:       "maria",
		NativeLanguage: types.LangSpanish,
		Avatar:         types.VoiceAvatar{VoiceID: "rachel", Provider: "elevenlabs", Language: types.LangSpanish},
	})
	h.startJob(t, Job{RoomID: "room1"})
	room := h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)

	waitUntil(t, 3*time.Second, "pipeline failure diagnostic", func() bool {
		for _, rec := range h.diags.Records() {
			if rec.Kind == diag.KindPipelineFailed && rec.Listener == "maria" {
				return true
			}
		}
		return false
	})

	// The fanout publishes to the room's data channel before the recorder
	// sees the record, so the payload is there by now.
	if len(room.PublishedData) == 0 {
		t.Error("diagnostic was not published on the room data channel")
	}
}

// ─── Host run loop ────────────────────────────────────────────────────────

func TestRunReturnsOnCancelAndClosesJobs(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.host.Run(ctx) }()

	h.startJob(t, Job{RoomID: "room1"})
	room := h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)
	h.waitStats(t, "room1", "both lanes running", runningLanes(2))

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := len(h.host.Jobs()); got != 0 {
		t.Errorf("jobs = %d after Run exit, want 0", got)
	}
	if room.CloseCallCount == 0 {
		t.Error("room was not closed when the host stopped")
	}
}

func TestRunTripsOnProviderOutage(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, func(cfg *Config) {
		cfg.OutageGrace = 80 * time.Millisecond
		cfg.ReconcileInterval = 15 * time.Millisecond
	})
	h.stt.setErr(provider.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.host.Run(ctx) }()

	h.startJob(t, Job{RoomID: "room1"})
	h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrProviderOutage) {
			t.Fatalf("Run() = %v, want ErrProviderOutage", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not trip on a persistent provider outage")
	}

	// The trip tears the fleet down so the process can exit.
	if got := len(h.host.Jobs()); got != 0 {
		t.Errorf("jobs = %d after outage exit, want 0", got)
	}
}

func TestRunStaysUpWhileLanesRecover(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, func(cfg *Config) {
		cfg.OutageGrace = 2 * time.Second
		cfg.ReconcileInterval = 15 * time.Millisecond
	})
	h.stt.setErr(provider.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.host.Run(ctx) }()

	h.startJob(t, Job{RoomID: "room1"})
	h.occupy(t, "room1",
		member(t, "john", types.LangEnglish),
		member(t, "maria", types.LangSpanish),
	)

	// Let the outage clock start, then recover well inside the grace.
	time.Sleep(60 * time.Millisecond)
	h.stt.setErr(nil)
	h.waitStats(t, "room1", "lanes recovered", runningLanes(2))

	select {
	case err := <-runErr:
		t.Fatalf("Run() exited with %v during a recoverable blip", err)
	case <-time.After(400 * time.Millisecond):
		// Still up: the recovery reset the outage clock.
	}
}

func TestHostClosedRejectsNewJobs(t *testing.T) {
	t.Parallel()

	h := newHostHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.host.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.host.StartJob(context.Background(), Job{RoomID: "room1"}); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("StartJob after close = %v, want ErrHostClosed", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Connector: &tpmock.Connector{},
			Profiles:  newProfileSource(),
			Providers: coordinator.Providers{
				STT:        &sessionFactory{},
				Translator: &trmock.Translator{},
				TTS:        map[string]tts.Provider{"mock": &ttsmock.Provider{}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing connector", func(c *Config) { c.Connector = nil }},
		{"missing profiles", func(c *Config) { c.Profiles = nil }},
		{"missing stt", func(c *Config) { c.Providers.STT = nil }},
		{"missing translator", func(c *Config) { c.Providers.Translator = nil }},
		{"no tts adapters", func(c *Config) { c.Providers.TTS = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() accepted an incomplete config")
			}
		})
	}

	if _, err := New(base()); err != nil {
		t.Errorf("New() rejected a complete config: %v", err)
	}
}
