// Package worker hosts room jobs for the interpretation agent. The
// dispatcher hands the host a job description naming a room; the host joins
// that room as the agent, warms the profile cache for everyone the job
// names plus everyone already present, and runs one coordinator per job
// until the job is cancelled, the room closes, or the room stays empty past
// its timeout. A single host runs many jobs concurrently, each isolated.
//
// The host also watches the whole job fleet for a provider outage: when no
// lane anywhere is delivering audio while lanes keep failing and retrying,
// and that holds for the configured grace window, [Host.Run] returns
// [ErrProviderOutage] so the process can exit with the dedicated code.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/polyglossa/internal/coordinator"
	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/pipeline"
	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/transport"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// AgentName is the participant identity the worker joins every room under.
const AgentName = "translation-agent"

// maxTranslationParticipants caps the seed list of a translation room.
const maxTranslationParticipants = 2

// Defaults for [Config].
const (
	DefaultOutageGrace  = 2 * time.Minute
	DefaultPollInterval = 10 * time.Second
)

// closeGrace bounds job teardown when [Host.Run] exits on its own.
const closeGrace = 10 * time.Second

// Sentinel errors returned by [Host] operations.
var (
	// ErrHostClosed is returned by StartJob once the host has shut down.
	ErrHostClosed = errors.New("worker: host closed")

	// ErrJobExists is returned when the room already has a job.
	ErrJobExists = errors.New("worker: room already has a job")

	// ErrJobNotFound is returned when no running job serves the room.
	ErrJobNotFound = errors.New("worker: no job for room")

	// ErrProviderOutage is returned by Run when no lane in any room has
	// been running for the whole grace window while lanes kept failing.
	ErrProviderOutage = errors.New("worker: provider outage past grace window")
)

// Job is the dispatcher's job description: the room to serve, its type, and
// the participants the dispatcher already knows about.
type Job struct {
	RoomID       string           `json:"room_id"`
	RoomType     types.RoomType   `json:"room_type,omitempty"`
	Participants []JobParticipant `json:"participants,omitempty"`
}

// JobParticipant is one seed entry of a job. Language and avatar are hints;
// the participant's live room metadata stays authoritative once they join.
type JobParticipant struct {
	UserIdentity string         `json:"user_identity"`
	Language     types.Language `json:"language,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	UseRealtime  bool           `json:"use_realtime,omitempty"`
}

// ParseJob decodes the dispatcher's job metadata and validates it.
func ParseJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("worker: job metadata: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Validate checks the job's structure: a room id is required, the room type
// must be known when set, every seed participant needs an identity, and a
// translation room holds at most two participants.
func (j Job) Validate() error {
	var errs []error
	if j.RoomID == "" {
		errs = append(errs, errors.New("worker: job needs a room_id"))
	}
	if j.RoomType != "" && !j.RoomType.IsValid() {
		errs = append(errs, fmt.Errorf("worker: unknown room type %q", j.RoomType))
	}
	if j.RoomType == types.RoomTranslation && len(j.Participants) > maxTranslationParticipants {
		errs = append(errs, fmt.Errorf("worker: translation rooms hold at most %d participants, job names %d",
			maxTranslationParticipants, len(j.Participants)))
	}
	for i, p := range j.Participants {
		if p.UserIdentity == "" {
			errs = append(errs, fmt.Errorf("worker: participants[%d] needs a user_identity", i))
		}
	}
	return errors.Join(errs...)
}

// Config assembles a [Host].
type Config struct {
	// Connector joins rooms on the media transport.
	Connector transport.Connector

	// Profiles resolves identities to profile snapshots, normally the
	// profile cache.
	Profiles coordinator.ProfileSource

	// Voices resolves avatar references from participant metadata. Nil
	// skips avatar overrides.
	Voices store.Voices

	// Providers is the adapter lane handed to every job's coordinator.
	Providers coordinator.Providers

	// DefaultVoice replaces an avatar whose language does not match the
	// participant's, typically catalog.DefaultVoice.
	DefaultVoice func(types.Language) types.VoiceAvatar

	// Tuning is applied to every pipeline in every room.
	Tuning pipeline.Tuning

	// ReconcileInterval and EmptyTimeout configure each job's coordinator.
	ReconcileInterval time.Duration
	EmptyTimeout      time.Duration

	// DiagLog is the path of the local JSONL diagnostic log shared by all
	// jobs. Empty keeps diagnostics on the data channel only.
	DiagLog string

	// OutageGrace is how long Run tolerates a fleet-wide provider outage
	// before giving up. Default 2m.
	OutageGrace time.Duration

	// PollInterval is the outage monitor's stats cadence. Default 10s.
	PollInterval time.Duration

	// Diag is an extra sink fanned into every job's diagnostics, on top of
	// the JSONL file and the room's data channel. Optional.
	Diag diag.Sink

	// Metrics defaults to observe.DefaultMetrics. Logger defaults to
	// slog.Default.
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// roomJob is one live room assignment. The room, coord, and cancel fields
// are written once under the host mutex; err is readable after done closes.
type roomJob struct {
	job       Job
	startedAt time.Time
	done      chan struct{}

	room   transport.Room
	coord  *coordinator.Coordinator
	cancel context.CancelFunc

	err error
}

// Host accepts dispatcher jobs and runs one coordinator per room. All
// exported methods are safe for concurrent use.
type Host struct {
	connector    transport.Connector
	profiles     coordinator.ProfileSource
	voices       store.Voices
	providers    coordinator.Providers
	defaultVoice func(types.Language) types.VoiceAvatar
	tuning       pipeline.Tuning
	interval     time.Duration
	emptyAfter   time.Duration
	grace        time.Duration
	poll         time.Duration
	fileLog      *diag.FileLog
	extraDiag    diag.Sink
	metrics      *observe.Metrics
	log          *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*roomJob
	closed bool
	wg     sync.WaitGroup
}

// New validates cfg and builds a host. No transport calls happen until the
// first [Host.StartJob].
func New(cfg Config) (*Host, error) {
	switch {
	case cfg.Connector == nil:
		return nil, errors.New("worker: Connector is required")
	case cfg.Profiles == nil:
		return nil, errors.New("worker: Profiles is required")
	case cfg.Providers.STT == nil || cfg.Providers.Translator == nil:
		return nil, errors.New("worker: STT and Translator providers are required")
	case len(cfg.Providers.TTS) == 0:
		return nil, errors.New("worker: at least one TTS provider is required")
	}
	if cfg.OutageGrace <= 0 {
		cfg.OutageGrace = DefaultOutageGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Host{
		connector:    cfg.Connector,
		profiles:     cfg.Profiles,
		voices:       cfg.Voices,
		providers:    cfg.Providers,
		defaultVoice: cfg.DefaultVoice,
		tuning:       cfg.Tuning,
		interval:     cfg.ReconcileInterval,
		emptyAfter:   cfg.EmptyTimeout,
		grace:        cfg.OutageGrace,
		poll:         cfg.PollInterval,
		extraDiag:    cfg.Diag,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		jobs:         make(map[string]*roomJob),
	}
	if cfg.DiagLog != "" {
		h.fileLog = diag.NewFileLog(cfg.DiagLog)
	}
	return h, nil
}

// SetTuning replaces the pipeline tuning handed to coordinators of jobs
// started after the call. Running rooms keep the tuning they were built
// with; the config watcher calls this on a hot-reloaded translation
// section.
func (h *Host) SetTuning(t pipeline.Tuning) {
	h.mu.Lock()
	h.tuning = t
	h.mu.Unlock()
}

// StartJob accepts a dispatcher job: it joins the room as the agent, warms
// the profile cache, and hands the room to a coordinator running in the
// background. ctx governs only the join and the prefetch; the job itself
// lives until it ends or is stopped.
//
// A room can carry one job at a time; a duplicate is rejected with
// [ErrJobExists] even while the first is still joining.
func (h *Host) StartJob(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.RoomType == "" {
		job.RoomType = types.RoomGeneral
	}

	j := &roomJob{job: job, startedAt: time.Now().UTC(), done: make(chan struct{})}

	// Reserve the room before the blocking join so a concurrent duplicate
	// is rejected instead of double-joining. The tuning snapshot taken here
	// is what this job's coordinator gets, even if a hot reload lands while
	// the join is still in flight.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	if _, exists := h.jobs[job.RoomID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("worker: room %q: %w", job.RoomID, ErrJobExists)
	}
	h.jobs[job.RoomID] = j
	tuning := h.tuning
	h.mu.Unlock()

	abort := func(err error) error {
		h.mu.Lock()
		delete(h.jobs, job.RoomID)
		h.mu.Unlock()
		close(j.done)
		return err
	}

	room, err := h.connector.Connect(ctx, transport.JoinRequest{
		RoomName: job.RoomID,
		Identity: AgentName,
	})
	if err != nil {
		return abort(fmt.Errorf("worker: join room %q: %w", job.RoomID, err))
	}

	if err := h.prefetch(ctx, job, room); err != nil {
		_ = room.Close()
		return abort(fmt.Errorf("worker: room %q: %w", job.RoomID, err))
	}

	coord, err := coordinator.New(coordinator.Config{
		Room:              room,
		Profiles:          h.profiles,
		Voices:            h.voices,
		Providers:         h.providers,
		DefaultVoice:      h.defaultVoice,
		RoomType:          job.RoomType,
		Tuning:            tuning,
		ReconcileInterval: h.interval,
		EmptyTimeout:      h.emptyAfter,
		Metrics:           h.metrics,
		Diag:              h.jobSink(room),
		Logger:            h.log,
	})
	if err != nil {
		_ = room.Close()
		return abort(fmt.Errorf("worker: room %q: %w", job.RoomID, err))
	}

	jobCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	if h.closed {
		// The host shut down while we were joining.
		h.mu.Unlock()
		cancel()
		_ = room.Close()
		return abort(ErrHostClosed)
	}
	j.room = room
	j.coord = coord
	j.cancel = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	h.log.Info("room job started",
		slog.String("room", job.RoomID),
		slog.String("room_type", string(job.RoomType)),
		slog.String("agent", AgentName),
		slog.Int("seed_participants", len(job.Participants)))

	go h.runJob(jobCtx, j)
	return nil
}

// runJob drives one job to completion, releases its room, and removes it
// from the job table.
func (h *Host) runJob(ctx context.Context, j *roomJob) {
	defer h.wg.Done()

	err := j.coord.Run(ctx)

	if cerr := j.room.Close(); cerr != nil {
		h.log.Warn("room close failed",
			slog.String("room", j.job.RoomID), slog.String("error", cerr.Error()))
	}

	h.mu.Lock()
	delete(h.jobs, j.job.RoomID)
	h.mu.Unlock()

	j.err = err
	close(j.done)

	switch {
	case errors.Is(err, coordinator.ErrRoomEmpty):
		h.log.Info("room job ended, room stayed empty", slog.String("room", j.job.RoomID))
	case errors.Is(err, context.Canceled):
		h.log.Info("room job cancelled", slog.String("room", j.job.RoomID))
	default:
		h.log.Warn("room job ended", slog.String("room", j.job.RoomID), slog.Any("error", err))
	}
}

// prefetch warms the profile cache for every identity the job seeds plus
// everyone already in the room, so the coordinator's first reconciliation
// builds pipelines from cached snapshots. Fetches run in parallel; only
// context cancellation fails the job, since the cache serves defaults for
// everything else.
func (h *Host) prefetch(ctx context.Context, job Job, room transport.Room) error {
	seen := make(map[string]bool, len(job.Participants))
	ids := make([]string, 0, len(job.Participants))
	for _, p := range job.Participants {
		if p.UseRealtime {
			h.log.Debug("realtime engine requested; the cascade pipeline is the only engine",
				slog.String("room", job.RoomID), slog.String("identity", p.UserIdentity))
		}
		if p.Language != "" && !p.Language.Valid() {
			h.log.Warn("job seeds an unsupported language; live metadata will decide",
				slog.String("room", job.RoomID),
				slog.String("identity", p.UserIdentity),
				slog.String("language", p.Language.String()))
		}
		if !seen[p.UserIdentity] {
			seen[p.UserIdentity] = true
			ids = append(ids, p.UserIdentity)
		}
	}
	for _, pi := range room.Participants() {
		if !seen[pi.Identity] {
			seen[pi.Identity] = true
			ids = append(ids, pi.Identity)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		eg.Go(func() error {
			if _, err := h.profiles.Get(egCtx, id); err != nil {
				return fmt.Errorf("prefetch profile %q: %w", id, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// jobSink assembles the diagnostics fanout for one room: the host's JSONL
// file, the room's reliable data channel, and any extra sink from Config.
func (h *Host) jobSink(room transport.Room) diag.Sink {
	var sinks diag.Fanout
	if h.fileLog != nil {
		sinks = append(sinks, h.fileLog)
	}
	sinks = append(sinks, &diag.Publisher{Room: room})
	if h.extraDiag != nil {
		sinks = append(sinks, h.extraDiag)
	}
	return sinks
}

// StopJob cancels the job serving roomID and waits for its teardown. A job
// becomes addressable once StartJob has returned.
func (h *Host) StopJob(ctx context.Context, roomID string) error {
	h.mu.Lock()
	j, ok := h.jobs[roomID]
	if ok && j.cancel == nil {
		ok = false // still joining
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: room %q: %w", roomID, ErrJobNotFound)
	}

	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats proxies to the room's coordinator for its translation-stats view.
func (h *Host) Stats(ctx context.Context, roomID string) (coordinator.RoomStats, error) {
	h.mu.Lock()
	j, ok := h.jobs[roomID]
	var coord *coordinator.Coordinator
	if ok {
		coord = j.coord
	}
	h.mu.Unlock()
	if !ok || coord == nil {
		return coordinator.RoomStats{}, fmt.Errorf("worker: room %q: %w", roomID, ErrJobNotFound)
	}
	return coord.Stats(ctx)
}

// JobStatus is one entry of the host's job listing.
type JobStatus struct {
	RoomID    string         `json:"room_id"`
	RoomType  types.RoomType `json:"room_type"`
	Agent     string         `json:"agent"`
	StartedAt time.Time      `json:"started_at"`
}

// Jobs lists the running jobs sorted by room id.
func (h *Host) Jobs() []JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]JobStatus, 0, len(h.jobs))
	for _, j := range h.jobs {
		if j.coord == nil {
			continue // still joining
		}
		out = append(out, JobStatus{
			RoomID:    j.job.RoomID,
			RoomType:  j.job.RoomType,
			Agent:     AgentName,
			StartedAt: j.startedAt,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RoomID < out[k].RoomID })
	return out
}

// Run watches the job fleet until ctx is cancelled or a provider outage
// persists past the grace window. Every job is torn down before it returns:
// ctx.Err() on cancellation, [ErrProviderOutage] on outage.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := h.Close(cctx); err != nil {
			h.log.Warn("job teardown incomplete", slog.String("error", err.Error()))
		}
	}()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			alive, down := h.fleetHealth(ctx)
			switch {
			case alive:
				downSince = time.Time{}
			case down:
				if downSince.IsZero() {
					downSince = time.Now()
					h.log.Warn("no lane running in any room; outage clock started",
						slog.Duration("grace", h.grace))
				}
				if time.Since(downSince) >= h.grace {
					h.log.Error("provider outage past grace window",
						slog.Duration("grace", h.grace))
					return ErrProviderOutage
				}
			}
		}
	}
}

// fleetHealth summarises every job's stats for the outage monitor. alive
// means at least one lane is delivering audio, or no room demands one; down
// means lanes exist only in failed or retrying form. Neither holds while
// every lane is still initializing, which keeps the outage clock from
// resetting on a respawn that is about to fail again.
func (h *Host) fleetHealth(ctx context.Context) (alive, down bool) {
	h.mu.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(h.jobs))
	for _, j := range h.jobs {
		if j.coord != nil {
			coords = append(coords, j.coord)
		}
	}
	h.mu.Unlock()

	var lanes, working, broken int
	for _, c := range coords {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		s, err := c.Stats(sctx)
		cancel()
		if err != nil {
			continue // job mid-teardown
		}
		lanes += len(s.Pipelines) + len(s.Retrying) + len(s.FailedPairs)
		broken += len(s.Retrying) + len(s.FailedPairs)
		for _, p := range s.Pipelines {
			switch p.State {
			case "running", "draining":
				working++
			case "failed":
				broken++
			}
		}
	}
	if working > 0 || lanes == 0 {
		return true, false
	}
	return false, broken > 0
}

// Close cancels every job and waits for their teardown, bounded by ctx. It
// is safe to call more than once; the host accepts no jobs afterwards.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	cancels := make([]context.CancelFunc, 0, len(h.jobs))
	for _, j := range h.jobs {
		if j.cancel != nil {
			cancels = append(cancels, j.cancel)
		}
	}
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
