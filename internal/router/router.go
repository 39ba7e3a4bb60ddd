// Package router enforces the audio topology of an interpretation room:
// which tracks each listener is subscribed to at any moment.
//
// For every listener L and every other speaker S the rule is
//
//   - same language: L hears S's microphone track directly,
//   - different language: L is unsubscribed from S's microphone and
//     subscribed to the agent-published "translated:S:L" track instead.
//
// A listener is never touched for tracks they publish themselves, and is
// never simultaneously subscribed to both the raw and translated versions
// of the same speaker: every reconcile applies all unsubscribes before any
// subscribe.
//
// The router is a diff applier, not an event handler. The coordinator hands
// it a [RoomView] snapshot whenever membership, metadata, or published
// tracks change and on every periodic sweep; the router compares the view
// against the subscription state it has successfully applied so far and
// issues only the transport calls needed to converge. Re-applying an
// unchanged view is a no-op, so missed room events are healed by the next
// sweep.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/pkg/transport"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// RoomView is the coordinator's snapshot of everything routing depends on.
// The router never queries the room itself; stale views are corrected by
// the next reconcile.
type RoomView struct {
	// Agent is the worker's own participant identity. The agent publishes
	// the translated tracks and is never routed as a listener.
	Agent string

	// Languages maps each registered participant identity to their selected
	// language. Participants without an entry (no metadata yet) are left
	// untouched.
	Languages map[string]types.Language

	// Tracks lists every live audio track in the room, the agent's own
	// published translated tracks included. Subscription changes are keyed
	// by the SIDs found here.
	Tracks []transport.TrackInfo
}

// subscribeRetry gives a failed subscription update one quick second try.
// Signalling races right after a track publish resolve that fast; anything
// slower is left to the coordinator's periodic sweep.
var subscribeRetry = resilience.RetryConfig{
	MaxAttempts: 2,
	Backoff:     25 * time.Millisecond,
	Retryable: func(err error) bool {
		return !errors.Is(err, transport.ErrClosed) &&
			!errors.Is(err, transport.ErrParticipantNotFound)
	},
}

// Router plans and applies per-listener track subscriptions for one room.
//
// Methods are safe for concurrent use, though in practice the coordinator
// event loop serializes them.
type Router struct {
	room transport.Room
	log  *slog.Logger

	mu sync.Mutex
	// applied records, per listener, the subscription state most recently
	// confirmed by the transport. Entries exist only for tracks the router
	// has acted on; an absent entry forces an explicit call on first sight,
	// which also overrides client-side auto-subscribe.
	applied map[string]map[string]appliedTrack
}

// appliedTrack is the confirmed state of one (listener, track) pair.
type appliedTrack struct {
	subscribed bool
	route      string
}

// New creates a router for room. A nil logger falls back to slog.Default.
func New(room transport.Room, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		room:    room,
		log:     log.With(slog.String("room", room.Name())),
		applied: make(map[string]map[string]appliedTrack),
	}
}

// Reconcile converges the room's subscriptions onto the topology implied by
// view. It prunes state for tracks that no longer exist (no transport calls
// for those), then applies the remaining diff: all unsubscribes first, then
// all subscribes, batched per listener.
//
// A failed update leaves that slice of state unapplied so the next call
// retries it; updates for other listeners still proceed. The returned error
// joins every failure.
func (r *Router) Reconcile(ctx context.Context, view RoomView) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]transport.TrackInfo, len(view.Tracks))
	for _, tr := range view.Tracks {
		live[tr.SID] = tr
	}
	r.prune(live)

	unsubs, subs := r.plan(view)
	if len(unsubs) == 0 && len(subs) == 0 {
		return nil
	}

	var errs []error
	for _, b := range unsubs {
		errs = append(errs, r.apply(ctx, b))
	}
	for _, b := range subs {
		errs = append(errs, r.apply(ctx, b))
	}
	return errors.Join(errs...)
}

// Forget drops all recorded subscription state for identity. The
// coordinator calls it when a participant leaves so a later rejoin starts
// from a clean slate.
func (r *Router) Forget(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.applied, identity)
}

// Routes returns the ids of every route currently subscribed, sorted. Route
// ids follow the "{speaker}_to_{listener}_{original|translated}" form and
// feed the coordinator's stats snapshot.
func (r *Router) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, tracks := range r.applied {
		for _, st := range tracks {
			if st.subscribed {
				out = append(out, st.route)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ─── Planning ───────────────────────────────────────────────────────────

// desire is one (listener, track) subscription target derived from a view.
type desire struct {
	sid       string
	subscribe bool
	route     string
}

// batch is one SetSubscriptions call: every pending change for a listener
// in one direction.
type batch struct {
	listener  string
	subscribe bool
	sids      []string
	routes    []string
}

// plan diffs the view against applied state and returns the per-listener
// call batches, unsubscribes separated from subscribes. Listeners are
// walked in sorted order and tracks in view order, so a given view always
// produces the same plan.
func (r *Router) plan(view RoomView) (unsubs, subs []batch) {
	listeners := make([]string, 0, len(view.Languages))
	for id := range view.Languages {
		if id != view.Agent {
			listeners = append(listeners, id)
		}
	}
	sort.Strings(listeners)

	for _, listener := range listeners {
		current := r.applied[listener]
		u := batch{listener: listener, subscribe: false}
		s := batch{listener: listener, subscribe: true}

		for _, d := range desires(listener, view) {
			if state, seen := current[d.sid]; seen && state.subscribed == d.subscribe {
				continue
			}
			if d.subscribe {
				s.sids = append(s.sids, d.sid)
				s.routes = append(s.routes, d.route)
			} else {
				u.sids = append(u.sids, d.sid)
				u.routes = append(u.routes, d.route)
			}
		}
		if len(u.sids) > 0 {
			unsubs = append(unsubs, u)
		}
		if len(s.sids) > 0 {
			subs = append(subs, s)
		}
	}
	return unsubs, subs
}

// desires lists the subscription state listener must end up in for every
// routable track in the view. Tracks the listener publishes, tracks from
// unregistered participants, and translated tracks aimed at someone else
// are skipped entirely.
func desires(listener string, view RoomView) []desire {
	lang := view.Languages[listener]
	var out []desire
	for _, tr := range view.Tracks {
		if tr.ParticipantIdentity == listener {
			continue
		}
		switch {
		case tr.Microphone:
			if tr.ParticipantIdentity == view.Agent {
				continue
			}
			speaker := tr.ParticipantIdentity
			speakerLang, known := view.Languages[speaker]
			if !known {
				continue
			}
			out = append(out, desire{
				sid:       tr.SID,
				subscribe: speakerLang == lang,
				route:     routeID(speaker, listener, false),
			})
		default:
			speaker, target, ok := transport.ParseTranslatedTrackName(tr.Name)
			if !ok || target != listener {
				continue
			}
			speakerLang, known := view.Languages[speaker]
			out = append(out, desire{
				sid:       tr.SID,
				subscribe: known && speakerLang != lang,
				route:     routeID(speaker, listener, true),
			})
		}
	}
	return out
}

func routeID(speaker, listener string, translated bool) string {
	kind := "original"
	if translated {
		kind = "translated"
	}
	return speaker + "_to_" + listener + "_" + kind
}

// ─── Application ────────────────────────────────────────────────────────

func (r *Router) apply(ctx context.Context, b batch) error {
	err := resilience.Retry(ctx, subscribeRetry, func(ctx context.Context) error {
		return r.room.SetSubscriptions(ctx, b.listener, b.sids, b.subscribe)
	})
	if errors.Is(err, transport.ErrParticipantNotFound) {
		// Listener left between snapshot and apply. Their state goes with
		// them; the next view no longer lists them.
		delete(r.applied, b.listener)
		r.log.Debug("listener gone before subscription update",
			slog.String("listener", b.listener))
		return nil
	}
	if err != nil {
		r.log.Warn("subscription update failed",
			slog.String("listener", b.listener),
			slog.Bool("subscribe", b.subscribe),
			slog.Int("tracks", len(b.sids)),
			slog.String("error", err.Error()))
		return fmt.Errorf("router: update subscriptions for %s: %w", b.listener, err)
	}

	state := r.applied[b.listener]
	if state == nil {
		state = make(map[string]appliedTrack)
		r.applied[b.listener] = state
	}
	for i, sid := range b.sids {
		state[sid] = appliedTrack{subscribed: b.subscribe, route: b.routes[i]}
		r.log.Debug("route updated",
			slog.String("route", b.routes[i]),
			slog.String("sid", sid),
			slog.Bool("subscribe", b.subscribe))
	}
	return nil
}

// prune drops applied state for SIDs that vanished from the room. A track
// that no longer exists needs no unsubscribe call.
func (r *Router) prune(live map[string]transport.TrackInfo) {
	for listener, tracks := range r.applied {
		for sid := range tracks {
			if _, ok := live[sid]; !ok {
				delete(tracks, sid)
			}
		}
		if len(tracks) == 0 {
			delete(r.applied, listener)
		}
	}
}
