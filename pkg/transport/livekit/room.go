package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/twitchtv/twirp"

	"github.com/MrWong99/polyglossa/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Room = (*roomSession)(nil)

// eventBuffer sizes the room event channel. The coordinator drains it
// promptly; on overflow the oldest event is dropped and the periodic
// reconciliation pass recovers the topology.
const eventBuffer = 64

// roomSession wraps a *lksdk.Room and adapts it to the [transport.Room]
// interface. It translates SDK callbacks into [transport.Event] values,
// hands out decoded microphone sources, and owns the agent's published
// translated tracks.
//
// roomSession is safe for concurrent use.
type roomSession struct {
	name     string
	identity string
	svc      *lksdk.RoomServiceClient

	mu     sync.Mutex
	room   *lksdk.Room
	closed bool

	// pending maps track SIDs to waiters registered by OpenMicrophone
	// before SetSubscribed is issued, so the subscribe callback cannot
	// race past the opener.
	pending map[string]chan *webrtc.TrackRemote
	sources map[string]*micSource
	writers map[string]*trackWriter

	// restricted maps published track SIDs to the identities allowed to
	// subscribe; public lists SIDs published without a restriction.
	restricted   map[string][]string
	public       []string
	permsApplied bool

	emitMu sync.Mutex
	events chan transport.Event
	done   chan struct{}
}

func newRoomSession(name, identity string, svc *lksdk.RoomServiceClient) *roomSession {
	return &roomSession{
		name:       name,
		identity:   identity,
		svc:        svc,
		pending:    make(map[string]chan *webrtc.TrackRemote),
		sources:    make(map[string]*micSource),
		writers:    make(map[string]*trackWriter),
		restricted: make(map[string][]string),
		events:     make(chan transport.Event, eventBuffer),
		done:       make(chan struct{}),
	}
}

// callbacks builds the SDK callback table. Handlers tolerate firing before
// bind has stored the room, because the SDK delivers initial-state events
// while ConnectToRoomWithToken is still in flight.
func (r *roomSession) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:   r.onTrackPublished,
			OnTrackUnpublished: r.onTrackUnpublished,
			OnTrackSubscribed:  r.onTrackSubscribed,
			OnMetadataChanged:  r.onMetadataChanged,
		},
		OnParticipantConnected:    r.onParticipantConnected,
		OnParticipantDisconnected: r.onParticipantDisconnected,
		OnDisconnected:            r.onDisconnected,
	}
}

// bind stores the connected SDK room. It fails if the server already
// disconnected the session while the join was in flight.
func (r *roomSession) bind(room *lksdk.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("livekit: room %q disconnected during join: %w", r.name, transport.ErrClosed)
	}
	r.room = room
	return nil
}

// ---- transport.Room ----

func (r *roomSession) Name() string { return r.name }

func (r *roomSession) LocalIdentity() string { return r.identity }

func (r *roomSession) Participants() []transport.ParticipantInfo {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room == nil {
		return nil
	}
	remotes := room.GetRemoteParticipants()
	out := make([]transport.ParticipantInfo, 0, len(remotes))
	for _, rp := range remotes {
		info := transport.ParticipantInfo{
			Identity: rp.Identity(),
			Metadata: rp.Metadata(),
		}
		for _, pub := range rp.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			info.Tracks = append(info.Tracks, remoteTrackInfo(pub, rp.Identity()))
		}
		out = append(out, info)
	}
	return out
}

func (r *roomSession) Events() <-chan transport.Event { return r.events }

func (r *roomSession) OpenMicrophone(ctx context.Context, identity string) (transport.AudioSource, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, transport.ErrClosed
	}
	room := r.room
	r.mu.Unlock()

	rp := findParticipant(room, identity)
	if rp == nil {
		return nil, fmt.Errorf("livekit: open microphone for %q: %w", identity, transport.ErrParticipantNotFound)
	}
	pub := micPublication(rp)
	if pub == nil {
		return nil, fmt.Errorf("livekit: open microphone for %q: %w", identity, transport.ErrTrackNotFound)
	}
	sid := pub.SID()

	waiter := make(chan *webrtc.TrackRemote, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if _, open := r.sources[sid]; open {
		r.mu.Unlock()
		return nil, fmt.Errorf("livekit: microphone track %s of %q: %w", sid, identity, transport.ErrTrackInUse)
	}
	if _, waiting := r.pending[sid]; waiting {
		r.mu.Unlock()
		return nil, fmt.Errorf("livekit: microphone track %s of %q: %w", sid, identity, transport.ErrTrackInUse)
	}
	r.pending[sid] = waiter
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, sid)
		r.mu.Unlock()
	}

	// An already-subscribed track never fires OnTrackSubscribed again, so
	// take its remote track directly when present.
	if tr := pub.TrackRemote(); tr != nil {
		cleanup()
		return r.attachSource(identity, pub, tr)
	}
	if err := pub.SetSubscribed(true); err != nil {
		cleanup()
		return nil, fmt.Errorf("livekit: subscribe to track %s: %v: %w", sid, err, transport.ErrUnavailable)
	}

	select {
	case tr := <-waiter:
		return r.attachSource(identity, pub, tr)
	case <-ctx.Done():
		cleanup()
		_ = pub.SetSubscribed(false)
		return nil, ctx.Err()
	case <-r.done:
		return nil, transport.ErrClosed
	}
}

// attachSource builds the decoding source for a subscribed track and
// registers it so a second open of the same track is refused.
func (r *roomSession) attachSource(identity string, pub *lksdk.RemoteTrackPublication, tr *webrtc.TrackRemote) (transport.AudioSource, error) {
	src, err := newMicSource(identity, pub, tr, func(sid string) {
		r.mu.Lock()
		delete(r.sources, sid)
		r.mu.Unlock()
	})
	if err != nil {
		_ = pub.SetSubscribed(false)
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		src.stop()
		return nil, transport.ErrClosed
	}
	r.sources[pub.SID()] = src
	r.mu.Unlock()
	src.start()
	return src, nil
}

func (r *roomSession) PublishTrack(ctx context.Context, name string, allowed []string) (transport.AudioWriter, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, transport.ErrClosed
	}
	room := r.room
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := newTrackWriter(room.LocalParticipant, name, func(sid string) {
		r.dropTrack(sid)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = w.Close()
		return nil, transport.ErrClosed
	}
	sid := w.SID()
	r.writers[sid] = w
	if len(allowed) > 0 {
		r.restricted[sid] = slices.Clone(allowed)
	} else {
		r.public = append(r.public, sid)
	}
	r.applyPermissionsLocked()
	r.mu.Unlock()
	return w, nil
}

// dropTrack forgets a published track after its writer closes and shrinks
// the permission set accordingly.
func (r *roomSession) dropTrack(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, sid)
	_, wasRestricted := r.restricted[sid]
	delete(r.restricted, sid)
	if i := slices.Index(r.public, sid); i >= 0 {
		r.public = slices.Delete(r.public, i, i+1)
	}
	if wasRestricted && !r.closed {
		r.applyPermissionsLocked()
	}
}

// applyPermissionsLocked pushes the agent's full subscription-permission
// set. LiveKit replaces the whole set on every update, so each publish,
// unpublish, and participant join recomputes it from scratch.
func (r *roomSession) applyPermissionsLocked() {
	if r.room == nil {
		return
	}
	if len(r.restricted) == 0 {
		// Nothing restricted: fall back to open permissions, but only if a
		// restrictive set was applied before.
		if !r.permsApplied {
			return
		}
		r.room.LocalParticipant.SetSubscriptionPermission(&livekit.SubscriptionPermission{
			AllParticipants: true,
		})
		r.permsApplied = false
		return
	}
	var identities []string
	for _, rp := range r.room.GetRemoteParticipants() {
		identities = append(identities, rp.Identity())
	}
	r.room.LocalParticipant.SetSubscriptionPermission(&livekit.SubscriptionPermission{
		TrackPermissions: buildTrackPermissions(r.restricted, r.public, identities),
	})
	r.permsApplied = true
}

// buildTrackPermissions groups per-track allow lists into the per-identity
// shape the LiveKit API expects. Public tracks are granted to every known
// participant so that restricting one track never hides another.
func buildTrackPermissions(restricted map[string][]string, public, identities []string) []*livekit.TrackPermission {
	byIdentity := make(map[string][]string)
	for sid, allowed := range restricted {
		for _, id := range allowed {
			byIdentity[id] = append(byIdentity[id], sid)
		}
	}
	if len(public) > 0 {
		for _, id := range identities {
			byIdentity[id] = append(byIdentity[id], public...)
		}
	}
	ids := make([]string, 0, len(byIdentity))
	for id := range byIdentity {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	perms := make([]*livekit.TrackPermission, 0, len(ids))
	for _, id := range ids {
		sids := byIdentity[id]
		slices.Sort(sids)
		perms = append(perms, &livekit.TrackPermission{
			ParticipantIdentity: id,
			TrackSids:           slices.Compact(sids),
		})
	}
	return perms
}

func (r *roomSession) SetSubscriptions(ctx context.Context, identity string, trackSIDs []string, subscribe bool) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if len(trackSIDs) == 0 {
		return nil
	}
	_, err := r.svc.UpdateSubscriptions(ctx, &livekit.UpdateSubscriptionsRequest{
		Room:      r.name,
		Identity:  identity,
		TrackSids: trackSIDs,
		Subscribe: subscribe,
	})
	if err != nil {
		var te twirp.Error
		if errors.As(err, &te) && te.Code() == twirp.NotFound {
			return fmt.Errorf("livekit: update subscriptions for %q: %s: %w", identity, te.Msg(), transport.ErrParticipantNotFound)
		}
		return fmt.Errorf("livekit: update subscriptions for %q: %v: %w", identity, err, transport.ErrUnavailable)
	}
	return nil
}

func (r *roomSession) PublishData(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	room := r.room
	closed := r.closed
	r.mu.Unlock()
	if closed || room == nil {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := room.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), lksdk.WithDataPublishReliable(true))
	if err != nil {
		return fmt.Errorf("livekit: publish data: %v: %w", err, transport.ErrUnavailable)
	}
	return nil
}

func (r *roomSession) Close() error {
	r.shutdown(true)
	return nil
}

// shutdown tears the session down exactly once. disconnect is false when
// the server already dropped the connection, in which case there is nothing
// left to hang up.
func (r *roomSession) shutdown(disconnect bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	room := r.room
	sources := make([]*micSource, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	writers := make([]*trackWriter, 0, len(r.writers))
	for _, w := range r.writers {
		writers = append(writers, w)
	}
	r.mu.Unlock()

	for _, s := range sources {
		_ = s.Close()
	}
	for _, w := range writers {
		_ = w.Close()
	}
	if disconnect && room != nil {
		room.Disconnect()
	}

	r.emitMu.Lock()
	close(r.events)
	r.emitMu.Unlock()
	close(r.done)
}

// ---- SDK callbacks ----

func (r *roomSession) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	r.emit(transport.Event{
		Kind:     transport.ParticipantJoined,
		Identity: rp.Identity(),
		Metadata: rp.Metadata(),
	})
	// Late joiners must be folded into the permission set so public tracks
	// stay visible to them.
	r.mu.Lock()
	if !r.closed && len(r.restricted) > 0 && len(r.public) > 0 {
		r.applyPermissionsLocked()
	}
	r.mu.Unlock()
}

func (r *roomSession) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	r.emit(transport.Event{
		Kind:     transport.ParticipantLeft,
		Identity: rp.Identity(),
	})
}

func (r *roomSession) onMetadataChanged(oldMetadata string, p lksdk.Participant) {
	if p.Identity() == r.identity {
		return
	}
	r.emit(transport.Event{
		Kind:     transport.MetadataChanged,
		Identity: p.Identity(),
		Metadata: p.Metadata(),
	})
}

func (r *roomSession) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if pub.Kind() != lksdk.TrackKindAudio {
		return
	}
	r.emit(transport.Event{
		Kind:     transport.TrackPublished,
		Identity: rp.Identity(),
		Track:    remoteTrackInfo(pub, rp.Identity()),
	})
}

func (r *roomSession) onTrackUnpublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if pub.Kind() != lksdk.TrackKindAudio {
		return
	}
	r.emit(transport.Event{
		Kind:     transport.TrackUnpublished,
		Identity: rp.Identity(),
		Track:    remoteTrackInfo(pub, rp.Identity()),
	})
}

func (r *roomSession) onTrackSubscribed(tr *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.mu.Lock()
	waiter, ok := r.pending[pub.SID()]
	if ok {
		delete(r.pending, pub.SID())
	}
	r.mu.Unlock()
	if ok {
		waiter <- tr
		return
	}
	slog.Debug("unrequested track subscription",
		"room", r.name, "track", pub.SID(), "participant", rp.Identity())
}

func (r *roomSession) onDisconnected() {
	r.shutdown(false)
}

// emit delivers an event without ever blocking an SDK callback. On a full
// channel the oldest event is dropped; reconciliation recovers whatever the
// coordinator missed.
func (r *roomSession) emit(ev transport.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.events <- ev:
		return
	default:
	}
	select {
	case <-r.events:
		slog.Warn("room event dropped", "room", r.name, "kind", ev.Kind.String())
	default:
	}
	select {
	case r.events <- ev:
	default:
	}
}

// ---- lookups ----

func findParticipant(room *lksdk.Room, identity string) *lksdk.RemoteParticipant {
	if room == nil {
		return nil
	}
	for _, rp := range room.GetRemoteParticipants() {
		if rp.Identity() == identity {
			return rp
		}
	}
	return nil
}

// micPublication picks the participant's capture track. Browser clients tag
// it as MICROPHONE; bare SDK publishers often leave the source unset, so any
// untagged audio track counts as well.
func micPublication(rp *lksdk.RemoteParticipant) *lksdk.RemoteTrackPublication {
	var fallback *lksdk.RemoteTrackPublication
	for _, pub := range rp.TrackPublications() {
		remote, ok := pub.(*lksdk.RemoteTrackPublication)
		if !ok || remote.Kind() != lksdk.TrackKindAudio {
			continue
		}
		switch remote.Source() {
		case livekit.TrackSource_MICROPHONE:
			return remote
		case livekit.TrackSource_UNKNOWN:
			if fallback == nil {
				fallback = remote
			}
		}
	}
	return fallback
}

func remoteTrackInfo(pub lksdk.TrackPublication, identity string) transport.TrackInfo {
	return transport.TrackInfo{
		SID:                 pub.SID(),
		Name:                pub.Name(),
		Microphone:          pub.Source() == livekit.TrackSource_MICROPHONE || pub.Source() == livekit.TrackSource_UNKNOWN,
		ParticipantIdentity: identity,
	}
}
