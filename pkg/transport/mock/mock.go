// Package mock provides scriptable in-memory implementations of the
// transport interfaces for tests. Rooms are assembled by hand: tests set
// the participant snapshot, emit lifecycle events, and push frames into
// microphone sources, then assert on the calls the code under test made.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Connector   = (*Connector)(nil)
	_ transport.Room        = (*Room)(nil)
	_ transport.AudioSource = (*Source)(nil)
	_ transport.AudioWriter = (*Writer)(nil)
)

// ---- Connector ----

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	Ctx context.Context
	Req transport.JoinRequest
}

// Connector is a mock transport.Connector.
type Connector struct {
	mu sync.Mutex

	// Room is returned by Connect when ConnectFunc and ConnectErr are unset.
	Room transport.Room

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// ConnectFunc, when set, overrides the canned behaviour entirely.
	ConnectFunc func(ctx context.Context, req transport.JoinRequest) (transport.Room, error)

	// ConnectCalls records every invocation in order.
	ConnectCalls []ConnectCall
}

func (c *Connector) Connect(ctx context.Context, req transport.JoinRequest) (transport.Room, error) {
	c.mu.Lock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Req: req})
	fn := c.ConnectFunc
	err := c.ConnectErr
	room := c.Room
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

// CallCount returns the number of Connect invocations so far.
func (c *Connector) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ConnectCalls)
}

// Reset clears recorded calls while keeping the configured behaviour.
func (c *Connector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = nil
}

// ---- Room ----

// PublishTrackCall records one PublishTrack invocation.
type PublishTrackCall struct {
	Name    string
	Allowed []string
}

// SetSubscriptionsCall records one SetSubscriptions invocation.
type SetSubscriptionsCall struct {
	Identity  string
	TrackSIDs []string
	Subscribe bool
}

// Room is a mock transport.Room. Construct it with NewRoom, then drive the
// code under test by emitting events and pushing microphone frames.
type Room struct {
	mu sync.Mutex

	// RoomName and Identity are echoed by Name and LocalIdentity.
	RoomName string
	Identity string

	// OpenMicrophoneErr, PublishTrackErr, SetSubscriptionsErr,
	// PublishDataErr, and CloseErr, when set, are returned by the matching
	// method.
	OpenMicrophoneErr   error
	PublishTrackErr     error
	SetSubscriptionsErr error
	PublishDataErr      error
	CloseErr            error

	// OpenMicrophoneCalls, PublishTrackCalls, SetSubscriptionsCalls, and
	// PublishedData record every invocation in order.
	OpenMicrophoneCalls   []string
	PublishTrackCalls     []PublishTrackCall
	SetSubscriptionsCalls []SetSubscriptionsCall
	PublishedData         [][]byte

	// CloseCallCount increments on every Close, including repeats.
	CloseCallCount int

	participants []transport.ParticipantInfo
	events       chan transport.Event
	sources      map[string]*Source
	writers      []*Writer
	sidSeq       int
	closed       bool
}

// NewRoom creates a connected mock room.
func NewRoom(name, identity string) *Room {
	return &Room{
		RoomName: name,
		Identity: identity,
		events:   make(chan transport.Event, 64),
		sources:  make(map[string]*Source),
	}
}

func (r *Room) Name() string { return r.RoomName }

func (r *Room) LocalIdentity() string { return r.Identity }

func (r *Room) Participants() []transport.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]transport.ParticipantInfo, len(r.participants))
	copy(snap, r.participants)
	return snap
}

func (r *Room) Events() <-chan transport.Event { return r.events }

func (r *Room) OpenMicrophone(ctx context.Context, identity string) (transport.AudioSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenMicrophoneCalls = append(r.OpenMicrophoneCalls, identity)
	if r.closed {
		return nil, transport.ErrClosed
	}
	if r.OpenMicrophoneErr != nil {
		return nil, r.OpenMicrophoneErr
	}
	if src, open := r.sources[identity]; open && !src.isClosed() {
		return nil, fmt.Errorf("mock: microphone of %q: %w", identity, transport.ErrTrackInUse)
	}
	src := NewSource()
	r.sources[identity] = src
	return src, nil
}

func (r *Room) PublishTrack(ctx context.Context, name string, allowed []string) (transport.AudioWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := PublishTrackCall{Name: name, Allowed: append([]string(nil), allowed...)}
	r.PublishTrackCalls = append(r.PublishTrackCalls, call)
	if r.closed {
		return nil, transport.ErrClosed
	}
	if r.PublishTrackErr != nil {
		return nil, r.PublishTrackErr
	}
	r.sidSeq++
	w := &Writer{
		TrackSID:  fmt.Sprintf("TR_mock_%d", r.sidSeq),
		TrackName: name,
	}
	r.writers = append(r.writers, w)
	return w, nil
}

func (r *Room) SetSubscriptions(ctx context.Context, identity string, trackSIDs []string, subscribe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SetSubscriptionsCalls = append(r.SetSubscriptionsCalls, SetSubscriptionsCall{
		Identity:  identity,
		TrackSIDs: append([]string(nil), trackSIDs...),
		Subscribe: subscribe,
	})
	if r.closed {
		return transport.ErrClosed
	}
	return r.SetSubscriptionsErr
}

func (r *Room) PublishData(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PublishedData = append(r.PublishedData, append([]byte(nil), payload...))
	if r.closed {
		return transport.ErrClosed
	}
	return r.PublishDataErr
}

func (r *Room) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.events)
	for _, src := range r.sources {
		src.End()
	}
	return r.CloseErr
}

// ---- test controls ----

// SetParticipants replaces the participant snapshot returned by Participants.
func (r *Room) SetParticipants(list []transport.ParticipantInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = append([]transport.ParticipantInfo(nil), list...)
}

// Emit delivers an event to the room's event channel. It never blocks: on a
// full channel the oldest event is dropped, matching real adapters.
func (r *Room) Emit(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
		return
	default:
	}
	select {
	case <-r.events:
	default:
	}
	select {
	case r.events <- ev:
	default:
	}
}

// Microphone returns the source handed out for identity, or nil if none was
// opened.
func (r *Room) Microphone(identity string) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources[identity]
}

// Writers returns every writer handed out by PublishTrack, in order.
func (r *Room) Writers() []*Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Writer(nil), r.writers...)
}

// WriterByName returns the most recent writer published under name, or nil.
func (r *Room) WriterByName(name string) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.writers) - 1; i >= 0; i-- {
		if r.writers[i].TrackName == name {
			return r.writers[i]
		}
	}
	return nil
}

// Reset clears recorded calls while keeping participants, sources, and
// writers intact.
func (r *Room) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenMicrophoneCalls = nil
	r.PublishTrackCalls = nil
	r.SetSubscriptionsCalls = nil
	r.PublishedData = nil
	r.CloseCallCount = 0
}

// ---- Source ----

// Source is a mock transport.AudioSource fed by the test.
type Source struct {
	mu sync.Mutex

	// CloseCallCount increments on every Close, including repeats.
	CloseCallCount int

	frames chan audio.Frame
	closed bool
}

// NewSource creates a source with a buffered frame channel.
func NewSource() *Source {
	return &Source{frames: make(chan audio.Frame, 64)}
}

func (s *Source) Frames() <-chan audio.Frame { return s.frames }

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked()
	return nil
}

// Push delivers one frame to the consumer. Frames pushed after the source
// ended are discarded.
func (s *Source) Push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- f
}

// End closes the frame channel, simulating the track going away.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Source) endLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ---- Writer ----

// Writer is a mock transport.AudioWriter that records written frames.
type Writer struct {
	mu sync.Mutex

	// TrackSID and TrackName are echoed by SID and Name.
	TrackSID  string
	TrackName string

	// WriteFrameErr, when set, is returned by WriteFrame.
	WriteFrameErr error

	// CloseCallCount increments on every Close, including repeats.
	CloseCallCount int

	frames []audio.Frame
	closed bool
}

func (w *Writer) WriteFrame(frame audio.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return transport.ErrClosed
	}
	if w.WriteFrameErr != nil {
		return w.WriteFrameErr
	}
	w.frames = append(w.frames, frame)
	return nil
}

func (w *Writer) SID() string { return w.TrackSID }

func (w *Writer) Name() string { return w.TrackName }

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.CloseCallCount++
	w.closed = true
	return nil
}

// Written returns a copy of every frame written so far.
func (w *Writer) Written() []audio.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audio.Frame(nil), w.frames...)
}

// Closed reports whether the writer has been closed.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
