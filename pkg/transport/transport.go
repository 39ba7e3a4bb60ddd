// Package transport defines the interfaces and types for voice-room
// connectivity and track management within Polyglossa.
//
// The two primary abstractions are:
//
//   - [Connector] — joins a named room as the interpretation agent and
//     returns a [Room].
//   - [Room] — represents an active session in that room, giving callers
//     per-speaker microphone streams, published translated tracks,
//     subscription control for listeners, and lifecycle events.
//
// Implementations of these interfaces are provided by transport-specific
// adapter packages (e.g., transport/livekit). The interfaces are
// intentionally narrow: the router and coordinator never see SDK types,
// only frames, identities, and track descriptors.
//
// This package lives under pkg/ because external code (third-party room
// transports) is expected to implement [Connector] and [Room].
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/polyglossa/pkg/audio"
)

// Sentinel errors returned by [Room] operations. Adapters wrap backend
// failures into exactly one of these so callers can classify them with
// errors.Is.
var (
	// ErrClosed is returned by operations on a room that has been closed,
	// either locally via [Room.Close] or by a server-side disconnect.
	ErrClosed = errors.New("transport: room closed")

	// ErrParticipantNotFound is returned when the named identity is not
	// present in the room.
	ErrParticipantNotFound = errors.New("transport: participant not found")

	// ErrTrackNotFound is returned when a participant has no track matching
	// the request (e.g. opening a microphone for someone who never
	// published one).
	ErrTrackNotFound = errors.New("transport: track not found")

	// ErrTrackInUse is returned by [Room.OpenMicrophone] when the track
	// already has an open source. A microphone has a single reader; fan-out
	// to multiple pipelines happens above the transport.
	ErrTrackInUse = errors.New("transport: track already in use")

	// ErrUnavailable covers network failures, signalling errors, and
	// server-side rejections that are not tied to a specific participant
	// or track.
	ErrUnavailable = errors.New("transport: unavailable")

	// ErrAuthFailure is returned when the transport rejects the agent's
	// credentials. Unlike [ErrUnavailable] this does not heal with time;
	// the worker host exits with its dedicated code on seeing it.
	ErrAuthFailure = errors.New("transport: authentication failed")
)

// EventKind classifies room lifecycle events emitted by a [Room].
type EventKind int

const (
	// ParticipantJoined is emitted when a participant enters the room.
	ParticipantJoined EventKind = iota

	// ParticipantLeft is emitted when a participant leaves the room.
	ParticipantLeft

	// MetadataChanged is emitted when a participant's metadata payload
	// changes, typically a language or avatar selection.
	MetadataChanged

	// TrackPublished is emitted when a participant publishes a new track.
	TrackPublished

	// TrackUnpublished is emitted when a participant's track goes away.
	TrackUnpublished
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case ParticipantJoined:
		return "JOINED"
	case ParticipantLeft:
		return "LEFT"
	case MetadataChanged:
		return "METADATA"
	case TrackPublished:
		return "TRACK_PUBLISHED"
	case TrackUnpublished:
		return "TRACK_UNPUBLISHED"
	default:
		return "UNKNOWN"
	}
}

// TrackInfo describes a single audio track in the room.
type TrackInfo struct {
	// SID is the transport-assigned unique id of the track. Subscription
	// changes are keyed by SID.
	SID string

	// Name is the publish-time track name. Translated tracks follow the
	// "translated:{speaker}:{listener}" convention; microphone tracks keep
	// whatever name the client chose.
	Name string

	// Microphone is true for a participant's primary capture track.
	Microphone bool

	// ParticipantIdentity is the identity of the publishing participant.
	ParticipantIdentity string
}

// ParticipantInfo is a point-in-time snapshot of a remote participant.
type ParticipantInfo struct {
	// Identity is the room-unique participant identity.
	Identity string

	// Metadata is the raw metadata payload attached to the participant.
	// The coordinator parses language and avatar selections out of it.
	Metadata string

	// Tracks lists the participant's currently published audio tracks.
	Tracks []TrackInfo
}

// Event describes a room lifecycle change. Values are delivered on the
// channel returned by [Room.Events].
type Event struct {
	// Kind indicates what changed.
	Kind EventKind

	// Identity is the participant the event concerns.
	Identity string

	// Metadata carries the participant's metadata payload for
	// [ParticipantJoined] and [MetadataChanged] events.
	Metadata string

	// Track is populated for [TrackPublished] and [TrackUnpublished].
	Track TrackInfo
}

// AudioSource delivers decoded PCM from one remote participant's
// microphone track.
//
// Implementations decode the transport codec and emit frames in the room
// transport format (48 kHz mono). The channel returned by Frames is owned
// by the source and is closed when the track ends or the source is closed.
type AudioSource interface {
	// Frames returns the read-only stream of decoded audio. The channel is
	// buffered; when a consumer stalls, implementations drop the oldest
	// frames rather than block the network read loop.
	Frames() <-chan audio.Frame

	// Close unsubscribes from the track and releases the decoder. It is
	// safe to call more than once.
	Close() error
}

// AudioWriter accepts PCM for one published track and encodes it into the
// room.
//
// Implementations must be safe for concurrent use. WriteFrame after Close
// returns [ErrClosed].
type AudioWriter interface {
	// WriteFrame encodes and sends one frame. Frames must be in the room
	// transport format (48 kHz mono); implementations packetize internally,
	// so frame boundaries need not align with codec packet boundaries.
	WriteFrame(frame audio.Frame) error

	// SID returns the transport-assigned id of the published track, known
	// once publishing completes.
	SID() string

	// Name returns the publish-time track name.
	Name() string

	// Close unpublishes the track. It is safe to call more than once.
	Close() error
}

// Room represents an active agent session in a voice room.
//
// A Room is obtained from [Connector.Connect] and remains valid until
// [Room.Close] is called or the server disconnects the agent. All channels
// returned by Room methods are closed when the room terminates.
//
// Implementations must be safe for concurrent use.
type Room interface {
	// Name returns the room name the agent joined.
	Name() string

	// LocalIdentity returns the agent's own participant identity.
	LocalIdentity() string

	// Participants returns a snapshot of the current remote participants.
	// The agent itself is not included.
	Participants() []ParticipantInfo

	// Events returns the room lifecycle event stream. The channel is
	// buffered; when a consumer stalls, implementations drop the oldest
	// events rather than block. Missed events are recovered by the
	// coordinator's periodic reconciliation pass.
	Events() <-chan Event

	// OpenMicrophone subscribes to the named participant's microphone
	// track and returns a decoded audio source. Returns
	// [ErrParticipantNotFound] if the identity is unknown,
	// [ErrTrackNotFound] if the participant has no microphone track yet,
	// and [ErrTrackInUse] if the track already has an open source.
	OpenMicrophone(ctx context.Context, identity string) (AudioSource, error)

	// PublishTrack publishes a new audio track under the given name,
	// restricted so that only the identities in allowed may subscribe to
	// it. An empty allowed list leaves the track visible to everyone.
	PublishTrack(ctx context.Context, name string, allowed []string) (AudioWriter, error)

	// SetSubscriptions subscribes or unsubscribes the named participant
	// to/from the given tracks, server-side. This is how the router
	// switches a listener between a speaker's original track and their
	// translated one.
	SetSubscriptions(ctx context.Context, identity string, trackSIDs []string, subscribe bool) error

	// PublishData sends a reliable data payload to all participants.
	// Diagnostics records ride this channel.
	PublishData(ctx context.Context, payload []byte) error

	// Close leaves the room, unpublishes all local tracks, and closes all
	// channels handed out by this Room. It is safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// JoinRequest carries the parameters for joining a room as the
// interpretation agent.
type JoinRequest struct {
	// RoomName is the transport-level room to join.
	RoomName string

	// Identity is the participant identity the agent joins under.
	Identity string

	// Metadata is an optional metadata payload to attach to the agent's
	// own participant record.
	Metadata string
}

// Connector is the entry point for a room-transport provider.
// Implementations wrap provider-specific SDKs and expose a uniform [Room]
// abstraction.
//
// Implementations must be safe for concurrent use.
type Connector interface {
	// Connect joins the named room and returns an active [Room]. The
	// supplied ctx governs the lifetime of the connection attempt only;
	// once joined, the Room remains alive until [Room.Close] is called.
	Connect(ctx context.Context, req JoinRequest) (Room, error)
}
