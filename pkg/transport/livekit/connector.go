// Package livekit provides a [transport.Connector] implementation backed by
// LiveKit rooms via the livekit/server-sdk-go library. It bridges LiveKit's
// Opus-based WebRTC transport with Polyglossa's PCM [audio.Frame] pipeline.
//
// The connector mints its own agent access tokens from the configured API
// key pair, so callers only supply a room name and identity. Each call to
// [Connector.Connect] joins the room with auto-subscribe disabled: the agent
// subscribes to exactly the microphone tracks the coordinator asks for and
// nothing else.
//
// Listener subscription changes go through the LiveKit RoomService API
// rather than the client session, because only the server may change another
// participant's subscriptions.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/MrWong99/polyglossa/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Connector = (*Connector)(nil)

// defaultTokenTTL bounds how long a minted agent token stays valid. Rooms
// outliving the TTL are unaffected: the token is only checked at join time.
const defaultTokenTTL = 6 * time.Hour

// Option configures a Connector.
type Option func(*Connector)

// WithTokenTTL overrides the validity window of minted agent tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Connector) {
		if ttl > 0 {
			c.tokenTTL = ttl
		}
	}
}

// Connector implements [transport.Connector] against a LiveKit deployment.
//
// Connector is safe for concurrent use.
type Connector struct {
	url       string
	apiKey    string
	apiSecret string
	tokenTTL  time.Duration

	svc *lksdk.RoomServiceClient
}

// New creates a Connector for the LiveKit deployment at url. The url may be
// given in ws(s) or http(s) form; both the signalling connection and the
// RoomService client derive their scheme from it.
func New(url, apiKey, apiSecret string, opts ...Option) (*Connector, error) {
	if url == "" {
		return nil, errors.New("livekit: url must not be empty")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("livekit: api key and secret must not be empty")
	}
	c := &Connector{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		tokenTTL:  defaultTokenTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.svc = lksdk.NewRoomServiceClient(lksdk.ToHttpURL(url), apiKey, apiSecret)
	return c, nil
}

// Connect joins the named room as the interpretation agent and returns an
// active [transport.Room]. The supplied ctx governs the connection attempt
// only; once joined, the room lives until [transport.Room.Close] is called
// or the server disconnects the agent.
func (c *Connector) Connect(ctx context.Context, req transport.JoinRequest) (transport.Room, error) {
	if req.RoomName == "" {
		return nil, errors.New("livekit: room name must not be empty")
	}
	if req.Identity == "" {
		return nil, errors.New("livekit: identity must not be empty")
	}

	token, err := c.mintToken(req)
	if err != nil {
		return nil, fmt.Errorf("livekit: mint token for room %q: %w", req.RoomName, err)
	}

	r := newRoomSession(req.RoomName, req.Identity, c.svc)
	room, err := lksdk.ConnectToRoomWithToken(
		lksdk.ToWebsocketURL(c.url),
		token,
		r.callbacks(),
		lksdk.WithAutoSubscribe(false),
	)
	if err != nil {
		return nil, fmt.Errorf("livekit: connect to room %q: %v: %w", req.RoomName, err, transport.ErrUnavailable)
	}
	if err := r.bind(room); err != nil {
		room.Disconnect()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Ping verifies connectivity and credentials against the RoomService API
// with a cheap room listing. A rejected key pair maps to
// [transport.ErrAuthFailure]; anything else unreachable maps to
// [transport.ErrUnavailable]. The worker host probes this at startup and
// from its readiness checker.
func (c *Connector) Ping(ctx context.Context) error {
	_, err := c.svc.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err == nil {
		return nil
	}
	var te twirp.Error
	if errors.As(err, &te) {
		switch te.Code() {
		case twirp.Unauthenticated, twirp.PermissionDenied:
			return fmt.Errorf("livekit: ping: %v: %w", err, transport.ErrAuthFailure)
		}
	}
	return fmt.Errorf("livekit: ping: %v: %w", err, transport.ErrUnavailable)
}

// mintToken builds a signed agent access token for the requested room. The
// agent joins as an AGENT-kind participant with publish, subscribe, and data
// permissions; it never needs room-admin rights because subscription changes
// for other participants go through the RoomService client instead.
func (c *Connector) mintToken(req transport.JoinRequest) (string, error) {
	yes := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           req.RoomName,
		CanPublish:     &yes,
		CanSubscribe:   &yes,
		CanPublishData: &yes,
	}
	at := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(req.Identity).
		SetKind(livekit.ParticipantInfo_AGENT).
		SetValidFor(c.tokenTTL)
	if req.Metadata != "" {
		at.SetMetadata(req.Metadata)
	}
	return at.ToJWT()
}
