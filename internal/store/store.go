// Package store defines the persistence interfaces for the three durable
// data sets the worker host touches: user profiles, room records, and the
// voice catalog.
//
// The worker never implements the surrounding application's HTTP CRUD; it
// consumes these interfaces from the profile cache (miss path), the catalog
// loader (seeding), and room-job teardown (deactivation for audit). The
// in-memory implementation in this package backs tests and catalog-only
// deployments; internal/store/postgres provides the durable one.
//
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/polyglossa/pkg/types"
)

// ErrNotFound is returned by lookups when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateID is returned by CreateRoom when a room with the same non-empty
// id already exists.
var ErrDuplicateID = errors.New("store: record with that id already exists")

// Profiles manages user profile records.
type Profiles interface {
	// GetProfile retrieves the profile for identity.
	// Returns [ErrNotFound] when no profile is stored for that identity.
	GetProfile(ctx context.Context, identity string) (types.UserProfile, error)

	// PutProfile creates or replaces the profile keyed by profile.Identity.
	// The stored UpdatedAt is refreshed; the returned profile carries it.
	PutProfile(ctx context.Context, profile types.UserProfile) (types.UserProfile, error)

	// DeleteProfile removes the profile for identity.
	// Returns [ErrNotFound] when no profile is stored for that identity.
	DeleteProfile(ctx context.Context, identity string) error
}

// Rooms manages room records. Records are retained after deactivation for
// audit; deletion is intentionally absent.
type Rooms interface {
	// CreateRoom persists a new room. When room.RoomID is empty a fresh id
	// is minted and a name is derived from the room type if RoomName is
	// also empty. Translation rooms are capped at two participants.
	// Returns [ErrDuplicateID] when the (non-empty) id already exists.
	CreateRoom(ctx context.Context, room types.Room) (types.Room, error)

	// GetRoom retrieves a room by id.
	// Returns [ErrNotFound] when no room with that id exists.
	GetRoom(ctx context.Context, roomID string) (types.Room, error)

	// GetRoomByName retrieves a room by its transport-level name.
	// Returns [ErrNotFound] when no room with that name exists.
	GetRoomByName(ctx context.Context, roomName string) (types.Room, error)

	// ListActiveRooms returns every room currently marked active.
	ListActiveRooms(ctx context.Context) ([]types.Room, error)

	// DeactivateRoom marks the room inactive, keeping the record.
	// Returns [ErrNotFound] when no room with that id exists.
	DeactivateRoom(ctx context.Context, roomID string) error
}

// Voices manages the voice catalog. The catalog is read-mostly: the seed
// loader upserts at startup and operators may upsert at runtime without a
// coordinator restart.
type Voices interface {
	// GetVoice retrieves a catalog entry by voice id.
	// Returns [ErrNotFound] when the id is not in the catalog.
	GetVoice(ctx context.Context, voiceID string) (types.VoiceAvatar, error)

	// ListVoices returns catalog entries for one language, or the whole
	// catalog when lang is empty. Results are ordered by language, then
	// display name.
	ListVoices(ctx context.Context, lang types.Language) ([]types.VoiceAvatar, error)

	// UpsertVoice creates or replaces a catalog entry keyed by VoiceID.
	UpsertVoice(ctx context.Context, voice types.VoiceAvatar) error
}

// Store is the combined persistence surface handed to the worker host.
type Store interface {
	Profiles
	Rooms
	Voices
}
