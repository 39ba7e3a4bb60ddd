package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/polyglossa/pkg/types"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It backs tests and catalog-only deployments without Postgres.
type MemStore struct {
	mu       sync.RWMutex
	profiles map[string]types.UserProfile
	rooms    map[string]types.Room
	voices   map[string]types.VoiceAvatar
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		profiles: make(map[string]types.UserProfile),
		rooms:    make(map[string]types.Room),
		voices:   make(map[string]types.VoiceAvatar),
	}
}

// GetProfile implements [Profiles.GetProfile].
func (s *MemStore) GetProfile(ctx context.Context, identity string) (types.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[identity]
	if !ok {
		return types.UserProfile{}, fmt.Errorf("profile %q: %w", identity, ErrNotFound)
	}
	return p, nil
}

// PutProfile implements [Profiles.PutProfile].
func (s *MemStore) PutProfile(ctx context.Context, profile types.UserProfile) (types.UserProfile, error) {
	if profile.Identity == "" {
		return types.UserProfile{}, fmt.Errorf("store: profile identity must not be empty")
	}
	profile.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.Identity] = profile
	return profile, nil
}

// DeleteProfile implements [Profiles.DeleteProfile].
func (s *MemStore) DeleteProfile(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[identity]; !ok {
		return fmt.Errorf("profile %q: %w", identity, ErrNotFound)
	}
	delete(s.profiles, identity)
	return nil
}

// CreateRoom implements [Rooms.CreateRoom].
func (s *MemStore) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	room = NormalizeRoom(room)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.RoomID]; exists {
		return types.Room{}, fmt.Errorf("room %q: %w", room.RoomID, ErrDuplicateID)
	}
	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now
	s.rooms[room.RoomID] = room
	return room, nil
}

// GetRoom implements [Rooms.GetRoom].
func (s *MemStore) GetRoom(ctx context.Context, roomID string) (types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return r, nil
}

// GetRoomByName implements [Rooms.GetRoomByName].
func (s *MemStore) GetRoomByName(ctx context.Context, roomName string) (types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rooms {
		if r.RoomName == roomName {
			return r, nil
		}
	}
	return types.Room{}, fmt.Errorf("room named %q: %w", roomName, ErrNotFound)
}

// ListActiveRooms implements [Rooms.ListActiveRooms].
func (s *MemStore) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.IsActive {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoomID < result[j].RoomID })
	return result, nil
}

// DeactivateRoom implements [Rooms.DeactivateRoom].
func (s *MemStore) DeactivateRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	r.IsActive = false
	r.UpdatedAt = time.Now().UTC()
	s.rooms[roomID] = r
	return nil
}

// GetVoice implements [Voices.GetVoice].
func (s *MemStore) GetVoice(ctx context.Context, voiceID string) (types.VoiceAvatar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.voices[voiceID]
	if !ok {
		return types.VoiceAvatar{}, fmt.Errorf("voice %q: %w", voiceID, ErrNotFound)
	}
	return v, nil
}

// ListVoices implements [Voices.ListVoices].
func (s *MemStore) ListVoices(ctx context.Context, lang types.Language) ([]types.VoiceAvatar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.VoiceAvatar, 0, len(s.voices))
	for _, v := range s.voices {
		if lang != "" && v.Language != lang {
			continue
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Language != result[j].Language {
			return result[i].Language < result[j].Language
		}
		return result[i].DisplayName < result[j].DisplayName
	})
	return result, nil
}

// UpsertVoice implements [Voices.UpsertVoice].
func (s *MemStore) UpsertVoice(ctx context.Context, voice types.VoiceAvatar) error {
	if voice.VoiceID == "" {
		return fmt.Errorf("store: voice id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices[voice.VoiceID] = voice
	return nil
}

// NormalizeRoom fills the generated fields of a new room record: a fresh
// uuid when RoomID is empty, a type-prefixed default name when RoomName is
// empty, and the two-participant cap for translation rooms. Shared by every
// [Rooms] implementation so minted records agree across backends.
func NormalizeRoom(room types.Room) types.Room {
	if room.RoomID == "" {
		room.RoomID = uuid.NewString()
	}
	if !room.RoomType.IsValid() {
		room.RoomType = types.RoomGeneral
	}
	if room.RoomName == "" {
		short := room.RoomID
		if len(short) > 8 {
			short = short[:8]
		}
		room.RoomName = fmt.Sprintf("%s-%s", namePrefix(room.RoomType), short)
	}
	if room.RoomType == types.RoomTranslation && (room.MaxParticipants == 0 || room.MaxParticipants > 2) {
		room.MaxParticipants = 2
	}
	room.IsActive = true
	return room
}

// namePrefix returns the default room-name prefix for a room type.
func namePrefix(t types.RoomType) string {
	switch t {
	case types.RoomTranslation:
		return "Translation"
	case types.RoomConference:
		return "Conference"
	default:
		return "Meeting"
	}
}
