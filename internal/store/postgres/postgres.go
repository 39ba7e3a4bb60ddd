// Package postgres implements store.Store on PostgreSQL via pgx.
//
// The three tables mirror the persistence layout the surrounding application
// writes through its HTTP CRUD; the worker host only needs to read profiles,
// seed and serve the voice catalog, and flip room activity on teardown, but
// the full CRUD is implemented so the store works standalone.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Schema is the SQL DDL for the worker's three tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
    identity         TEXT PRIMARY KEY,
    native_language  TEXT NOT NULL,
    voice_avatar_id  TEXT NOT NULL DEFAULT '',
    voice_provider   TEXT NOT NULL DEFAULT '',
    formal_tone      BOOLEAN NOT NULL DEFAULT FALSE,
    preserve_emotion BOOLEAN NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rooms (
    room_id          TEXT PRIMARY KEY,
    room_name        TEXT NOT NULL,
    host_identity    TEXT NOT NULL DEFAULT '',
    max_participants INTEGER NOT NULL DEFAULT 0,
    is_active        BOOLEAN NOT NULL DEFAULT TRUE,
    room_type        TEXT NOT NULL DEFAULT 'general',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rooms_room_name ON rooms(room_name);
CREATE INDEX IF NOT EXISTS idx_rooms_is_active ON rooms(is_active);
CREATE TABLE IF NOT EXISTS voice_avatars (
    voice_id    TEXT PRIMARY KEY,
    provider    TEXT NOT NULL,
    name        TEXT NOT NULL,
    gender      TEXT NOT NULL DEFAULT '',
    accent      TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_avatars_language ON voice_avatars(language);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// NewStore creates a [Store] over an existing connection or pool. The caller
// is responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect establishes a connection pool to the database at dsn, pings it,
// and runs [Store.Migrate]. The returned closer shuts the pool down.
func Connect(ctx context.Context, dsn string) (*Store, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate executes the [Schema] DDL, creating the tables and indexes if they
// do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// GetProfile implements [store.Profiles.GetProfile]. The avatar is hydrated
// from the voice catalog when the referenced voice still exists; otherwise
// the snapshot keeps just the stored id and provider.
func (s *Store) GetProfile(ctx context.Context, identity string) (types.UserProfile, error) {
	const query = `
		SELECT p.identity, p.native_language, p.voice_avatar_id, p.voice_provider,
		       p.formal_tone, p.preserve_emotion, p.updated_at,
		       COALESCE(v.name, ''), COALESCE(v.gender, ''), COALESCE(v.accent, ''),
		       COALESCE(v.description, ''), COALESCE(v.language, p.native_language)
		FROM user_profiles p
		LEFT JOIN voice_avatars v ON v.voice_id = p.voice_avatar_id
		WHERE p.identity = $1`

	var (
		p    types.UserProfile
		lang string
		av   types.VoiceAvatar
		vl   string
	)
	err := s.db.QueryRow(ctx, query, identity).Scan(
		&p.Identity, &lang, &av.VoiceID, &av.Provider,
		&p.Preferences.FormalTone, &p.Preferences.PreserveEmotion, &p.UpdatedAt,
		&av.DisplayName, &av.Gender, &av.Accent,
		&av.Description, &vl,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.UserProfile{}, fmt.Errorf("profile %q: %w", identity, store.ErrNotFound)
		}
		return types.UserProfile{}, fmt.Errorf("store: get profile %q: %w", identity, err)
	}
	p.NativeLanguage = types.Language(lang)
	av.Language = types.Language(vl)
	p.Avatar = av
	return p, nil
}

// PutProfile implements [store.Profiles.PutProfile] as an upsert.
func (s *Store) PutProfile(ctx context.Context, profile types.UserProfile) (types.UserProfile, error) {
	if profile.Identity == "" {
		return types.UserProfile{}, fmt.Errorf("store: profile identity must not be empty")
	}

	const query = `
		INSERT INTO user_profiles (
			identity, native_language, voice_avatar_id, voice_provider,
			formal_tone, preserve_emotion
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (identity) DO UPDATE SET
			native_language = EXCLUDED.native_language,
			voice_avatar_id = EXCLUDED.voice_avatar_id,
			voice_provider = EXCLUDED.voice_provider,
			formal_tone = EXCLUDED.formal_tone,
			preserve_emotion = EXCLUDED.preserve_emotion,
			updated_at = now()
		RETURNING updated_at`

	err := s.db.QueryRow(ctx, query,
		profile.Identity, profile.NativeLanguage.String(),
		profile.Avatar.VoiceID, profile.Avatar.Provider,
		profile.Preferences.FormalTone, profile.Preferences.PreserveEmotion,
	).Scan(&profile.UpdatedAt)
	if err != nil {
		return types.UserProfile{}, fmt.Errorf("store: put profile %q: %w", profile.Identity, err)
	}
	return profile, nil
}

// DeleteProfile implements [store.Profiles.DeleteProfile].
func (s *Store) DeleteProfile(ctx context.Context, identity string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_profiles WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("store: delete profile %q: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %q: %w", identity, store.ErrNotFound)
	}
	return nil
}

// CreateRoom implements [store.Rooms.CreateRoom].
func (s *Store) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	room = store.NormalizeRoom(room)

	const query = `
		INSERT INTO rooms (
			room_id, room_name, host_identity, max_participants, is_active, room_type
		) VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		room.RoomID, room.RoomName, room.HostIdentity,
		room.MaxParticipants, room.IsActive, string(room.RoomType),
	).Scan(&room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return types.Room{}, fmt.Errorf("room %q: %w", room.RoomID, store.ErrDuplicateID)
		}
		return types.Room{}, fmt.Errorf("store: create room: %w", err)
	}
	return room, nil
}

// GetRoom implements [store.Rooms.GetRoom].
func (s *Store) GetRoom(ctx context.Context, roomID string) (types.Room, error) {
	const query = `
		SELECT room_id, room_name, host_identity, max_participants, is_active, room_type,
		       created_at, updated_at
		FROM rooms
		WHERE room_id = $1`
	return s.scanRoom(s.db.QueryRow(ctx, query, roomID), roomID)
}

// GetRoomByName implements [store.Rooms.GetRoomByName].
func (s *Store) GetRoomByName(ctx context.Context, roomName string) (types.Room, error) {
	const query = `
		SELECT room_id, room_name, host_identity, max_participants, is_active, room_type,
		       created_at, updated_at
		FROM rooms
		WHERE room_name = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return s.scanRoom(s.db.QueryRow(ctx, query, roomName), roomName)
}

// ListActiveRooms implements [store.Rooms.ListActiveRooms].
func (s *Store) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	const query = `
		SELECT room_id, room_name, host_identity, max_participants, is_active, room_type,
		       created_at, updated_at
		FROM rooms
		WHERE is_active
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list active rooms: %w", err)
	}
	defer rows.Close()

	var result []types.Room
	for rows.Next() {
		var (
			r  types.Room
			rt string
		)
		if err := rows.Scan(
			&r.RoomID, &r.RoomName, &r.HostIdentity, &r.MaxParticipants,
			&r.IsActive, &rt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: list active rooms scan: %w", err)
		}
		r.RoomType = types.RoomType(rt)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list active rooms: %w", err)
	}
	return result, nil
}

// DeactivateRoom implements [store.Rooms.DeactivateRoom].
func (s *Store) DeactivateRoom(ctx context.Context, roomID string) error {
	const query = `
		UPDATE rooms SET is_active = FALSE, updated_at = now()
		WHERE room_id = $1
		RETURNING updated_at`

	var discard any
	err := s.db.QueryRow(ctx, query, roomID).Scan(&discard)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("room %q: %w", roomID, store.ErrNotFound)
		}
		return fmt.Errorf("store: deactivate room %q: %w", roomID, err)
	}
	return nil
}

// GetVoice implements [store.Voices.GetVoice].
func (s *Store) GetVoice(ctx context.Context, voiceID string) (types.VoiceAvatar, error) {
	const query = `
		SELECT voice_id, provider, name, gender, accent, description, language
		FROM voice_avatars
		WHERE voice_id = $1`

	var (
		v    types.VoiceAvatar
		lang string
	)
	err := s.db.QueryRow(ctx, query, voiceID).Scan(
		&v.VoiceID, &v.Provider, &v.DisplayName, &v.Gender, &v.Accent, &v.Description, &lang,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.VoiceAvatar{}, fmt.Errorf("voice %q: %w", voiceID, store.ErrNotFound)
		}
		return types.VoiceAvatar{}, fmt.Errorf("store: get voice %q: %w", voiceID, err)
	}
	v.Language = types.Language(lang)
	return v, nil
}

// ListVoices implements [store.Voices.ListVoices].
func (s *Store) ListVoices(ctx context.Context, lang types.Language) ([]types.VoiceAvatar, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if lang == "" {
		const query = `
			SELECT voice_id, provider, name, gender, accent, description, language
			FROM voice_avatars
			ORDER BY language, name`
		rows, err = s.db.Query(ctx, query)
	} else {
		const query = `
			SELECT voice_id, provider, name, gender, accent, description, language
			FROM voice_avatars
			WHERE language = $1
			ORDER BY language, name`
		rows, err = s.db.Query(ctx, query, lang.String())
	}
	if err != nil {
		return nil, fmt.Errorf("store: list voices: %w", err)
	}
	defer rows.Close()

	var result []types.VoiceAvatar
	for rows.Next() {
		var (
			v types.VoiceAvatar
			l string
		)
		if err := rows.Scan(&v.VoiceID, &v.Provider, &v.DisplayName, &v.Gender, &v.Accent, &v.Description, &l); err != nil {
			return nil, fmt.Errorf("store: list voices scan: %w", err)
		}
		v.Language = types.Language(l)
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list voices: %w", err)
	}
	return result, nil
}

// UpsertVoice implements [store.Voices.UpsertVoice].
func (s *Store) UpsertVoice(ctx context.Context, voice types.VoiceAvatar) error {
	if voice.VoiceID == "" {
		return fmt.Errorf("store: voice id must not be empty")
	}

	const query = `
		INSERT INTO voice_avatars (
			voice_id, provider, name, gender, accent, description, language
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (voice_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			name = EXCLUDED.name,
			gender = EXCLUDED.gender,
			accent = EXCLUDED.accent,
			description = EXCLUDED.description,
			language = EXCLUDED.language,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query,
		voice.VoiceID, voice.Provider, voice.DisplayName,
		voice.Gender, voice.Accent, voice.Description, voice.Language.String(),
	); err != nil {
		return fmt.Errorf("store: upsert voice %q: %w", voice.VoiceID, err)
	}
	return nil
}

// scanRoom maps one room row, translating pgx.ErrNoRows to [store.ErrNotFound].
func (s *Store) scanRoom(row pgx.Row, key string) (types.Room, error) {
	var (
		r  types.Room
		rt string
	)
	err := row.Scan(
		&r.RoomID, &r.RoomName, &r.HostIdentity, &r.MaxParticipants,
		&r.IsActive, &rt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Room{}, fmt.Errorf("room %q: %w", key, store.ErrNotFound)
		}
		return types.Room{}, fmt.Errorf("store: get room %q: %w", key, err)
	}
	r.RoomType = types.RoomType(rt)
	return r, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
