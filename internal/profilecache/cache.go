// Package profilecache keeps process-local TTL-bounded snapshots of user
// profiles so pipeline construction never waits on the profile store.
//
// Snapshots are captured into pipelines at construction time, so there is
// no cross-process coherence requirement: a stale snapshot is corrected the
// next time a pipeline is built after the TTL lapses or after an explicit
// Invalidate from the profile CRUD path.
//
// A participant with no stored profile still gets pipelines: the miss path
// synthesizes a default snapshot (English, the language's default voice,
// relaxed preferences) and records a profile_defaulted diagnostic.
package profilecache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/polyglossa/internal/diag"
	"github.com/MrWong99/polyglossa/internal/store"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// Defaults for [Config].
const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

// Config assembles a [Cache].
type Config struct {
	// Store is the profile persistence backing the miss path.
	Store store.Profiles

	// DefaultVoice supplies the voice for synthesized default profiles,
	// typically catalog.DefaultVoice.
	DefaultVoice func(types.Language) types.VoiceAvatar

	// TTL is how long a snapshot stays served. Default 30m.
	TTL time.Duration

	// SweepInterval is how often [Cache.Run] evicts expired entries.
	// Default 10m.
	SweepInterval time.Duration

	// Diag defaults to a no-op sink. Logger defaults to slog.Default.
	Diag   diag.Sink
	Logger *slog.Logger
}

// Cache is a TTL map from identity to profile snapshot. Safe for concurrent
// use; concurrent misses for the same identity share one store fetch.
type Cache struct {
	store        store.Profiles
	defaultVoice func(types.Language) types.VoiceAvatar
	ttl          time.Duration
	sweep        time.Duration
	diags        diag.Sink
	log          *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	profile  types.UserProfile
	cachedAt time.Time
}

// New builds a cache around cfg.Store.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("profilecache: Store is required")
	}
	if cfg.DefaultVoice == nil {
		return nil, errors.New("profilecache: DefaultVoice is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Diag == nil {
		cfg.Diag = diag.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		store:        cfg.Store,
		defaultVoice: cfg.DefaultVoice,
		ttl:          cfg.TTL,
		sweep:        cfg.SweepInterval,
		diags:        cfg.Diag,
		log:          cfg.Logger,
		entries:      make(map[string]entry),
	}, nil
}

// Get returns the cached snapshot for identity, fetching and caching on a
// miss. A store miss synthesizes a default profile and caches it; a store
// failure synthesizes a default without caching it, so the next Get retries
// the store. The only hard error is context cancellation.
func (c *Cache) Get(ctx context.Context, identity string) (types.UserProfile, error) {
	if p, ok := c.lookup(identity); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(identity, func() (any, error) {
		// Re-check under the flight: a Put may have landed meanwhile.
		if p, ok := c.lookup(identity); ok {
			return p, nil
		}
		p, err := c.store.GetProfile(ctx, identity)
		switch {
		case err == nil:
			c.insert(p)
			return p, nil
		case errors.Is(err, store.ErrNotFound):
			p = c.synthesize(ctx, identity, "no stored profile")
			c.insert(p)
			return p, nil
		case ctx.Err() != nil:
			return types.UserProfile{}, ctx.Err()
		default:
			c.log.Warn("profile fetch failed, serving default",
				slog.String("identity", identity), slog.String("error", err.Error()))
			return c.synthesize(ctx, identity, "profile store unavailable"), nil
		}
	})
	if err != nil {
		return types.UserProfile{}, err
	}
	return v.(types.UserProfile), nil
}

// Put pre-populates the cache with a fresh snapshot. The profile CRUD path
// calls it after writes so the next pipeline build sees the new settings.
func (c *Cache) Put(profile types.UserProfile) {
	c.insert(profile)
}

// Invalidate drops the snapshot for identity, forcing the next Get to the
// store.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identity)
}

// Size returns the number of live entries, expired ones included until the
// sweeper runs.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps expired entries until ctx is cancelled. It always returns
// ctx.Err().
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.evictExpired(); n > 0 {
				c.log.Debug("profile cache swept", slog.Int("evicted", n))
			}
		}
	}
}

func (c *Cache) lookup(identity string) (types.UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identity]
	if !ok || time.Since(e.cachedAt) >= c.ttl {
		return types.UserProfile{}, false
	}
	return e.profile, true
}

func (c *Cache) insert(p types.UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.Identity] = entry{profile: p, cachedAt: time.Now()}
}

func (c *Cache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if time.Since(e.cachedAt) >= c.ttl {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// synthesize builds the default snapshot for an identity with no usable
// stored profile and records the diagnostic.
func (c *Cache) synthesize(ctx context.Context, identity, reason string) types.UserProfile {
	lang := types.LangEnglish
	p := types.UserProfile{
		Identity:       identity,
		NativeLanguage: lang,
		Avatar:         c.defaultVoice(lang),
		UpdatedAt:      time.Now(),
	}
	c.log.Info("profile defaulted",
		slog.String("identity", identity), slog.String("reason", reason))
	rec := diag.New(diag.KindProfileDefaulted, "", identity, "", reason)
	if err := c.diags.Emit(ctx, rec); err != nil {
		c.log.Warn("diagnostic emit failed", slog.String("error", err.Error()))
	}
	return p
}
