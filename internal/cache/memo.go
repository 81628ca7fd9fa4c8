package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	appLog "smartcal/internal/log"
)

// Policy controls how long a stage's entries are served. MaxAge bounds the
// age of an entry at lookup; Expires becomes the entry's hard expiry.
type Policy struct {
	MaxAge  time.Duration
	Expires time.Duration
}

func DefaultPolicies() map[Stage]Policy {
	return map[Stage]Policy{
		StageImport:  {MaxAge: 24 * time.Hour, Expires: 48 * time.Hour},
		StageEnrich:  {MaxAge: 24 * time.Hour, Expires: 72 * time.Hour},
		StageAnalyze: {MaxAge: 12 * time.Hour, Expires: 24 * time.Hour},
	}
}

// Cache wraps a Store with per-stage policies. A nil *Cache is valid and
// never hits.
type Cache struct {
	store    Store
	policies map[Stage]Policy
	now      func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithPolicies(p map[Stage]Policy) Option {
	return func(c *Cache) {
		for st, pol := range p {
			c.policies[st] = pol
		}
	}
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		policies: DefaultPolicies(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Store() Store {
	if c == nil {
		return nil
	}
	return c.store
}

// Lookup returns the stored result for (stage, hash), or ErrMiss when it is
// absent, expired, or older than the stage's MaxAge.
func (c *Cache) Lookup(ctx context.Context, stage Stage, hash string) (json.RawMessage, error) {
	if c == nil || c.store == nil {
		return nil, ErrMiss
	}
	now := c.now()
	e, err := c.store.Get(ctx, stage, hash, now)
	if err != nil {
		return nil, err
	}
	if pol, ok := c.policies[stage]; ok && pol.MaxAge > 0 && now.After(e.CreatedAt.Add(pol.MaxAge)) {
		return nil, ErrMiss
	}
	return e.Result, nil
}

// Save stores result under (stage, hash) with the stage's expiry.
func (c *Cache) Save(ctx context.Context, stage Stage, hash string, input, result any) error {
	if c == nil || c.store == nil {
		return nil
	}
	in, err := json.Marshal(input)
	if err != nil {
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := c.now().UTC()
	e := Entry{
		Stage:     stage,
		InputHash: hash,
		Input:     in,
		Result:    out,
		CreatedAt: now,
	}
	if pol, ok := c.policies[stage]; ok && pol.Expires > 0 {
		exp := now.Add(pol.Expires)
		e.ExpiresAt = &exp
	}
	return c.store.Put(ctx, e)
}

// Cleanup drops expired entries and entries older than maxAge.
func (c *Cache) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if c == nil || c.store == nil {
		return 0, nil
	}
	n, err := c.store.Cleanup(ctx, c.now(), maxAge)
	if err != nil {
		return n, err
	}
	appLog.Info("cache cleanup", "removed", n, "max_age", maxAge.String())
	return n, nil
}

// Memoize returns the cached result for input at stage, or runs compute and
// stores its result. Cache failures of any kind fall through to compute;
// only compute's own error is returned.
func Memoize[T any](ctx context.Context, c *Cache, stage Stage, input any, compute func(context.Context) (T, error)) (T, bool, error) {
	if c == nil || c.store == nil {
		v, err := compute(ctx)
		return v, false, err
	}

	hash, err := HashInput(input)
	if err != nil {
		appLog.Warn("cache key failed; computing", "stage", stage, "err", err)
		v, err := compute(ctx)
		return v, false, err
	}

	raw, err := c.Lookup(ctx, stage, hash)
	switch {
	case err == nil:
		var v T
		derr := json.Unmarshal(raw, &v)
		if derr == nil {
			appLog.Debug("cache hit", "stage", stage, "hash", hash[:12])
			return v, true, nil
		}
		appLog.Warn("cache entry undecodable; recomputing", "stage", stage, "err", derr)
	case errors.Is(err, ErrMiss):
		appLog.Debug("cache miss", "stage", stage, "hash", hash[:12])
	default:
		appLog.Warn("cache read failed; computing", "stage", stage, "err", err)
	}

	v, err := compute(ctx)
	if err != nil {
		return v, false, err
	}
	if err := c.Save(ctx, stage, hash, input, v); err != nil {
		appLog.Error("cache write failed", err, "stage", stage)
	}
	return v, false, nil
}
