// Package cache memoizes pipeline stage results keyed by a hash of their
// input.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Store.Get for missing or expired entries.
var ErrMiss = errors.New("cache: miss")

type Stage string

const (
	StageImport  Stage = "import"
	StageEnrich  Stage = "enrich"
	StageAnalyze Stage = "analyze"
)

// Stages lists the cacheable stages.
var Stages = []Stage{StageImport, StageEnrich, StageAnalyze}

func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown cache stage %q", s)
}

// Entry is one cached stage result. At most one entry exists per
// (Stage, InputHash).
type Entry struct {
	Stage     Stage           `json:"stage"`
	InputHash string          `json:"input_hash"`
	Input     json.RawMessage `json:"input_data"`
	Result    json.RawMessage `json:"result_data"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// stale reports whether Cleanup should drop e.
func (e Entry) stale(now time.Time, maxAge time.Duration) bool {
	if e.expired(now) {
		return true
	}
	return maxAge > 0 && now.After(e.CreatedAt.Add(maxAge))
}

type StageStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

type Stats struct {
	TotalEntries   int                  `json:"total_entries"`
	TotalSizeBytes int64                `json:"total_size_bytes"`
	Stages         map[Stage]StageStats `json:"stages"`
}

// Store persists entries. Writes for the same key are last-writer-wins.
type Store interface {
	// Get returns ErrMiss when the entry is absent or expired at now.
	Get(ctx context.Context, stage Stage, hash string, now time.Time) (Entry, error)
	Put(ctx context.Context, e Entry) error
	// Invalidate drops every entry of stage, or of all stages when stage
	// is empty, and reports how many were removed.
	Invalidate(ctx context.Context, stage Stage) (int, error)
	// Cleanup drops entries expired at now or created more than maxAge ago.
	Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func stagesFor(stage Stage) []Stage {
	if stage == "" {
		return Stages
	}
	return []Stage{stage}
}
