package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	appLog "smartcal/internal/log"
)

// FileStore keeps one JSON document per stage, cache_<stage>.json, mapping
// input hash to entry. Every write replaces the whole file atomically.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir (0700) if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(stage Stage) string {
	return filepath.Join(s.dir, "cache_"+string(stage)+".json")
}

// load reads a stage file. Missing files are empty; corrupt files are
// logged and treated as empty so they get overwritten on the next put.
func (s *FileStore) load(stage Stage) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		appLog.Warn("cache file corrupt; starting empty", "stage", stage, "err", err)
		return make(map[string]Entry), nil
	}
	return entries, nil
}

func (s *FileStore) save(stage Stage, entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".cache-"+string(stage)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path(stage))
}

func (s *FileStore) Get(_ context.Context, stage Stage, hash string, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(stage)
	if err != nil {
		return Entry{}, err
	}
	e, ok := entries[hash]
	if !ok {
		return Entry{}, ErrMiss
	}
	if e.expired(now) {
		delete(entries, hash)
		if err := s.save(stage, entries); err != nil {
			appLog.Error("cache expired entry removal failed", err, "stage", stage)
		}
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (s *FileStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(e.Stage)
	if err != nil {
		return err
	}
	entries[e.InputHash] = e
	return s.save(e.Stage, entries)
}

func (s *FileStore) Invalidate(_ context.Context, stage Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, st := range stagesFor(stage) {
		entries, err := s.load(st)
		if err != nil {
			return removed, err
		}
		if len(entries) == 0 {
			continue
		}
		if err := s.save(st, map[string]Entry{}); err != nil {
			return removed, err
		}
		removed += len(entries)
	}
	return removed, nil
}

func (s *FileStore) Cleanup(_ context.Context, now time.Time, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, st := range Stages {
		entries, err := s.load(st)
		if err != nil {
			return removed, err
		}
		n := 0
		for hash, e := range entries {
			if e.stale(now, maxAge) {
				delete(entries, hash)
				n++
			}
		}
		if n == 0 {
			continue
		}
		if err := s.save(st, entries); err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (s *FileStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Stages: make(map[Stage]StageStats, len(Stages))}
	for _, st := range Stages {
		entries, err := s.load(st)
		if err != nil {
			return stats, err
		}
		var size int64
		if fi, err := os.Stat(s.path(st)); err == nil {
			size = fi.Size()
		}
		stats.Stages[st] = StageStats{Entries: len(entries), SizeBytes: size}
		stats.TotalEntries += len(entries)
		stats.TotalSizeBytes += size
	}
	return stats, nil
}

func (s *FileStore) Close() error { return nil }
