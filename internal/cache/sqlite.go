package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps entries in a single cache_entries table keyed by
// (stage, input_hash).
type SQLiteStore struct {
	db *sql.DB

	getEntry    *sql.Stmt
	putEntry    *sql.Stmt
	deleteEntry *sql.Stmt
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.HasPrefix(path, ":memory:") {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			stage       TEXT    NOT NULL,
			input_hash  TEXT    NOT NULL,
			input_data  BLOB    NOT NULL,
			result_data BLOB    NOT NULL,
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER,
			PRIMARY KEY (stage, input_hash)
		)
	`)
	return err
}

// NewSQLiteStore wraps an already-migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getEntry, err = s.db.Prepare(`
		SELECT input_data, result_data, created_at, expires_at
		FROM cache_entries WHERE stage = ? AND input_hash = ?
	`)
	if err != nil {
		return err
	}

	s.putEntry, err = s.db.Prepare(`
		INSERT OR REPLACE INTO cache_entries (stage, input_hash, input_data, result_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.deleteEntry, err = s.db.Prepare(`DELETE FROM cache_entries WHERE stage = ? AND input_hash = ?`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, stage Stage, hash string, now time.Time) (Entry, error) {
	var (
		input, result []byte
		created       int64
		expires       sql.NullInt64
	)
	err := s.getEntry.QueryRowContext(ctx, string(stage), hash).Scan(&input, &result, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Stage:     stage,
		InputHash: hash,
		Input:     input,
		Result:    result,
		CreatedAt: time.Unix(0, created).UTC(),
	}
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		e.ExpiresAt = &t
	}
	if e.expired(now) {
		if _, err := s.deleteEntry.ExecContext(ctx, string(stage), hash); err != nil {
			return Entry{}, err
		}
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	var expires sql.NullInt64
	if e.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: e.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := s.putEntry.ExecContext(ctx,
		string(e.Stage), e.InputHash, []byte(e.Input), []byte(e.Result), e.CreatedAt.UnixNano(), expires)
	return err
}

func (s *SQLiteStore) Invalidate(ctx context.Context, stage Stage) (int, error) {
	var (
		res sql.Result
		err error
	)
	if stage == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE stage = ?`, string(stage))
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := int64(-1 << 63)
	if maxAge > 0 {
		cutoff = now.Add(-maxAge).UnixNano()
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE (expires_at IS NOT NULL AND expires_at < ?) OR created_at < ?
	`, now.UnixNano(), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Stages: make(map[Stage]StageStats, len(Stages))}
	for _, st := range Stages {
		stats.Stages[st] = StageStats{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COUNT(*), COALESCE(SUM(LENGTH(input_data) + LENGTH(result_data)), 0)
		FROM cache_entries GROUP BY stage
	`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stage string
			ss    StageStats
		)
		if err := rows.Scan(&stage, &ss.Entries, &ss.SizeBytes); err != nil {
			return stats, err
		}
		stats.Stages[Stage(stage)] = ss
		stats.TotalEntries += ss.Entries
		stats.TotalSizeBytes += ss.SizeBytes
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Close() error {
	for _, st := range []*sql.Stmt{s.getEntry, s.putEntry, s.deleteEntry} {
		if st != nil {
			st.Close()
		}
	}
	return s.db.Close()
}
