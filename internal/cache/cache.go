package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/packd/internal/paths"
	_ "modernc.org/sqlite"
)

var ErrCache = errors.New("layer cache error")

// Entry is one cached stage layer.
type Entry struct {
	Key       string    // Chained stage cache key.
	Stage     string    // Stage name (system, workdir, dependencies, copy).
	Digest    string    // Compressed layer blob digest.
	DiffID    string    // Uncompressed layer digest.
	ChainID   string    // Chain ID of the committed snapshot, if any.
	MediaType string    // Layer media type.
	Size      int64     // Blob size in bytes.
	CreatedAt time.Time // When the layer was first stored.
	UsedAt    time.Time // When the layer was last looked up or stored.
}

// Store is a SQLite-backed layer index.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the index at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCache, path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %v", ErrCache, pragma, err)
		}
	}

	s := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the entry for key and marks it used. The boolean is false
// when no entry exists.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, stage, digest, diff_id, chain_id, media_type, size, created_at, last_used_at
		   FROM layers WHERE key = ?`, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: lookup %s: %v", ErrCache, key, err)
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `UPDATE layers SET last_used_at = ? WHERE key = ?`, formatTime(now), key); err != nil {
		return Entry{}, false, fmt.Errorf("%w: touch %s: %v", ErrCache, key, err)
	}
	e.UsedAt = now

	return e, true, nil
}

// Store records or replaces the entry for e.Key.
func (s *Store) Store(ctx context.Context, e Entry) error {
	if e.Key == "" || e.Digest == "" || e.DiffID == "" {
		return fmt.Errorf("%w: entry requires key, digest, and diff id", ErrCache)
	}

	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO layers (key, stage, digest, diff_id, chain_id, media_type, size, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     stage = excluded.stage,
		     digest = excluded.digest,
		     diff_id = excluded.diff_id,
		     chain_id = excluded.chain_id,
		     media_type = excluded.media_type,
		     size = excluded.size,
		     last_used_at = excluded.last_used_at`,
		e.Key, e.Stage, e.Digest, e.DiffID, e.ChainID, e.MediaType, e.Size, now, now)
	if err != nil {
		return fmt.Errorf("%w: store %s: %v", ErrCache, e.Key, err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM layers WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrCache, key, err)
	}
	return nil
}

// List returns every entry, most recently used first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	return s.query(ctx,
		`SELECT key, stage, digest, diff_id, chain_id, media_type, size, created_at, last_used_at
		   FROM layers ORDER BY last_used_at DESC, key`)
}

// Prune deletes entries not used within olderThan and returns them, so the
// caller can release the corresponding blobs. A zero duration prunes
// everything.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin prune: %v", ErrCache, err)
	}
	defer tx.Rollback()

	cutoff := formatTime(s.now().Add(-olderThan))

	rows, err := tx.QueryContext(ctx,
		`SELECT key, stage, digest, diff_id, chain_id, media_type, size, created_at, last_used_at
		   FROM layers WHERE last_used_at <= ? ORDER BY last_used_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: select prune: %v", ErrCache, err)
	}
	pruned, err := collect(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM layers WHERE last_used_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("%w: delete prune: %v", ErrCache, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit prune: %v", ErrCache, err)
	}
	return pruned, nil
}

// Stats summarizes the index.
type Stats struct {
	Entries int
	Bytes   int64
}

// Stats returns the number of entries and their total blob size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM layers`).Scan(&st.Entries, &st.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrCache, err)
	}
	return st, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrCache, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e             Entry
		created, used string
	)
	if err := row.Scan(&e.Key, &e.Stage, &e.Digest, &e.DiffID, &e.ChainID, &e.MediaType, &e.Size, &created, &used); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = parseTime(created)
	e.UsedAt = parseTime(used)
	return e, nil
}

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
