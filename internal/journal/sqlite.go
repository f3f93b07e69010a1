package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"idemcore/internal/platform/sqlite"
)

// SQLite stores entries in an embedded SQLite database.
type SQLite struct {
	db     *sql.DB
	runner *sqlite.TxRunner
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens the database at path and applies the journal schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sqlite.Open(ctx, path, sqlite.DefaultOptions())
	if err != nil {
		return nil, err
	}
	b, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLite applies the journal schema to db and wraps it. Close closes db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := sqlite.Migrate(db, migrations, "migrations/sqlite"); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLite{db: db, runner: sqlite.NewTxRunner(db)}, nil
}

const sqliteInsert = `INSERT INTO outcomes
	(key, state, kind, error, attempts, started_at, duration_ns, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Append writes entries in one transaction.
func (s *SQLite) Append(ctx context.Context, entries []Entry) error {
	return s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		for _, e := range entries {
			_, err := q.ExecContext(ctx, sqliteInsert,
				e.Key, e.State, e.Kind, e.Error, e.Attempts,
				e.StartedAt.UnixNano(), int64(e.Duration), e.RecordedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("insert outcome %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

// List returns matching entries, newest first.
func (s *SQLite) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Key != "" {
		where = append(where, "key = ?")
		args = append(args, f.Key)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}

	query := "SELECT id, key, state, kind, error, attempts, started_at, duration_ns, recorded_at FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			started, dur, recordedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Key, &e.State, &e.Kind, &e.Error, &e.Attempts, &started, &dur, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.Duration = time.Duration(dur)
		e.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries recorded before the cutoff.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM outcomes WHERE recorded_at < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
