package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"idemcore/internal/platform/pg"
)

// Postgres stores entries in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	runner *pg.TxRunner
	check  func(ctx context.Context) error
}

var _ Backend = (*Postgres)(nil)

// OpenPostgres waits for the database, applies the journal schema and opens a pool.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := pg.WaitForDB(ctx, dsn, pg.DefaultWaitPolicy(), 5*time.Second); err != nil {
		return nil, err
	}
	if _, err := pg.Migrate(dsn, migrations, "migrations/postgres"); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	pool, err := pg.NewPool(ctx, dsn, pg.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, runner: pg.NewTxRunner(pool), check: pg.Check(pool, 2*time.Second)}, nil
}

const pgInsert = `INSERT INTO outcomes
	(key, state, kind, error, attempts, started_at, duration_ns, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Append writes entries in one transaction using a pipelined batch.
func (p *Postgres) Append(ctx context.Context, entries []Entry) error {
	return p.runner.WithinTx(ctx, func(ctx context.Context) error {
		tx, _ := pg.PgxTx(ctx)

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(pgInsert, e.Key, e.State, e.Kind, e.Error, e.Attempts,
				e.StartedAt, int64(e.Duration), e.RecordedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// List returns matching entries, newest first.
func (p *Postgres) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Key != "" {
		args = append(args, f.Key)
		where = append(where, fmt.Sprintf("key = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := "SELECT id, key, state, kind, error, attempts, started_at, duration_ns, recorded_at FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.runner.GetQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e   Entry
			dur int64
		)
		err := row.Scan(&e.ID, &e.Key, &e.State, &e.Kind, &e.Error, &e.Attempts, &e.StartedAt, &dur, &e.RecordedAt)
		e.Duration = time.Duration(dur)
		return e, err
	})
}

// Prune deletes entries recorded before the cutoff.
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.runner.GetQuerier(ctx).Exec(ctx, "DELETE FROM outcomes WHERE recorded_at < $1", before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping checks the pool.
func (p *Postgres) Ping(ctx context.Context) error { return p.check(ctx) }

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
