package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite драйвер
)

// Options содержит настройки для SQLite базы данных.
type Options struct {
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// MaxOpenConns - максимальное количество открытых соединений. SQLite допускает одного писателя.
	MaxOpenConns int
	MaxIdleConns int
	PingTimeout  time.Duration
	// WALMode - использовать ли WAL режим. Недоступен для :memory:.
	WALMode bool
	// BusyTimeout - таймаут ожидания при SQLITE_BUSY
	BusyTimeout time.Duration
	ReadOnly    bool
}

// DefaultOptions возвращает настройки по умолчанию для встроенного журнала.
func DefaultOptions() Options {
	return Options{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		BusyTimeout:     5 * time.Second,
	}
}

// Open открывает БД по пути path (создает при необходимости) и применяет PRAGMA.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := applyPragmas(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenInMemory открывает приватную БД в памяти. Пул ограничен одним
// соединением, чтобы все запросы видели одну и ту же схему.
func OpenInMemory(ctx context.Context) (*sql.DB, error) {
	opts := DefaultOptions()
	opts.WALMode = false
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	// an idle in-memory connection must never be recycled or the data is gone
	opts.ConnMaxLifetime = 0
	opts.ConnMaxIdleTime = 0
	return Open(ctx, ":memory:", opts)
}

// buildDSN passes per-connection PRAGMAs through the driver's _pragma
// parameter so every pooled connection gets them, not just the first.
func buildDSN(path string, opts Options) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "synchronous(NORMAL)")
	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.ReadOnly {
		params.Set("mode", "ro")
		return "file:" + path + "?" + params.Encode()
	}
	return path + "?" + params.Encode()
}

// journal_mode is stored in the database file, so setting it once is enough.
func applyPragmas(ctx context.Context, db *sql.DB, opts Options) error {
	if !opts.WALMode || opts.ReadOnly {
		return nil
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	return nil
}
