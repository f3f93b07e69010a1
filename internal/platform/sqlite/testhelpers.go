package sqlite

import (
	"context"
	"database/sql"
	"io/fs"
	"testing"
)

// TestDB - БД в памяти, закрывается автоматически по завершении теста.
type TestDB struct {
	DB       *sql.DB
	TxRunner *TxRunner
}

// NewTestDB создает БД в памяти для теста t.
func NewTestDB(t testing.TB) *TestDB {
	t.Helper()

	db, err := OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &TestDB{DB: db, TxRunner: NewTxRunner(db)}
}

// Migrate применяет миграции из fsys или проваливает тест.
func (tdb *TestDB) Migrate(t testing.TB, fsys fs.FS, dir string) {
	t.Helper()
	if _, err := Migrate(tdb.DB, fsys, dir); err != nil {
		t.Fatalf("apply test migrations: %v", err)
	}
}

// Exec выполняет запрос или проваливает тест.
func (tdb *TestDB) Exec(t testing.TB, query string, args ...any) sql.Result {
	t.Helper()
	res, err := tdb.DB.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	return res
}

// CountRows returns the number of rows in table.
func (tdb *TestDB) CountRows(t testing.TB, table string) int {
	t.Helper()
	var n int
	if err := tdb.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return n
}

// TableExists reports whether table is present.
func (tdb *TestDB) TableExists(t testing.TB, table string) bool {
	t.Helper()
	var n int
	row := tdb.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return n > 0
}
