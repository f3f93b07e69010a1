package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"idemcore/pkg/retry"
)

type txKey struct{}

// Querier объединяет методы выполнения запросов, общие для *sql.DB и *sql.Tx.
// Позволяет репозиториям работать с одним интерфейсом независимо от того,
// выполняется ли запрос в транзакции.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// ErrNestedTx возвращается, если в ctx уже есть активная транзакция.
var ErrNestedTx = errors.New("sqlite: nested transactions are not supported")

// DefaultBusyPolicy retries SQLITE_BUSY quickly; busy_timeout already absorbed most contention.
func DefaultBusyPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Strategy:    retry.Exponential,
		Jitter:      true,
		MaxDelay:    500 * time.Millisecond,
	}
}

// TxRunner выполняет код внутри транзакции.
// Если fn возвращает ошибку, транзакция откатывается, иначе коммитится.
// При SQLITE_BUSY транзакция повторяется по BusyPolicy.
type TxRunner struct {
	DB         *sql.DB
	BusyPolicy retry.Policy
}

// NewTxRunner создает TxRunner с политикой DefaultBusyPolicy.
func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{DB: db, BusyPolicy: DefaultBusyPolicy()}
}

// WithinTx выполняет функцию fn внутри транзакции.
// Транзакция доступна внутри fn через GetQuerier(ctx).
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := SQLTx(ctx); ok {
		return ErrNestedTx
	}

	return retry.DoWithRetryable(ctx, r.BusyPolicy, func(ctx context.Context) error {
		return r.runOnce(ctx, fn)
	}, IsBusy)
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SQLTx извлекает активную транзакцию из контекста.
func SQLTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// GetQuerier возвращает активную транзакцию, иначе подключение к БД.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := SQLTx(ctx); ok {
		return tx
	}
	return r.DB
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
