package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"idemcore/pkg/retry"
)

// txKey используется как ключ для хранения транзакции в context.Context
type txKey struct{}

// Querier объединяет методы выполнения запросов, общие для пула и транзакции.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Убедимся на этапе компиляции, что типы реализуют интерфейс
var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Beginner открывает транзакции. Его реализует *pgxpool.Pool.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// DefaultConflictPolicy повторяет транзакцию при ошибках сериализации и дедлоках.
func DefaultConflictPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		Strategy:    retry.Exponential,
		Jitter:      true,
		MaxDelay:    time.Second,
	}
}

// TxRunner выполняет функцию обратного вызова внутри транзакции.
// Если fn возвращает nil, транзакция коммитится, иначе откатывается.
// При конфликте сериализации fn выполняется заново целиком.
type TxRunner struct {
	Pool           *pgxpool.Pool
	ConflictPolicy retry.Policy
	begin          Beginner
}

// NewTxRunner создает TxRunner для пула с политикой DefaultConflictPolicy.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{Pool: pool, ConflictPolicy: DefaultConflictPolicy(), begin: pool}
}

// WithinTx выполняет fn внутри транзакции с опциями по умолчанию.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.WithinTxWithOptions(ctx, pgx.TxOptions{}, fn)
}

// WithinTxWithOptions выполняет fn внутри транзакции с заданными опциями.
// Транзакция доступна внутри fn через GetQuerier(ctx).
func (r *TxRunner) WithinTxWithOptions(ctx context.Context, txOptions pgx.TxOptions, fn func(ctx context.Context) error) error {
	return retry.DoWithRetryable(ctx, r.ConflictPolicy, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, r.begin, txOptions, func(tx pgx.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	}, IsSerializationFailure)
}

// PgxTx извлекает активную транзакцию из контекста.
// Возвращает транзакцию и флаг, указывающий была ли она найдена.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// GetQuerier возвращает активную транзакцию из контекста, иначе пул подключений.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return r.Pool
}

// IsSerializationFailure распознает SQLSTATE 40001 и 40P01.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
