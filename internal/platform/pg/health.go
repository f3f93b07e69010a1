package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"idemcore/pkg/retry"
)

// DefaultWaitPolicy ждет около минуты, пока БД запускается.
func DefaultWaitPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		Strategy:    retry.Exponential,
		MaxDelay:    30 * time.Second,
	}
}

// Pinger - часть пула, нужная для проверок здоровья.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitForDB пингует dsn, пока БД не ответит или не исчерпается policy.
func WaitForDB(ctx context.Context, dsn string, policy retry.Policy, pingTimeout time.Duration) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}

	attempts := 0
	err = retry.DoWithRetryable(ctx, policy, func(ctx context.Context) error {
		attempts++
		return ping(ctx, cfg.Copy(), pingTimeout)
	}, func(error) bool { return true })
	if err != nil {
		return fmt.Errorf("database not available after %d attempts: %w", attempts, err)
	}
	return nil
}

func ping(ctx context.Context, cfg *pgxpool.Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()

	return pool.Ping(ctx)
}

// Check пингует p с ограниченным таймаутом. Сигнатура совпадает с проверкой
// capability, поэтому пул можно зарегистрировать как capability "journal".
func Check(p Pinger, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("pool is nil")
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("pool ping failed: %w", err)
		}
		return nil
	}
}

// Stats is a snapshot of pool usage.
type Stats struct {
	MaxConns      int32
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	AcquireCount  int64
	AcquireWait   time.Duration
}

// PoolStats returns pool usage, zero for a nil pool.
func PoolStats(pool *pgxpool.Pool) Stats {
	if pool == nil {
		return Stats{}
	}
	s := pool.Stat()
	return Stats{
		MaxConns:      s.MaxConns(),
		TotalConns:    s.TotalConns(),
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		AcquireCount:  s.AcquireCount(),
		AcquireWait:   s.AcquireDuration(),
	}
}

// Saturated reports whether more than 90% of the pool is in use.
func (s Stats) Saturated() bool {
	if s.MaxConns == 0 {
		return false
	}
	return float64(s.AcquiredConns)/float64(s.MaxConns) > 0.9
}
