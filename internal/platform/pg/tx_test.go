package pg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemcore/pkg/retry"
)

type fakeTx struct {
	pgx.Tx
	commits *int
}

func (f fakeTx) Commit(context.Context) error   { *f.commits++; return nil }
func (f fakeTx) Rollback(context.Context) error { return nil }

type fakeBeginner struct {
	begins  int
	commits int
}

func (b *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	b.begins++
	return fakeTx{commits: &b.commits}, nil
}

func newFakeRunner() (*TxRunner, *fakeBeginner) {
	b := &fakeBeginner{}
	return &TxRunner{
		ConflictPolicy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: retry.Fixed},
		begin:          b,
	}, b
}

func TestPgxTx_NoTransaction(t *testing.T) {
	_, ok := PgxTx(context.Background())
	assert.False(t, ok)
}

func TestTxRunner_StoresTxInContext(t *testing.T) {
	runner, b := newFakeRunner()

	err := runner.WithinTx(context.Background(), func(ctx context.Context) error {
		tx, ok := PgxTx(ctx)
		require.True(t, ok)
		assert.Equal(t, tx, runner.GetQuerier(ctx))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, b.begins)
	assert.Equal(t, 1, b.commits)
}

func TestTxRunner_RetriesSerializationFailure(t *testing.T) {
	runner, b := newFakeRunner()

	calls := 0
	err := runner.WithinTx(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, b.begins)
	assert.Equal(t, 1, b.commits)
}

func TestTxRunner_DoesNotRetryOtherErrors(t *testing.T) {
	runner, b := newFakeRunner()
	boom := errors.New("boom")

	err := runner.WithinTx(context.Background(), func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.begins)
	assert.Zero(t, b.commits)
}

func TestIsSerializationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "deadlock wrapped", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40P01"}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "plain", err: errors.New("x"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSerializationFailure(tt.err))
		})
	}
}
