package fieldsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteBackend(t *testing.T, clock Clock) *SQLBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "fieldsync.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Migrate(context.Background(), nil))
	return b
}

func TestSQLiteBackendContract(t *testing.T) {
	backendContract(t, func(t *testing.T, clock Clock) Backend {
		return newTestSQLiteBackend(t, clock)
	})
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	b := newTestSQLiteBackend(t, nil)
	require.NoError(t, b.Migrate(context.Background(), []string{"work_orders"}))
	require.Equal(t, "sqlite", b.Name())
}

func TestSQLiteBackendDrivesCoordinator(t *testing.T) {
	clock := newFakeClock(t0)
	b := newTestSQLiteBackend(t, clock.Now)
	coordinator, err := NewCoordinator(CoordinatorOptions{Records: b, Ledger: b, Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	ops := []SyncOperation{
		createOp("op1", "wo-1", t0, map[string]any{"title": "Fix pump", "estimated_hours": 1.5}),
		updateOp("op2", "wo-1", t0.Add(time.Second), map[string]any{"status": "IN_PROGRESS"}),
	}
	result, err := coordinator.ProcessBatch(ctx, "tablet-1", ops, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"op1", "op2"}, result.Processed)

	clock.Advance(time.Minute)
	result, err = coordinator.ProcessBatch(ctx, "tablet-1", ops, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"op1", "op2"}, result.Processed)

	rec, err := b.Get(ctx, "work_orders", "wo-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Version)
	require.Equal(t, "IN_PROGRESS", rec.Data["status"])
	require.Equal(t, 1.5, rec.Data["estimated_hours"])

	other, err := coordinator.ChangesSince(ctx, "tablet-2", nil)
	require.NoError(t, err)
	require.Len(t, other.Changes, 1)
	require.Equal(t, "wo-1", other.Changes[0].RecordID)
}

type codedError struct{ code int }

func (e codedError) Error() string { return "sqlite failure" }
func (e codedError) Code() int     { return e.code }

func TestClassifySQLiteError(t *testing.T) {
	require.ErrorIs(t, classifySQLiteError(codedError{code: 14}), ErrStoreUnavailable)
	// SQLITE_IOERR_READ is an extended code of SQLITE_IOERR.
	require.ErrorIs(t, classifySQLiteError(codedError{code: 10 | (1 << 8)}), ErrStoreUnavailable)
	require.NotErrorIs(t, classifySQLiteError(codedError{code: 19}), ErrStoreUnavailable)
	plain := errors.New("boom")
	require.Equal(t, plain, classifySQLiteError(plain))
}
