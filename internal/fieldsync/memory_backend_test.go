package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// backendContract exercises the RecordStore and Ledger behavior every backend
// must share.
func backendContract(t *testing.T, newBackend func(t *testing.T, clock Clock) Backend) {
	t.Run("conditional update", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		ctx := context.Background()

		created, err := b.Create(ctx, CreateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "A"}, ClientID: "tablet-1", OperationID: "op1"})
		require.NoError(t, err)
		require.EqualValues(t, 1, created.Version)
		require.Equal(t, "op1", created.LastOperationID)
		require.True(t, created.UpdatedAt.Equal(t0))

		_, err = b.Create(ctx, CreateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "B"}})
		require.ErrorIs(t, err, ErrAlreadyExists)

		updated, err := b.Update(ctx, UpdateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "C"}, ExpectedUpdatedAt: created.UpdatedAt, ClientID: "tablet-2", OperationID: "op9"})
		require.NoError(t, err)
		require.EqualValues(t, 2, updated.Version)
		require.True(t, updated.UpdatedAt.Equal(t0.Add(time.Microsecond)), "a stalled clock still moves updated_at forward")

		_, err = b.Update(ctx, UpdateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "D"}, ExpectedUpdatedAt: created.UpdatedAt})
		require.ErrorIs(t, err, ErrStaleWrite)

		_, err = b.Update(ctx, UpdateRequest{Entity: "work_orders", RecordID: "wo-404", Data: map[string]any{}, ExpectedUpdatedAt: t0})
		require.ErrorIs(t, err, ErrNotFound)

		got, err := b.Get(ctx, "work_orders", "wo-1")
		require.NoError(t, err)
		require.Equal(t, "C", got.Data["title"])
		require.Equal(t, "tablet-2", got.UpdatedBy)
		require.Equal(t, "op9", got.LastOperationID)
		require.True(t, got.CreatedAt.Equal(t0))

		removed, err := b.Delete(ctx, "work_orders", "wo-1")
		require.NoError(t, err)
		require.True(t, removed)
		removed, err = b.Delete(ctx, "work_orders", "wo-1")
		require.NoError(t, err)
		require.False(t, removed)
		_, err = b.Get(ctx, "work_orders", "wo-1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query updated since", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		ctx := context.Background()
		for i, id := range []string{"wo-1", "wo-2", "wo-3", "wo-4"} {
			clock.Advance(time.Second)
			owner := "office"
			if i == 2 {
				owner = "tablet-1"
			}
			_, err := b.Create(ctx, CreateRequest{Entity: "work_orders", RecordID: id, Data: map[string]any{"n": i}, ClientID: owner})
			require.NoError(t, err)
		}
		_, err := b.Create(ctx, CreateRequest{Entity: "assets", RecordID: "a-1", Data: map[string]any{}})
		require.NoError(t, err)

		recs, err := b.QueryUpdatedSince(ctx, ChangeQuery{Entity: "work_orders", Since: t0.Add(time.Second), ExcludeClient: "tablet-1", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"wo-4", "wo-2"}, recordIDs(recs), "since is exclusive and own writes are skipped")

		recs, err = b.QueryUpdatedSince(ctx, ChangeQuery{Entity: "work_orders", Since: t0, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"wo-4", "wo-3"}, recordIDs(recs))

		recs, err = b.QueryUpdatedSince(ctx, ChangeQuery{Entity: "work_orders", Since: t0, Before: recs[1].UpdatedAt, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"wo-2", "wo-1"}, recordIDs(recs))
		require.Equal(t, "work_orders", recs[0].Entity)
	})

	t.Run("concurrent conditional updates", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		ctx := context.Background()
		created, err := b.Create(ctx, CreateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "A"}})
		require.NoError(t, err)

		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = b.Update(ctx, UpdateRequest{
					Entity:            "work_orders",
					RecordID:          "wo-1",
					Data:              map[string]any{"title": fmt.Sprintf("writer-%d", i)},
					ExpectedUpdatedAt: created.UpdatedAt,
					ClientID:          fmt.Sprintf("tablet-%d", i),
				})
			}(i)
		}
		wg.Wait()

		winner := -1
		for i, err := range errs {
			if err == nil {
				require.Equal(t, -1, winner, "only one writer may succeed")
				winner = i
				continue
			}
			require.ErrorIs(t, err, ErrStaleWrite)
		}
		require.NotEqual(t, -1, winner)

		got, err := b.Get(ctx, "work_orders", "wo-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, got.Version)
		require.Equal(t, fmt.Sprintf("writer-%d", winner), got.Data["title"])
	})

	t.Run("concurrent conflicting batches", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		coordinator, err := NewCoordinator(CoordinatorOptions{Records: b, Ledger: b, Clock: clock.Now})
		require.NoError(t, err)
		ctx := context.Background()
		_, err = coordinator.ProcessBatch(ctx, "office", []SyncOperation{createOp("seed", "wo-1", t0, map[string]any{"title": "Seed"})}, nil)
		require.NoError(t, err)

		// Both edits were made against the seeded copy, so whichever lands
		// second is stale.
		clients := []string{"tablet-a", "tablet-b"}
		results := make([]BatchResult, len(clients))
		errs := make([]error, len(clients))
		var wg sync.WaitGroup
		for i, client := range clients {
			wg.Add(1)
			go func(i int, client string) {
				defer wg.Done()
				op := updateOp("edit", "wo-1", t0, map[string]any{"title": client})
				results[i], errs[i] = coordinator.ProcessBatch(ctx, client, []SyncOperation{op}, nil)
			}(i, client)
		}
		wg.Wait()

		processed, conflicts := 0, 0
		var winner string
		for i := range clients {
			require.NoError(t, errs[i])
			processed += len(results[i].Processed)
			if len(results[i].Processed) == 1 {
				winner = clients[i]
			}
			for _, failed := range results[i].Failed {
				require.Equal(t, ReasonConflict, failed.Reason)
				conflicts++
			}
		}
		require.Equal(t, 1, processed)
		require.Equal(t, 1, conflicts)

		got, err := b.Get(ctx, "work_orders", "wo-1")
		require.NoError(t, err)
		require.Equal(t, winner, got.Data["title"])
		require.Equal(t, winner, got.UpdatedBy)
	})

	t.Run("ledger upsert", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		ctx := context.Background()
		write := LedgerWrite{ClientID: "tablet-1", OperationID: "op1", Entity: "work_orders", RecordID: "wo-1", Operation: OpUpdate, ErrorMessage: "conflict", At: t0}

		entry, err := b.Record(ctx, write)
		require.NoError(t, err)
		require.False(t, entry.Synced)
		require.Equal(t, 1, entry.RetryCount)
		require.Equal(t, "conflict", entry.ErrorMessage)

		write.At = t0.Add(time.Minute)
		entry, err = b.Record(ctx, write)
		require.NoError(t, err)
		require.Equal(t, 2, entry.RetryCount)
		require.True(t, entry.CreatedAt.Equal(t0))

		write.RetryCount = 5
		entry, err = b.Record(ctx, write)
		require.NoError(t, err)
		require.Equal(t, 6, entry.RetryCount, "the client's own count wins when higher")

		counts, err := b.PendingCountByTable(ctx, "tablet-1")
		require.NoError(t, err)
		require.Equal(t, map[string]int{"work_orders": 1}, counts)
		last, err := b.LastSyncedAt(ctx, "tablet-1")
		require.NoError(t, err)
		require.Nil(t, last)

		success := write
		success.Synced = true
		success.ErrorMessage = ""
		success.RetryCount = 0
		success.At = t0.Add(time.Hour)
		entry, err = b.Record(ctx, success)
		require.NoError(t, err)
		require.True(t, entry.Synced)
		require.Equal(t, 6, entry.RetryCount)
		require.Empty(t, entry.ErrorMessage)
		require.NotNil(t, entry.SyncedAt)
		require.True(t, entry.SyncedAt.Equal(t0.Add(time.Hour)))

		// A synced row is final.
		late := write
		late.At = t0.Add(2 * time.Hour)
		entry, err = b.Record(ctx, late)
		require.NoError(t, err)
		require.True(t, entry.Synced)
		require.True(t, entry.SyncedAt.Equal(t0.Add(time.Hour)))

		looked, err := b.Lookup(ctx, "tablet-1", "op1")
		require.NoError(t, err)
		require.True(t, looked.Synced)
		require.Equal(t, OpUpdate, looked.Operation)

		_, err = b.Lookup(ctx, "tablet-2", "op1")
		require.ErrorIs(t, err, ErrNotFound)

		last, err = b.LastSyncedAt(ctx, "tablet-1")
		require.NoError(t, err)
		require.NotNil(t, last)
		require.True(t, last.Equal(t0.Add(time.Hour)))

		_, err = b.Record(ctx, LedgerWrite{ClientID: "tablet-1"})
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("pending and resolve", func(t *testing.T) {
		clock := newFakeClock(t0)
		b := newBackend(t, clock.Now)
		ctx := context.Background()
		for i, id := range []string{"op2", "op1", "op3"} {
			_, err := b.Record(ctx, LedgerWrite{
				ClientID: "tablet-1", OperationID: id, Entity: "work_orders", RecordID: "wo-1",
				Operation: OpUpdate, ErrorMessage: "conflict", At: t0.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}
		_, err := b.Record(ctx, LedgerWrite{ClientID: "tablet-1", OperationID: "op4", Entity: "assets", RecordID: "a-1", Operation: OpCreate, ErrorMessage: "bad", At: t0})
		require.NoError(t, err)

		pending, err := b.ListPending(ctx, "tablet-1", 3)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		ids := []string{pending[0].OperationID, pending[1].OperationID, pending[2].OperationID}
		require.Equal(t, []string{"op2", "op4", "op1"}, ids, "oldest first, ties by id")

		clock.Set(t0.Add(time.Hour))
		n, err := b.MarkResolved(ctx, "tablet-1", "work_orders", "wo-1", "resolved: server_wins")
		require.NoError(t, err)
		require.Equal(t, 3, n)
		n, err = b.MarkResolved(ctx, "tablet-1", "work_orders", "wo-1", "resolved: server_wins")
		require.NoError(t, err)
		require.Zero(t, n)

		counts, err := b.PendingCountByTable(ctx, "tablet-1")
		require.NoError(t, err)
		require.Equal(t, map[string]int{"assets": 1}, counts)

		entry, err := b.Lookup(ctx, "tablet-1", "op1")
		require.NoError(t, err)
		require.True(t, entry.Synced)
		require.Equal(t, "resolved: server_wins", entry.ErrorMessage)
	})
}

func recordIDs(recs []SyncRecord) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.RecordID)
	}
	return out
}

func TestMemoryBackendContract(t *testing.T) {
	backendContract(t, func(t *testing.T, clock Clock) Backend {
		return NewMemoryBackend(clock)
	})
}

func TestMemoryBackendReturnsCopies(t *testing.T) {
	b := NewMemoryBackend(newFakeClock(t0).Now)
	ctx := context.Background()
	data := map[string]any{"title": "A"}
	_, err := b.Create(ctx, CreateRequest{Entity: "work_orders", RecordID: "wo-1", Data: data})
	require.NoError(t, err)
	data["title"] = "mutated"

	got, err := b.Get(ctx, "work_orders", "wo-1")
	require.NoError(t, err)
	require.Equal(t, "A", got.Data["title"])
	got.Data["title"] = "mutated again"

	again, err := b.Get(ctx, "work_orders", "wo-1")
	require.NoError(t, err)
	require.Equal(t, "A", again.Data["title"])
}

func TestMemoryBackendHonorsCancelledContext(t *testing.T) {
	b := NewMemoryBackend(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Get(ctx, "work_orders", "wo-1")
	require.ErrorIs(t, err, context.Canceled)
}
