package fieldsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ChangeNotice
}

func (n *recordingNotifier) NotifyChanges(notice ChangeNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []ChangeNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChangeNotice(nil), n.notices...)
}

type harness struct {
	clock       *fakeClock
	backend     *MemoryBackend
	coordinator *Coordinator
	notifier    *recordingNotifier
}

func newHarness(t *testing.T, mutate func(*CoordinatorOptions)) *harness {
	t.Helper()
	clock := newFakeClock(t0)
	backend := NewMemoryBackend(clock.Now)
	notifier := &recordingNotifier{}
	opts := CoordinatorOptions{
		Records:  backend,
		Ledger:   backend,
		Clock:    clock.Now,
		Notifier: notifier,
	}
	if mutate != nil {
		mutate(&opts)
	}
	coordinator, err := NewCoordinator(opts)
	require.NoError(t, err)
	return &harness{clock: clock, backend: backend, coordinator: coordinator, notifier: notifier}
}

func (h *harness) submit(t *testing.T, clientID string, ops ...SyncOperation) BatchResult {
	t.Helper()
	result, err := h.coordinator.ProcessBatch(context.Background(), clientID, ops, nil)
	require.NoError(t, err)
	return result
}

func createOp(id, recordID string, ts time.Time, data map[string]any) SyncOperation {
	return SyncOperation{ID: id, Kind: OpCreate, Entity: "work_orders", RecordID: recordID, Payload: data, ClientTimestamp: ts}
}

func updateOp(id, recordID string, ts time.Time, data map[string]any) SyncOperation {
	return SyncOperation{ID: id, Kind: OpUpdate, Entity: "work_orders", RecordID: recordID, Payload: data, ClientTimestamp: ts}
}

func deleteOp(id, recordID string, ts time.Time) SyncOperation {
	return SyncOperation{ID: id, Kind: OpDelete, Entity: "work_orders", RecordID: recordID, ClientTimestamp: ts}
}
