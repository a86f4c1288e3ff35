package fieldsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryState struct {
	Records map[string]map[string]SyncRecord  `json:"records"`
	Ledger  map[string]map[string]StatusEntry `json:"ledger"`
}

func newMemoryState() *memoryState {
	return &memoryState{
		Records: map[string]map[string]SyncRecord{},
		Ledger:  map[string]map[string]StatusEntry{},
	}
}

// MemoryBackend keeps records and ledger rows in process memory. The file
// backend reuses it and persists after every mutation through commit.
type MemoryBackend struct {
	mu    sync.Mutex
	state *memoryState
	clock Clock
	name  string
	// commit runs with mu held after a mutation; a non-nil error rolls it back.
	commit func(*memoryState) error
}

func NewMemoryBackend(clock Clock) *MemoryBackend {
	if clock == nil {
		clock = systemClock
	}
	return &MemoryBackend{state: newMemoryState(), clock: clock, name: "memory"}
}

func (b *MemoryBackend) Name() string { return b.name }

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) Migrate(context.Context, []string) error { return nil }

func (b *MemoryBackend) Get(ctx context.Context, entity, recordID string) (SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return SyncRecord{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.state.Records[entity][recordID]
	if !ok {
		return SyncRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) Create(ctx context.Context, req CreateRequest) (SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return SyncRecord{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.state.Records[req.Entity]
	if table == nil {
		table = map[string]SyncRecord{}
		b.state.Records[req.Entity] = table
	}
	if _, exists := table[req.RecordID]; exists {
		return SyncRecord{}, ErrAlreadyExists
	}
	now := nextUpdatedAt(b.clock(), time.Time{})
	rec := SyncRecord{
		Entity:          req.Entity,
		RecordID:        req.RecordID,
		Data:            cloneData(req.Data),
		Version:         1,
		UpdatedBy:       req.ClientID,
		LastOperationID: req.OperationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	table[req.RecordID] = rec
	if err := b.commitLocked(func() { delete(table, req.RecordID) }); err != nil {
		return SyncRecord{}, err
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) Update(ctx context.Context, req UpdateRequest) (SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return SyncRecord{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.state.Records[req.Entity]
	current, ok := table[req.RecordID]
	if !ok {
		return SyncRecord{}, ErrNotFound
	}
	if !current.UpdatedAt.Equal(normalizeTimestamp(req.ExpectedUpdatedAt)) {
		return SyncRecord{}, ErrStaleWrite
	}
	next := current
	next.Data = cloneData(req.Data)
	next.Version = current.Version + 1
	next.UpdatedBy = req.ClientID
	next.LastOperationID = req.OperationID
	next.UpdatedAt = nextUpdatedAt(b.clock(), current.UpdatedAt)
	table[req.RecordID] = next
	if err := b.commitLocked(func() { table[req.RecordID] = current }); err != nil {
		return SyncRecord{}, err
	}
	return cloneRecord(next), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, entity, recordID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.state.Records[entity]
	current, ok := table[recordID]
	if !ok {
		return false, nil
	}
	delete(table, recordID)
	if err := b.commitLocked(func() { table[recordID] = current }); err != nil {
		return false, err
	}
	return true, nil
}

func (b *MemoryBackend) QueryUpdatedSince(ctx context.Context, q ChangeQuery) ([]SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	since := normalizeTimestamp(q.Since)
	before := normalizeTimestamp(q.Before)
	out := make([]SyncRecord, 0)
	for _, rec := range b.state.Records[q.Entity] {
		if !rec.UpdatedAt.After(since) {
			continue
		}
		if !q.Before.IsZero() && !rec.UpdatedAt.Before(before) {
			continue
		}
		if q.ExcludeClient != "" && rec.UpdatedBy == q.ExcludeClient {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *MemoryBackend) Record(ctx context.Context, w LedgerWrite) (StatusEntry, error) {
	if err := ctx.Err(); err != nil {
		return StatusEntry{}, err
	}
	if strings.TrimSpace(w.ClientID) == "" || strings.TrimSpace(w.OperationID) == "" {
		return StatusEntry{}, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.state.Ledger[w.ClientID]
	if rows == nil {
		rows = map[string]StatusEntry{}
		b.state.Ledger[w.ClientID] = rows
	}
	var existing *StatusEntry
	previous, had := rows[w.OperationID]
	if had {
		existing = &previous
	}
	entry, changed := applyLedgerWrite(existing, w)
	if !changed {
		return entry, nil
	}
	rows[w.OperationID] = entry
	err := b.commitLocked(func() {
		if had {
			rows[w.OperationID] = previous
		} else {
			delete(rows, w.OperationID)
		}
	})
	if err != nil {
		return StatusEntry{}, err
	}
	return entry, nil
}

func (b *MemoryBackend) Lookup(ctx context.Context, clientID, operationID string) (StatusEntry, error) {
	if err := ctx.Err(); err != nil {
		return StatusEntry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.state.Ledger[clientID][operationID]
	if !ok {
		return StatusEntry{}, ErrNotFound
	}
	return entry, nil
}

func (b *MemoryBackend) PendingCountByTable(ctx context.Context, clientID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[string]int{}
	for _, entry := range b.state.Ledger[clientID] {
		if !entry.Synced {
			counts[entry.Entity]++
		}
	}
	return counts, nil
}

func (b *MemoryBackend) LastSyncedAt(ctx context.Context, clientID string) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var latest *time.Time
	for _, entry := range b.state.Ledger[clientID] {
		if entry.SyncedAt == nil {
			continue
		}
		if latest == nil || entry.SyncedAt.After(*latest) {
			at := *entry.SyncedAt
			latest = &at
		}
	}
	return latest, nil
}

func (b *MemoryBackend) ListPending(ctx context.Context, clientID string, limit int) ([]StatusEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StatusEntry, 0)
	for _, entry := range b.state.Ledger[clientID] {
		if !entry.Synced {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) MarkResolved(ctx context.Context, clientID, entity, recordID, note string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.state.Ledger[clientID]
	previous := map[string]StatusEntry{}
	now := normalizeTimestamp(b.clock())
	for id, entry := range rows {
		if entry.Synced || entry.Entity != entity || entry.RecordID != recordID {
			continue
		}
		previous[id] = entry
		entry.Synced = true
		entry.SyncedAt = &now
		entry.ErrorMessage = note
		rows[id] = entry
	}
	if len(previous) == 0 {
		return 0, nil
	}
	err := b.commitLocked(func() {
		for id, entry := range previous {
			rows[id] = entry
		}
	})
	if err != nil {
		return 0, err
	}
	return len(previous), nil
}

func (b *MemoryBackend) commitLocked(undo func()) error {
	if b.commit == nil {
		return nil
	}
	if err := b.commit(b.state); err != nil {
		undo()
		return &StoreUnavailableError{Backend: b.name, Err: err}
	}
	return nil
}
