package fieldsync

import (
	"context"
	"io"
	"time"
)

// RecordStore is the authoritative copy of the business records. It is the
// only writer of UpdatedAt and Version.
type RecordStore interface {
	Get(ctx context.Context, entity, recordID string) (SyncRecord, error)
	// Create fails with ErrAlreadyExists when the record is already present.
	Create(ctx context.Context, req CreateRequest) (SyncRecord, error)
	// Update replaces the record data only if its UpdatedAt still equals
	// ExpectedUpdatedAt, otherwise it fails with ErrStaleWrite.
	Update(ctx context.Context, req UpdateRequest) (SyncRecord, error)
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, entity, recordID string) (bool, error)
	// QueryUpdatedSince returns records newest first.
	QueryUpdatedSince(ctx context.Context, q ChangeQuery) ([]SyncRecord, error)
}

type CreateRequest struct {
	Entity      string
	RecordID    string
	Data        map[string]any
	ClientID    string
	OperationID string
}

type UpdateRequest struct {
	Entity            string
	RecordID          string
	Data              map[string]any
	ExpectedUpdatedAt time.Time
	ClientID          string
	OperationID       string
}

type ChangeQuery struct {
	Entity string
	Since  time.Time
	// Before, when set, is an exclusive upper bound used to page backwards
	// through a truncated delta.
	Before        time.Time
	ExcludeClient string
	Limit         int
}

// Ledger is the per-client record of processed operations.
type Ledger interface {
	// Record upserts the row for (ClientID, OperationID). A row already marked
	// synced is returned unchanged.
	Record(ctx context.Context, w LedgerWrite) (StatusEntry, error)
	Lookup(ctx context.Context, clientID, operationID string) (StatusEntry, error)
	PendingCountByTable(ctx context.Context, clientID string) (map[string]int, error)
	LastSyncedAt(ctx context.Context, clientID string) (*time.Time, error)
	ListPending(ctx context.Context, clientID string, limit int) ([]StatusEntry, error)
	// MarkResolved settles the client's unsynced rows for one record.
	MarkResolved(ctx context.Context, clientID, entity, recordID, note string) (int, error)
}

type LedgerWrite struct {
	ClientID     string
	OperationID  string
	Entity       string
	RecordID     string
	Operation    OperationKind
	Synced       bool
	RetryCount   int
	ErrorMessage string
	At           time.Time
}

// Backend bundles a record store and a ledger sharing one storage engine.
type Backend interface {
	RecordStore
	Ledger
	io.Closer
	// Migrate creates the engine's own tables for the given entities.
	Migrate(ctx context.Context, entities []string) error
	Name() string
}

// Clock returns the current server time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now()
}

// normalizeTimestamp truncates to the precision every backend can store.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// nextUpdatedAt keeps UpdatedAt strictly increasing per record even when the
// clock stalls or steps back.
func nextUpdatedAt(now, previous time.Time) time.Time {
	now = normalizeTimestamp(now)
	if previous.IsZero() {
		return now
	}
	floor := normalizeTimestamp(previous).Add(time.Microsecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

// applyLedgerWrite computes the row that results from w given the existing
// row, if any. The second result is false when nothing needs to be stored.
func applyLedgerWrite(existing *StatusEntry, w LedgerWrite) (StatusEntry, bool) {
	at := normalizeTimestamp(w.At)
	if existing != nil && existing.Synced {
		return *existing, false
	}
	entry := StatusEntry{
		OperationID: w.OperationID,
		ClientID:    w.ClientID,
		Entity:      w.Entity,
		RecordID:    w.RecordID,
		Operation:   w.Operation,
		CreatedAt:   at,
	}
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
		entry.RetryCount = existing.RetryCount
	}
	if w.RetryCount > entry.RetryCount {
		entry.RetryCount = w.RetryCount
	}
	if w.Synced {
		entry.Synced = true
		entry.SyncedAt = &at
		return entry, true
	}
	entry.RetryCount++
	entry.ErrorMessage = w.ErrorMessage
	return entry, true
}
