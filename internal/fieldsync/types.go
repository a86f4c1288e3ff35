package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type OperationKind string

const (
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// SyncOperation is one client-side mutation submitted in a batch.
type SyncOperation struct {
	ID              string         `json:"id"`
	Kind            OperationKind  `json:"operation"`
	Entity          string         `json:"tableName"`
	RecordID        string         `json:"recordId"`
	Payload         map[string]any `json:"data,omitempty"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	RetryCount      int            `json:"retryCount"`
	// BaseVersion is the record version the client last observed. Zero means unknown.
	BaseVersion int64 `json:"baseVersion,omitempty"`

	decodeErr error
}

// UnmarshalJSON accepts client timestamps without a zone and reads them as UTC.
func (op *SyncOperation) UnmarshalJSON(data []byte) error {
	type plain SyncOperation
	aux := struct {
		*plain
		ClientTimestamp *string `json:"clientTimestamp"`
	}{plain: (*plain)(op)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	op.ClientTimestamp = time.Time{}
	if aux.ClientTimestamp != nil && strings.TrimSpace(*aux.ClientTimestamp) != "" {
		ts, err := ParseTimestamp(*aux.ClientTimestamp)
		if err != nil {
			return fmt.Errorf("clientTimestamp: %w", err)
		}
		op.ClientTimestamp = ts
	}
	return nil
}

// DecodeOperation decodes one operation of a batch. A malformed operation is
// still returned, carrying whatever identifying fields could be read, so the
// batch can report it as failed while its siblings are applied.
func DecodeOperation(raw json.RawMessage) SyncOperation {
	var op SyncOperation
	err := json.Unmarshal(raw, &op)
	if err == nil {
		return op
	}
	op = SyncOperation{}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) == nil {
		readString := func(key string) string {
			var v string
			_ = json.Unmarshal(fields[key], &v)
			return v
		}
		op.ID = readString("id")
		op.Kind = OperationKind(readString("operation"))
		op.Entity = readString("tableName")
		op.RecordID = readString("recordId")
	}
	op.decodeErr = &ValidationError{Field: "operation", Message: "malformed operation: " + err.Error()}
	return op
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads RFC 3339 timestamps. Values without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// SyncRecord is the server-side state of one record.
type SyncRecord struct {
	Entity    string         `json:"tableName"`
	RecordID  string         `json:"recordId"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	// LastOperationID is the client operation that produced this version.
	LastOperationID string    `json:"lastOperationId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type FailureReason string

const (
	ReasonConflict      FailureReason = "CONFLICT"
	ReasonUnknownEntity FailureReason = "UNKNOWN_ENTITY"
	ReasonValidation    FailureReason = "VALIDATION"
	ReasonTimeout       FailureReason = "TIMEOUT"
	ReasonInternal      FailureReason = "INTERNAL"
)

// Retryable reports whether a client should resubmit the operation unchanged.
func (r FailureReason) Retryable() bool {
	return r == ReasonTimeout || r == ReasonInternal
}

type FailedOperation struct {
	OperationID  string        `json:"id"`
	Reason       FailureReason `json:"reason"`
	Error        string        `json:"error"`
	ServerRecord *SyncRecord   `json:"serverRecord,omitempty"`
}

// Change is one entry of a server-to-client delta.
type Change struct {
	Entity    string         `json:"tableName"`
	Operation OperationKind  `json:"operation"`
	RecordID  string         `json:"recordId"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type ChangeSet struct {
	Since     time.Time `json:"since"`
	Changes   []Change  `json:"changes"`
	Truncated []string  `json:"truncated,omitempty"`
}

type BatchResult struct {
	Processed     []string          `json:"processed"`
	Failed        []FailedOperation `json:"failed"`
	ServerChanges []Change          `json:"serverChanges"`
	Truncated     []string          `json:"truncated,omitempty"`
	// Since is the lower bound the delta was computed from.
	Since         time.Time `json:"since"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

func (r BatchResult) Success() bool {
	return len(r.Failed) == 0
}

type Decision string

const (
	DecisionNoConflict    Decision = "NO_CONFLICT"
	DecisionServerWins    Decision = "SERVER_WINS"
	DecisionClientWins    Decision = "CLIENT_WINS"
	DecisionMergeRequired Decision = "MERGE_REQUIRED"
)

type ConflictDecision struct {
	Decision Decision
	Server   *SyncRecord
}

// StatusEntry is one sync ledger row.
type StatusEntry struct {
	OperationID  string        `json:"id"`
	ClientID     string        `json:"clientId"`
	Entity       string        `json:"tableName"`
	RecordID     string        `json:"recordId"`
	Operation    OperationKind `json:"operation"`
	Synced       bool          `json:"synced"`
	RetryCount   int           `json:"retryCount"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	SyncedAt     *time.Time    `json:"syncedAt,omitempty"`
}

type ClientStatus struct {
	ClientID          string         `json:"clientId"`
	LastSync          *time.Time     `json:"lastSync"`
	PendingOperations map[string]int `json:"pendingOperations"`
	TotalPending      int            `json:"totalPending"`
	Status            string         `json:"status"`
}

const (
	StatusUpToDate    = "up_to_date"
	StatusPendingSync = "pending_sync"
)

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func cloneRecord(rec SyncRecord) SyncRecord {
	rec.Data = cloneData(rec.Data)
	return rec
}
