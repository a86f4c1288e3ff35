package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultOperationTimeout = 5 * time.Second
	defaultMaxWriteAttempts = 3
	defaultMaxBatchSize     = 500
	defaultPendingListLimit = 100
)

// Notifier is told about batches that changed server state so other clients
// can be nudged to pull. Implementations must not block.
type Notifier interface {
	NotifyChanges(notice ChangeNotice)
}

type ChangeNotice struct {
	OriginClientID string    `json:"originClientId"`
	Entities       []string  `json:"tables"`
	SyncTimestamp  time.Time `json:"syncTimestamp"`
}

type CoordinatorOptions struct {
	Records  RecordStore
	Ledger   Ledger
	Registry *Registry
	Resolver ConflictResolver
	Clock    Clock
	// Location defines "start of day" for first-time pulls. Defaults to UTC.
	Location         *time.Location
	OperationTimeout time.Duration
	MaxWriteAttempts int
	MaxBatchSize     int
	Logger           logrus.FieldLogger
	Notifier         Notifier
}

// Coordinator applies client operation batches and computes server deltas.
// Operations within a batch run sequentially; separate batches may run
// concurrently and are serialized per record by conditional writes.
type Coordinator struct {
	records          RecordStore
	ledger           Ledger
	registry         *Registry
	resolver         ConflictResolver
	clock            Clock
	location         *time.Location
	opTimeout        time.Duration
	maxWriteAttempts int
	maxBatchSize     int
	logger           logrus.FieldLogger
	notifier         Notifier
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Records == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("%w: record store and ledger are required", ErrInvalidInput)
	}
	registry := opts.Registry
	if registry == nil {
		var err error
		registry, err = DefaultRegistry()
		if err != nil {
			return nil, err
		}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = &TimestampResolver{Policy: PolicyServerWins}
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	maxWriteAttempts := opts.MaxWriteAttempts
	if maxWriteAttempts <= 0 {
		maxWriteAttempts = defaultMaxWriteAttempts
	}
	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		records:          opts.Records,
		ledger:           opts.Ledger,
		registry:         registry,
		resolver:         resolver,
		clock:            clock,
		location:         location,
		opTimeout:        opTimeout,
		maxWriteAttempts: maxWriteAttempts,
		maxBatchSize:     maxBatchSize,
		logger:           logger.WithField("component", "coordinator"),
		notifier:         opts.Notifier,
	}, nil
}

// opOutcome is what happened to one operation before it is written to the ledger.
type opOutcome struct {
	err      error
	server   *SyncRecord
	mutated  bool
	degraded OperationKind
	replayed bool
}

// ProcessBatch applies operations in submission order. Per-operation failures
// are reported in the result; the returned error is non-nil only when the
// store is unavailable or ctx ends, in which case already applied operations
// stay applied and the partial result is returned.
func (c *Coordinator) ProcessBatch(ctx context.Context, clientID string, ops []SyncOperation, lastSync *time.Time) (BatchResult, error) {
	started := time.Now()
	clientID = strings.TrimSpace(clientID)
	result := BatchResult{
		Processed:     []string{},
		Failed:        []FailedOperation{},
		ServerChanges: []Change{},
	}
	if clientID == "" {
		return result, &ValidationError{Field: "clientId", Message: "client id is required"}
	}
	if len(ops) == 0 {
		return result, &ValidationError{Field: "operations", Message: "batch must contain at least one operation"}
	}
	if len(ops) > c.maxBatchSize {
		return result, &ValidationError{Field: "operations", Message: fmt.Sprintf("batch exceeds %d operations", c.maxBatchSize)}
	}
	log := c.logger.WithFields(logrus.Fields{"client_id": clientID, "operations": len(ops)})

	touched := map[string]struct{}{}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("batch interrupted before %s: %w", op.ID, err)
		}
		outcome := c.processOperation(ctx, clientID, op)
		if outcome.err != nil && (errors.Is(outcome.err, ErrStoreUnavailable) || ctx.Err() != nil) {
			log.WithError(outcome.err).WithField("operation_id", op.ID).Error("batch aborted")
			if ctx.Err() != nil {
				return result, fmt.Errorf("batch interrupted at %s: %w", op.ID, ctx.Err())
			}
			return result, outcome.err
		}
		if err := c.recordOutcome(ctx, clientID, op, outcome); err != nil {
			log.WithError(err).WithField("operation_id", op.ID).Error("ledger write failed")
			return result, err
		}
		if outcome.err != nil {
			reason := ReasonFor(outcome.err)
			result.Failed = append(result.Failed, FailedOperation{
				OperationID:  op.ID,
				Reason:       reason,
				Error:        outcome.err.Error(),
				ServerRecord: outcome.server,
			})
			log.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"table_name":   op.Entity,
				"record_id":    op.RecordID,
				"reason":       reason,
			}).Warn(outcome.err.Error())
			continue
		}
		result.Processed = append(result.Processed, op.ID)
		if outcome.mutated {
			touched[op.Entity] = struct{}{}
		}
		if outcome.degraded != "" {
			log.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"submitted_as": op.Kind,
				"applied_as":   outcome.degraded,
			}).Debug("operation degraded")
		}
	}

	// Captured before the delta query so the next pull overlaps rather than
	// skips writes that land while this one runs.
	result.SyncTimestamp = normalizeTimestamp(c.clock())

	changes, err := c.changesSince(ctx, clientID, lastSync, result.SyncTimestamp)
	if err != nil {
		return result, err
	}
	result.ServerChanges = changes.Changes
	result.Truncated = changes.Truncated
	result.Since = changes.Since

	if len(touched) > 0 && c.notifier != nil {
		entities := make([]string, 0, len(touched))
		for entity := range touched {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
		c.notifier.NotifyChanges(ChangeNotice{
			OriginClientID: clientID,
			Entities:       entities,
			SyncTimestamp:  result.SyncTimestamp,
		})
	}

	log.WithFields(logrus.Fields{
		"processed":      len(result.Processed),
		"failed":         len(result.Failed),
		"server_changes": len(result.ServerChanges),
		"duration_ms":    time.Since(started).Milliseconds(),
	}).Info("sync batch processed")
	return result, nil
}

func (c *Coordinator) processOperation(ctx context.Context, clientID string, op SyncOperation) opOutcome {
	if op.decodeErr != nil {
		return opOutcome{err: op.decodeErr}
	}
	payload, err := c.registry.Validate(op)
	if err != nil {
		return opOutcome{err: err}
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	entry, err := c.ledger.Lookup(opCtx, clientID, op.ID)
	switch {
	case err == nil && entry.Synced:
		return opOutcome{replayed: true}
	case err != nil && !errors.Is(err, ErrNotFound):
		return opOutcome{err: err}
	}

	if op.Kind == OpDelete {
		if _, err := c.records.Delete(opCtx, op.Entity, op.RecordID); err != nil {
			return opOutcome{err: err}
		}
		return opOutcome{mutated: true}
	}
	return c.applyWrite(opCtx, clientID, op, payload)
}

// applyWrite handles CREATE and UPDATE alike: a CREATE that finds the record
// continues as an UPDATE, an UPDATE that finds nothing continues as a CREATE.
func (c *Coordinator) applyWrite(ctx context.Context, clientID string, op SyncOperation, payload map[string]any) opOutcome {
	var current *SyncRecord
	for attempt := 0; attempt < c.maxWriteAttempts; attempt++ {
		if current == nil {
			rec, err := c.records.Get(ctx, op.Entity, op.RecordID)
			switch {
			case err == nil:
				current = &rec
			case errors.Is(err, ErrNotFound):
			default:
				return opOutcome{err: err}
			}
		}

		if current == nil {
			_, err := c.records.Create(ctx, CreateRequest{
				Entity:      op.Entity,
				RecordID:    op.RecordID,
				Data:        payload,
				ClientID:    clientID,
				OperationID: op.ID,
			})
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return opOutcome{err: err}
			}
			outcome := opOutcome{mutated: true}
			if op.Kind == OpUpdate {
				outcome.degraded = OpCreate
			}
			return outcome
		}

		write, outcome, done := c.resolve(clientID, *current, op, payload)
		if done {
			return outcome
		}
		_, err := c.records.Update(ctx, UpdateRequest{
			Entity:            op.Entity,
			RecordID:          op.RecordID,
			Data:              mergeData(current.Data, write),
			ExpectedUpdatedAt: current.UpdatedAt,
			ClientID:          clientID,
			OperationID:       op.ID,
		})
		if errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrNotFound) {
			current = nil
			continue
		}
		if err != nil {
			return opOutcome{err: err}
		}
		outcome = opOutcome{mutated: true}
		if op.Kind == OpCreate {
			outcome.degraded = OpUpdate
		}
		return outcome
	}
	return opOutcome{err: fmt.Errorf("%s/%s kept changing after %d attempts: %w", op.Entity, op.RecordID, c.maxWriteAttempts, ErrStaleWrite)}
}

// resolve returns the fields to write, or a final outcome when nothing should
// be written.
func (c *Coordinator) resolve(clientID string, current SyncRecord, op SyncOperation, payload map[string]any) (map[string]any, opOutcome, bool) {
	// The record already carries this very operation: it was applied but its
	// ledger row never landed.
	if op.ID != "" && current.LastOperationID == op.ID && current.UpdatedBy == clientID {
		return nil, opOutcome{replayed: true}, true
	}
	decision := c.resolver.Detect(current, op)
	switch decision.Decision {
	case DecisionNoConflict, DecisionClientWins:
		return payload, opOutcome{}, false
	case DecisionMergeRequired:
		if merger, ok := c.resolver.(Merger); ok {
			sanitized := op
			sanitized.Payload = payload
			merged, err := merger.Merge(current, sanitized)
			if err == nil && len(merged) > 0 {
				return merged, opOutcome{}, false
			}
		}
	}
	server := decision.Server
	if server == nil {
		snapshot := cloneRecord(current)
		server = &snapshot
	}
	return nil, opOutcome{
		err: &ConflictError{
			Entity:          op.Entity,
			RecordID:        op.RecordID,
			ClientTimestamp: op.ClientTimestamp,
			ServerUpdatedAt: current.UpdatedAt,
			Server:          server,
		},
		server: server,
	}, true
}

func (c *Coordinator) recordOutcome(ctx context.Context, clientID string, op SyncOperation, outcome opOutcome) error {
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	w := LedgerWrite{
		ClientID:    clientID,
		OperationID: op.ID,
		Entity:      op.Entity,
		RecordID:    op.RecordID,
		Operation:   op.Kind,
		Synced:      outcome.err == nil,
		RetryCount:  op.RetryCount,
		At:          c.clock(),
	}
	if outcome.err != nil {
		w.ErrorMessage = outcome.err.Error()
	}
	if strings.TrimSpace(op.ID) == "" {
		// Nothing to key the row on; the failure is still reported to the client.
		return nil
	}
	if _, err := c.ledger.Record(ledgerCtx, w); err != nil {
		return fmt.Errorf("record ledger entry %s: %w", op.ID, err)
	}
	return nil
}

// ChangesSince returns records other clients changed after since, newest
// first per entity. A nil since means the start of the current day.
func (c *Coordinator) ChangesSince(ctx context.Context, clientID string, since *time.Time) (ChangeSet, error) {
	return c.changesSince(ctx, strings.TrimSpace(clientID), since, time.Time{})
}

// ChangesPage pages backwards through one entity's delta when the newest page
// was truncated. before is exclusive.
func (c *Coordinator) ChangesPage(ctx context.Context, clientID, entity string, since, before time.Time) ([]Change, bool, error) {
	if _, ok := c.registry.Lookup(entity); !ok {
		return nil, false, &UnknownEntityError{Entity: entity}
	}
	limit := c.registry.PageSize(entity)
	recs, err := c.records.QueryUpdatedSince(ctx, ChangeQuery{
		Entity:        entity,
		Since:         since,
		Before:        before,
		ExcludeClient: strings.TrimSpace(clientID),
		Limit:         limit,
	})
	if err != nil {
		return nil, false, err
	}
	changes := make([]Change, 0, len(recs))
	for _, rec := range recs {
		changes = append(changes, changeFromRecord(rec))
	}
	return changes, len(recs) >= limit, nil
}

func (c *Coordinator) changesSince(ctx context.Context, clientID string, since *time.Time, until time.Time) (ChangeSet, error) {
	from := c.startOfDay()
	if since != nil && !since.IsZero() {
		from = normalizeTimestamp(*since)
	}
	set := ChangeSet{Since: from, Changes: []Change{}}
	for _, entity := range c.registry.Entities() {
		limit := c.registry.PageSize(entity)
		qctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		recs, err := c.records.QueryUpdatedSince(qctx, ChangeQuery{
			Entity:        entity,
			Since:         from,
			ExcludeClient: clientID,
			Limit:         limit,
		})
		cancel()
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) || ctx.Err() != nil {
				return set, err
			}
			// The client re-pulls a truncated entity, so a failed query is
			// reported the same way instead of failing the batch.
			c.logger.WithError(err).WithField("table_name", entity).Warn("delta query failed")
			set.Truncated = append(set.Truncated, entity)
			continue
		}
		for _, rec := range recs {
			if !until.IsZero() && rec.UpdatedAt.After(until) {
				continue
			}
			set.Changes = append(set.Changes, changeFromRecord(rec))
		}
		if len(recs) >= limit {
			set.Truncated = append(set.Truncated, entity)
		}
	}
	return set, nil
}

func (c *Coordinator) startOfDay() time.Time {
	now := c.clock().In(c.location)
	return normalizeTimestamp(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location))
}

func (c *Coordinator) Status(ctx context.Context, clientID string) (ClientStatus, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ClientStatus{}, &ValidationError{Field: "clientId", Message: "client id is required"}
	}
	pending, err := c.ledger.PendingCountByTable(ctx, clientID)
	if err != nil {
		return ClientStatus{}, err
	}
	last, err := c.ledger.LastSyncedAt(ctx, clientID)
	if err != nil {
		return ClientStatus{}, err
	}
	total := 0
	for _, count := range pending {
		total += count
	}
	status := ClientStatus{
		ClientID:          clientID,
		LastSync:          last,
		PendingOperations: pending,
		TotalPending:      total,
		Status:            StatusUpToDate,
	}
	if total > 0 {
		status.Status = StatusPendingSync
	}
	return status, nil
}

func (c *Coordinator) PendingOperations(ctx context.Context, clientID string, limit int) ([]StatusEntry, error) {
	if limit <= 0 {
		limit = defaultPendingListLimit
	}
	return c.ledger.ListPending(ctx, strings.TrimSpace(clientID), limit)
}

type RecordRef struct {
	Entity   string `json:"tableName"`
	RecordID string `json:"recordId"`
}

type ResolvedConflict struct {
	RecordRef
	Resolved int         `json:"resolvedOperations"`
	Server   *SyncRecord `json:"serverRecord,omitempty"`
}

// ResolveConflicts settles a client's rejected operations for the given
// records. Only server_wins is executable: the server copy already stands, so
// the ledger rows are closed and the current record is returned.
func (c *Coordinator) ResolveConflicts(ctx context.Context, clientID string, refs []RecordRef, policy ConflictPolicy) ([]ResolvedConflict, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, &ValidationError{Field: "clientId", Message: "client id is required"}
	}
	if policy == "" {
		policy = PolicyServerWins
	}
	if policy != PolicyServerWins {
		return nil, fmt.Errorf("%w: resolution strategy %s", ErrNotImplemented, policy)
	}
	out := make([]ResolvedConflict, 0, len(refs))
	note := "resolved: " + string(policy)
	for _, ref := range refs {
		if _, ok := c.registry.Lookup(ref.Entity); !ok {
			return out, &UnknownEntityError{Entity: ref.Entity}
		}
		n, err := c.ledger.MarkResolved(ctx, clientID, ref.Entity, ref.RecordID, note)
		if err != nil {
			return out, err
		}
		resolved := ResolvedConflict{RecordRef: ref, Resolved: n}
		rec, err := c.records.Get(ctx, ref.Entity, ref.RecordID)
		switch {
		case err == nil:
			resolved.Server = &rec
		case !errors.Is(err, ErrNotFound):
			return out, err
		}
		out = append(out, resolved)
	}
	c.logger.WithFields(logrus.Fields{"client_id": clientID, "records": len(refs)}).Info("conflicts resolved")
	return out, nil
}

type PingResult struct {
	ClientID      string    `json:"clientId"`
	ServerTime    time.Time `json:"serverTime"`
	SyncAvailable bool      `json:"syncAvailable"`
}

// Ping reports whether the store answers. A client without an id is issued one.
func (c *Coordinator) Ping(ctx context.Context, clientID string) PingResult {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	pctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	_, err := c.ledger.LastSyncedAt(pctx, clientID)
	if err != nil {
		c.logger.WithError(err).Warn("ping: ledger unreachable")
	}
	return PingResult{
		ClientID:      clientID,
		ServerTime:    normalizeTimestamp(c.clock()),
		SyncAvailable: err == nil,
	}
}

func changeFromRecord(rec SyncRecord) Change {
	return Change{
		Entity:    rec.Entity,
		Operation: OpUpdate,
		RecordID:  rec.RecordID,
		Data:      rec.Data,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}
}

// mergeData applies a partial payload on top of the current record data.
func mergeData(current, patch map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
