package syncclient

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 100

type AgentOptions struct {
	// Dir holds the outbox and the mirror state file.
	Dir       string
	ClientID  string
	BatchSize int
	Logger    logrus.FieldLogger
	Clock     func() time.Time
}

// SyncReport summarizes one SyncOnce pass.
type SyncReport struct {
	Pushed    int
	Conflicts int
	Rejected  int
	Retrying  int
	Pulled    int
}

// Agent is the device side of the protocol: local edits land in the outbox and
// the mirror, SyncOnce pushes them and folds server changes back in.
type Agent struct {
	mu        sync.Mutex
	client    RemoteClient
	outbox    *Outbox
	statePath string
	state     agentState
	batchSize int
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewAgent(client RemoteClient, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	outbox, err := OpenOutbox(dir)
	if err != nil {
		return nil, err
	}
	statePath := filepath.Join(dir, stateFileName)
	state, err := loadAgentState(statePath)
	if err != nil {
		_ = outbox.Close()
		return nil, fmt.Errorf("load agent state: %w", err)
	}
	if id := strings.TrimSpace(opts.ClientID); id != "" {
		state.ClientID = id
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	outbox.now = clock
	return &Agent{
		client:    client,
		outbox:    outbox,
		statePath: statePath,
		state:     state,
		batchSize: batchSize,
		logger:    logger.WithField("component", "agent"),
		clock:     clock,
	}, nil
}

func (a *Agent) ClientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.ClientID
}

func (a *Agent) Pending() int {
	return a.outbox.Len()
}

// LastSync returns the watermark, or nil before the first successful pull.
func (a *Agent) LastSync() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.LastSync == nil {
		return nil
	}
	ts := *a.state.LastSync
	return &ts
}

// Record returns the mirrored copy of a record.
func (a *Agent) Record(table, recordID string) (MirrorRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.state.Records[table][recordID]
	return rec, ok
}

// Enqueue records a local edit: the operation is appended to the outbox and
// applied to the mirror straight away.
func (a *Agent) Enqueue(op fieldsync.SyncOperation) (fieldsync.SyncOperation, error) {
	stored, err := a.outbox.Enqueue(op)
	if err != nil {
		return stored, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch stored.Kind {
	case fieldsync.OpDelete:
		delete(a.state.Records[stored.Entity], stored.RecordID)
	default:
		merged := map[string]any{}
		if current, ok := a.state.Records[stored.Entity][stored.RecordID]; ok {
			for k, v := range current.Data {
				merged[k] = v
			}
		}
		for k, v := range stored.Payload {
			merged[k] = v
		}
		table := a.state.Records[stored.Entity]
		if table == nil {
			table = map[string]MirrorRecord{}
			a.state.Records[stored.Entity] = table
		}
		table[stored.RecordID] = MirrorRecord{
			Data:      merged,
			Version:   table[stored.RecordID].Version,
			UpdatedAt: stored.ClientTimestamp,
		}
	}
	return stored, saveAgentState(a.statePath, a.state)
}

// SyncOnce registers with the server if needed, drains the outbox in batches
// and pulls whatever other clients changed since the watermark.
func (a *Agent) SyncOnce(ctx context.Context) (SyncReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var report SyncReport
	if a.state.ClientID == "" {
		pong, err := a.client.Ping(ctx, "")
		if err != nil {
			return report, fmt.Errorf("register client: %w", err)
		}
		a.state.ClientID = pong.ClientID
		a.logger.WithField("client_id", pong.ClientID).Info("registered with sync server")
		if err := saveAgentState(a.statePath, a.state); err != nil {
			return report, err
		}
	}

	pushed, err := a.push(ctx, &report)
	if err != nil {
		return report, err
	}
	if !pushed {
		if err := a.pull(ctx, &report); err != nil {
			return report, err
		}
	}
	if err := saveAgentState(a.statePath, a.state); err != nil {
		return report, err
	}
	a.logger.WithFields(logrus.Fields{
		"pushed":    report.Pushed,
		"conflicts": report.Conflicts,
		"rejected":  report.Rejected,
		"retrying":  report.Retrying,
		"pulled":    report.Pulled,
		"pending":   a.outbox.Len(),
	}).Debug("sync pass complete")
	return report, nil
}

// push submits queued operations; it reports whether at least one batch went
// through, since each batch response already carries the delta.
func (a *Agent) push(ctx context.Context, report *SyncReport) (bool, error) {
	pushed := false
	sent := map[string]struct{}{}
	for {
		batch := a.nextBatch(sent)
		if len(batch) == 0 {
			return pushed, nil
		}
		resp, err := a.client.SubmitBatch(ctx, BatchRequest{
			ClientID:          a.state.ClientID,
			Operations:        batch,
			LastSyncTimestamp: a.state.LastSync,
		})
		if err != nil {
			return pushed, fmt.Errorf("submit batch: %w", err)
		}
		pushed = true
		for _, op := range batch {
			sent[op.ID] = struct{}{}
		}

		settled := append([]string(nil), resp.Processed...)
		report.Pushed += len(resp.Processed)
		var retry []string
		var conflicts []fieldsync.RecordRef
		for _, failed := range resp.Failed {
			log := a.logger.WithFields(logrus.Fields{"operation_id": failed.OperationID, "reason": failed.Reason})
			switch {
			case failed.Reason == fieldsync.ReasonConflict:
				report.Conflicts++
				settled = append(settled, failed.OperationID)
				if failed.ServerRecord != nil {
					a.state.applyRecord(*failed.ServerRecord)
					conflicts = append(conflicts, fieldsync.RecordRef{Entity: failed.ServerRecord.Entity, RecordID: failed.ServerRecord.RecordID})
				}
				log.Info("local edit superseded by server copy")
			case failed.Reason.Retryable():
				report.Retrying++
				retry = append(retry, failed.OperationID)
				log.Warn(failed.Error)
			default:
				report.Rejected++
				settled = append(settled, failed.OperationID)
				log.Error("operation rejected by server: " + failed.Error)
			}
		}
		if err := a.outbox.Remove(settled...); err != nil {
			return pushed, err
		}
		if err := a.outbox.MarkRetried(retry...); err != nil {
			return pushed, err
		}
		if len(conflicts) > 0 {
			if _, err := a.client.ResolveConflicts(ctx, a.state.ClientID, conflicts); err != nil {
				a.logger.WithError(err).Warn("closing conflicted operations on server failed")
			}
		}

		report.Pulled += a.applyChanges(resp.ServerChanges)
		if err := a.fetchTruncated(ctx, resp.Since, resp.Truncated, resp.ServerChanges, report); err != nil {
			return pushed, err
		}
		a.state.advance(resp.SyncTimestamp)
		if err := saveAgentState(a.statePath, a.state); err != nil {
			return pushed, err
		}
	}
}

// nextBatch skips operations already sent during this pass so a transient
// failure waits for the next pass instead of spinning.
func (a *Agent) nextBatch(sent map[string]struct{}) []fieldsync.SyncOperation {
	queued := a.outbox.Peek(0)
	batch := make([]fieldsync.SyncOperation, 0, a.batchSize)
	for _, op := range queued {
		if _, ok := sent[op.ID]; ok {
			continue
		}
		batch = append(batch, op)
		if len(batch) == a.batchSize {
			break
		}
	}
	return batch
}

func (a *Agent) pull(ctx context.Context, report *SyncReport) error {
	resp, err := a.client.Changes(ctx, a.state.ClientID, a.state.LastSync)
	if err != nil {
		return fmt.Errorf("pull changes: %w", err)
	}
	report.Pulled += a.applyChanges(resp.Changes)
	if err := a.fetchTruncated(ctx, resp.Since, resp.Truncated, resp.Changes, report); err != nil {
		return err
	}
	// The changes listing has no snapshot timestamp, so the watermark only
	// moves to the newest record actually received.
	for _, change := range resp.Changes {
		a.state.advance(change.UpdatedAt)
	}
	return nil
}

// fetchTruncated pages backwards through every entity the server cut short,
// starting below the oldest change already received for it. since is the
// lower bound the server reported for the first page.
func (a *Agent) fetchTruncated(ctx context.Context, since time.Time, truncated []string, first []fieldsync.Change, report *SyncReport) error {
	if len(truncated) == 0 {
		return nil
	}
	if since.IsZero() && a.state.LastSync != nil {
		since = *a.state.LastSync
	}
	if since.IsZero() {
		a.logger.WithField("tables", truncated).Warn("server reported no delta bound; skipping truncated tables")
		return nil
	}
	for _, table := range truncated {
		var before time.Time
		for _, change := range first {
			if change.Entity == table && (before.IsZero() || change.UpdatedAt.Before(before)) {
				before = change.UpdatedAt
			}
		}
		for {
			if before.IsZero() {
				// Nothing received for the table yet, so start from the top.
				before = a.clock().UTC().Add(time.Microsecond)
			}
			page, err := a.client.ChangesPage(ctx, a.state.ClientID, table, since, before)
			if err != nil {
				var httpErr *HTTPError
				if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
					a.logger.WithError(err).WithField("table_name", table).Warn("skipping truncated table")
					break
				}
				return fmt.Errorf("page %s: %w", table, err)
			}
			report.Pulled += a.applyChanges(page.Changes)
			if !page.HasMore || len(page.Changes) == 0 {
				break
			}
			before = page.Changes[len(page.Changes)-1].UpdatedAt
		}
	}
	return nil
}

func (a *Agent) applyChanges(changes []fieldsync.Change) int {
	applied := 0
	for _, change := range changes {
		if a.state.apply(change) {
			applied++
		}
	}
	return applied
}

func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	saveErr := saveAgentState(a.statePath, a.state)
	closeErr := a.outbox.Close()
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}
