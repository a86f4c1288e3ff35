package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	recordsTableName = "sync_records"
	ledgerTableName  = "sync_status"
	sqlInitTimeout   = 5 * time.Second

	recordColumns = "record_id, data, version, updated_by, last_op_id, created_at, updated_at"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect isolates what differs between the SQL engines.
type sqlDialect struct {
	name      string
	driver    string
	jsonType  string
	timeType  string
	boolType  string
	greatest  string
	numbered  bool
	timeArg   func(time.Time) any
	classify  func(error) error
	configure func(*sql.DB) error
}

// bind rewrites each "?" into the dialect's placeholder in order.
func (d sqlDialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLBackend implements Backend on database/sql. Records are stored as JSON
// documents in one table keyed by (entity, record_id).
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	clock   Clock
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect, clock Clock) *SQLBackend {
	if clock == nil {
		clock = systemClock
	}
	return &SQLBackend{dsn: dsn, dialect: dialect, clock: clock, openDB: sql.Open}
}

func newSQLBackendWithDB(db *sql.DB, dialect sqlDialect, clock Clock) *SQLBackend {
	b := newSQLBackend("", dialect, clock)
	b.initOnce.Do(func() { b.db = db })
	return b
}

func (b *SQLBackend) Name() string { return b.dialect.name }

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = &StoreUnavailableError{Backend: b.dialect.name, Err: err}
			return
		}
		if b.dialect.configure != nil {
			if err := b.dialect.configure(db); err != nil {
				_ = db.Close()
				b.initErr = &StoreUnavailableError{Backend: b.dialect.name, Err: err}
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) Migrate(ctx context.Context, _ []string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlInitTimeout)
	defer cancel()

	d := b.dialect
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				entity TEXT NOT NULL,
				record_id TEXT NOT NULL,
				data %s NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				updated_by TEXT NOT NULL DEFAULT '',
				last_op_id TEXT NOT NULL DEFAULT '',
				created_at %s NOT NULL,
				updated_at %s NOT NULL,
				PRIMARY KEY (entity, record_id)
			)`, quoteIdentifier(recordsTableName), d.jsonType, d.timeType, d.timeType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (entity, updated_at)",
			quoteIdentifier(recordsTableName+"_entity_updated_idx"), quoteIdentifier(recordsTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				client_id TEXT NOT NULL,
				id TEXT NOT NULL,
				table_name TEXT NOT NULL,
				record_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				synced %s NOT NULL DEFAULT FALSE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				created_at %s NOT NULL,
				synced_at %s,
				PRIMARY KEY (client_id, id)
			)`, quoteIdentifier(ledgerTableName), d.boolType, d.timeType, d.timeType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (client_id, synced)",
			quoteIdentifier(ledgerTableName+"_client_synced_idx"), quoteIdentifier(ledgerTableName)),
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return b.classify(fmt.Errorf("migrate %s: %w", d.name, err))
		}
	}
	return nil
}

func (b *SQLBackend) Get(ctx context.Context, entity, recordID string) (SyncRecord, error) {
	if err := b.ensureReady(); err != nil {
		return SyncRecord{}, err
	}
	query := b.dialect.bind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE entity = ? AND record_id = ?",
		recordColumns, quoteIdentifier(recordsTableName)))
	rec, err := scanRecord(b.db.QueryRowContext(ctx, query, entity, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, ErrNotFound
	}
	if err != nil {
		return SyncRecord{}, b.classify(err)
	}
	rec.Entity = entity
	return rec, nil
}

func (b *SQLBackend) Create(ctx context.Context, req CreateRequest) (SyncRecord, error) {
	if err := b.ensureReady(); err != nil {
		return SyncRecord{}, err
	}
	payload, err := json.Marshal(nonNilData(req.Data))
	if err != nil {
		return SyncRecord{}, &ValidationError{Field: "data", Message: err.Error()}
	}
	now := nextUpdatedAt(b.clock(), time.Time{})
	query := b.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (entity, record_id, data, version, updated_by, last_op_id, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (entity, record_id) DO NOTHING`, quoteIdentifier(recordsTableName)))
	res, err := b.db.ExecContext(ctx, query,
		req.Entity, req.RecordID, string(payload), req.ClientID, req.OperationID, b.dialect.timeArg(now), b.dialect.timeArg(now))
	if err != nil {
		return SyncRecord{}, b.classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return SyncRecord{}, b.classify(err)
	}
	if affected == 0 {
		return SyncRecord{}, ErrAlreadyExists
	}
	return SyncRecord{
		Entity:          req.Entity,
		RecordID:        req.RecordID,
		Data:            cloneData(req.Data),
		Version:         1,
		UpdatedBy:       req.ClientID,
		LastOperationID: req.OperationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (b *SQLBackend) Update(ctx context.Context, req UpdateRequest) (SyncRecord, error) {
	if err := b.ensureReady(); err != nil {
		return SyncRecord{}, err
	}
	payload, err := json.Marshal(nonNilData(req.Data))
	if err != nil {
		return SyncRecord{}, &ValidationError{Field: "data", Message: err.Error()}
	}
	expected := normalizeTimestamp(req.ExpectedUpdatedAt)
	next := nextUpdatedAt(b.clock(), expected)
	query := b.dialect.bind(fmt.Sprintf(`
		UPDATE %s
		SET data = ?, version = version + 1, updated_by = ?, last_op_id = ?, updated_at = ?
		WHERE entity = ? AND record_id = ? AND updated_at = ?
		RETURNING version, created_at`, quoteIdentifier(recordsTableName)))
	var version int64
	var createdAt time.Time
	err = b.db.QueryRowContext(ctx, query,
		string(payload), req.ClientID, req.OperationID, b.dialect.timeArg(next),
		req.Entity, req.RecordID, b.dialect.timeArg(expected),
	).Scan(&version, timeScanner{dst: &createdAt})
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := b.Get(ctx, req.Entity, req.RecordID); getErr != nil {
			return SyncRecord{}, getErr
		}
		return SyncRecord{}, ErrStaleWrite
	}
	if err != nil {
		return SyncRecord{}, b.classify(err)
	}
	return SyncRecord{
		Entity:          req.Entity,
		RecordID:        req.RecordID,
		Data:            cloneData(req.Data),
		Version:         version,
		UpdatedBy:       req.ClientID,
		LastOperationID: req.OperationID,
		CreatedAt:       createdAt,
		UpdatedAt:       next,
	}, nil
}

func (b *SQLBackend) Delete(ctx context.Context, entity, recordID string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	query := b.dialect.bind(fmt.Sprintf("DELETE FROM %s WHERE entity = ? AND record_id = ?", quoteIdentifier(recordsTableName)))
	res, err := b.db.ExecContext(ctx, query, entity, recordID)
	if err != nil {
		return false, b.classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, b.classify(err)
	}
	return affected > 0, nil
}

func (b *SQLBackend) QueryUpdatedSince(ctx context.Context, q ChangeQuery) ([]SyncRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"SELECT %s FROM %s WHERE entity = ? AND updated_at > ?",
		recordColumns, quoteIdentifier(recordsTableName))
	args := []any{q.Entity, b.dialect.timeArg(normalizeTimestamp(q.Since))}
	if !q.Before.IsZero() {
		sb.WriteString(" AND updated_at < ?")
		args = append(args, b.dialect.timeArg(normalizeTimestamp(q.Before)))
	}
	if q.ExcludeClient != "" {
		sb.WriteString(" AND updated_by <> ?")
		args = append(args, q.ExcludeClient)
	}
	sb.WriteString(" ORDER BY updated_at DESC, record_id ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.dialect.bind(sb.String()), args...)
	if err != nil {
		return nil, b.classify(err)
	}
	defer rows.Close()

	out := make([]SyncRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, b.classify(err)
		}
		rec.Entity = q.Entity
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, b.classify(err)
	}
	return out, nil
}

func (b *SQLBackend) Record(ctx context.Context, w LedgerWrite) (StatusEntry, error) {
	if strings.TrimSpace(w.ClientID) == "" || strings.TrimSpace(w.OperationID) == "" {
		return StatusEntry{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return StatusEntry{}, err
	}
	at := normalizeTimestamp(w.At)
	increment := 1
	retryCount := w.RetryCount + 1
	var syncedAt any
	errorMessage := w.ErrorMessage
	if w.Synced {
		increment = 0
		retryCount = w.RetryCount
		syncedAt = b.dialect.timeArg(at)
		errorMessage = ""
	}
	table := quoteIdentifier(ledgerTableName)
	query := b.dialect.bind(fmt.Sprintf(`
		INSERT INTO %[1]s (client_id, id, table_name, record_id, operation, synced, retry_count, error_message, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, id) DO UPDATE SET
			retry_count = CASE WHEN %[1]s.synced THEN %[1]s.retry_count
				ELSE %[2]s(%[1]s.retry_count + ?, excluded.retry_count) END,
			error_message = CASE WHEN %[1]s.synced THEN %[1]s.error_message ELSE excluded.error_message END,
			synced_at = CASE WHEN %[1]s.synced THEN %[1]s.synced_at ELSE excluded.synced_at END,
			synced = %[1]s.synced OR excluded.synced
		RETURNING client_id, id, table_name, record_id, operation, synced, retry_count, error_message, created_at, synced_at`,
		table, b.dialect.greatest))
	entry, err := scanStatusEntry(b.db.QueryRowContext(ctx, query,
		w.ClientID, w.OperationID, w.Entity, w.RecordID, string(w.Operation), w.Synced,
		retryCount, errorMessage, b.dialect.timeArg(at), syncedAt, increment))
	if err != nil {
		return StatusEntry{}, b.classify(err)
	}
	return entry, nil
}

func (b *SQLBackend) Lookup(ctx context.Context, clientID, operationID string) (StatusEntry, error) {
	if err := b.ensureReady(); err != nil {
		return StatusEntry{}, err
	}
	query := b.dialect.bind(fmt.Sprintf(`
		SELECT client_id, id, table_name, record_id, operation, synced, retry_count, error_message, created_at, synced_at
		FROM %s WHERE client_id = ? AND id = ?`, quoteIdentifier(ledgerTableName)))
	entry, err := scanStatusEntry(b.db.QueryRowContext(ctx, query, clientID, operationID))
	if errors.Is(err, sql.ErrNoRows) {
		return StatusEntry{}, ErrNotFound
	}
	if err != nil {
		return StatusEntry{}, b.classify(err)
	}
	return entry, nil
}

func (b *SQLBackend) PendingCountByTable(ctx context.Context, clientID string) (map[string]int, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := b.dialect.bind(fmt.Sprintf(
		"SELECT table_name, COUNT(*) FROM %s WHERE client_id = ? AND synced = FALSE GROUP BY table_name",
		quoteIdentifier(ledgerTableName)))
	rows, err := b.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, b.classify(err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var table string
		var count int
		if err := rows.Scan(&table, &count); err != nil {
			return nil, b.classify(err)
		}
		counts[table] = count
	}
	if err := rows.Err(); err != nil {
		return nil, b.classify(err)
	}
	return counts, nil
}

func (b *SQLBackend) LastSyncedAt(ctx context.Context, clientID string) (*time.Time, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := b.dialect.bind(fmt.Sprintf(
		"SELECT MAX(synced_at) FROM %s WHERE client_id = ? AND synced = TRUE", quoteIdentifier(ledgerTableName)))
	var latest *time.Time
	if err := b.db.QueryRowContext(ctx, query, clientID).Scan(nullTimeScanner{dst: &latest}); err != nil {
		return nil, b.classify(err)
	}
	return latest, nil
}

func (b *SQLBackend) ListPending(ctx context.Context, clientID string, limit int) ([]StatusEntry, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := b.dialect.bind(fmt.Sprintf(`
		SELECT client_id, id, table_name, record_id, operation, synced, retry_count, error_message, created_at, synced_at
		FROM %s WHERE client_id = ? AND synced = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, quoteIdentifier(ledgerTableName)))
	rows, err := b.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, b.classify(err)
	}
	defer rows.Close()
	out := make([]StatusEntry, 0)
	for rows.Next() {
		entry, err := scanStatusEntry(rows)
		if err != nil {
			return nil, b.classify(err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, b.classify(err)
	}
	return out, nil
}

func (b *SQLBackend) MarkResolved(ctx context.Context, clientID, entity, recordID, note string) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	now := normalizeTimestamp(b.clock())
	query := b.dialect.bind(fmt.Sprintf(`
		UPDATE %s SET synced = TRUE, synced_at = ?, error_message = ?
		WHERE client_id = ? AND table_name = ? AND record_id = ? AND synced = FALSE`, quoteIdentifier(ledgerTableName)))
	res, err := b.db.ExecContext(ctx, query, b.dialect.timeArg(now), note, clientID, entity, recordID)
	if err != nil {
		return 0, b.classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, b.classify(err)
	}
	return int(affected), nil
}

// classify leaves context errors alone so callers can tell a timeout from an
// outage.
func (b *SQLBackend) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return &StoreUnavailableError{Backend: b.dialect.name, Err: err}
	}
	if b.dialect.classify != nil {
		return b.dialect.classify(err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (SyncRecord, error) {
	var rec SyncRecord
	var raw []byte
	if err := row.Scan(&rec.RecordID, &raw, &rec.Version, &rec.UpdatedBy, &rec.LastOperationID,
		timeScanner{dst: &rec.CreatedAt}, timeScanner{dst: &rec.UpdatedAt}); err != nil {
		return SyncRecord{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Data); err != nil {
			return SyncRecord{}, fmt.Errorf("decode record %s: %w", rec.RecordID, err)
		}
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	return rec, nil
}

func scanStatusEntry(row rowScanner) (StatusEntry, error) {
	var entry StatusEntry
	var operation string
	if err := row.Scan(&entry.ClientID, &entry.OperationID, &entry.Entity, &entry.RecordID, &operation,
		&entry.Synced, &entry.RetryCount, &entry.ErrorMessage,
		timeScanner{dst: &entry.CreatedAt}, nullTimeScanner{dst: &entry.SyncedAt}); err != nil {
		return StatusEntry{}, err
	}
	entry.Operation = OperationKind(operation)
	return entry, nil
}

// timeScanner reads either native timestamps or unix microseconds.
type timeScanner struct {
	dst *time.Time
}

func (s timeScanner) Scan(src any) error {
	t, ok, err := decodeSQLTime(src)
	if err != nil {
		return err
	}
	if !ok {
		*s.dst = time.Time{}
		return nil
	}
	*s.dst = t
	return nil
}

type nullTimeScanner struct {
	dst **time.Time
}

func (s nullTimeScanner) Scan(src any) error {
	t, ok, err := decodeSQLTime(src)
	if err != nil {
		return err
	}
	if !ok {
		*s.dst = nil
		return nil
	}
	*s.dst = &t
	return nil
}

func decodeSQLTime(src any) (time.Time, bool, error) {
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return normalizeTimestamp(v), true, nil
	case int64:
		return time.UnixMicro(v).UTC(), true, nil
	case []byte:
		return parseSQLTimeString(string(v))
	case string:
		return parseSQLTimeString(v)
	default:
		return time.Time{}, false, fmt.Errorf("unsupported time value %T", src)
	}
}

func parseSQLTimeString(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return normalizeTimestamp(t), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable time %q", raw)
}

func nonNilData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
