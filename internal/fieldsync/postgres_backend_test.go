package fieldsync

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

var recordColumnNames = []string{"record_id", "data", "version", "updated_by", "last_op_id", "created_at", "updated_at"}

func newMockPostgresBackend(t *testing.T, clock Clock) (*SQLBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return newSQLBackendWithDB(db, postgresDialect, clock), mock
}

func TestPostgresBindNumbersPlaceholders(t *testing.T) {
	require.Equal(t, "a = $1 AND b = $2", postgresDialect.bind("a = ? AND b = ?"))
	require.Equal(t, "a = ? AND b = ?", sqliteDialect.bind("a = ? AND b = ?"))
}

func TestPostgresMigrateCreatesOwnTables(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "sync_records"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "sync_records_entity_updated_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "sync_status"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "sync_status_client_synced_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, b.Migrate(context.Background(), []string{"work_orders"}))
}

func TestPostgresGetDecodesRow(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	rows := sqlmock.NewRows(recordColumnNames).
		AddRow("wo-1", []byte(`{"title":"Fix pump"}`), int64(3), "tablet-1", "op7", t0, t0.Add(time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "sync_records" WHERE entity = $1 AND record_id = $2`)).
		WithArgs("work_orders", "wo-1").
		WillReturnRows(rows)

	rec, err := b.Get(context.Background(), "work_orders", "wo-1")
	require.NoError(t, err)
	require.Equal(t, "work_orders", rec.Entity)
	require.Equal(t, "Fix pump", rec.Data["title"])
	require.EqualValues(t, 3, rec.Version)
	require.Equal(t, "op7", rec.LastOperationID)
	require.True(t, rec.UpdatedAt.Equal(t0.Add(time.Hour)))
}

func TestPostgresGetMissingRecord(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	mock.ExpectQuery(`FROM "sync_records"`).WillReturnError(sql.ErrNoRows)
	_, err := b.Get(context.Background(), "work_orders", "wo-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCreateConflictIsAlreadyExists(t *testing.T) {
	b, mock := newMockPostgresBackend(t, newFakeClock(t0).Now)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (entity, record_id) DO NOTHING`)).
		WithArgs("work_orders", "wo-1", `{"title":"A"}`, "tablet-1", "op1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := b.Create(context.Background(), CreateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "A"}, ClientID: "tablet-1", OperationID: "op1"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPostgresUpdateDistinguishesStaleFromMissing(t *testing.T) {
	b, mock := newMockPostgresBackend(t, newFakeClock(t0).Now)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity = $5 AND record_id = $6 AND updated_at = $7`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM "sync_records" WHERE entity`).
		WillReturnRows(sqlmock.NewRows(recordColumnNames).
			AddRow("wo-1", []byte(`{}`), int64(2), "office", "", t0, t0))
	_, err := b.Update(ctx, UpdateRequest{Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{}, ExpectedUpdatedAt: t0.Add(-time.Second)})
	require.ErrorIs(t, err, ErrStaleWrite)

	mock.ExpectQuery(`UPDATE "sync_records"`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM "sync_records" WHERE entity`).WillReturnError(sql.ErrNoRows)
	_, err = b.Update(ctx, UpdateRequest{Entity: "work_orders", RecordID: "wo-2", Data: map[string]any{}, ExpectedUpdatedAt: t0})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdateReturnsNewVersion(t *testing.T) {
	b, mock := newMockPostgresBackend(t, newFakeClock(t0).Now)
	mock.ExpectQuery(`UPDATE "sync_records"`).
		WithArgs(`{"title":"B"}`, "tablet-1", "op2", sqlmock.AnyArg(), "work_orders", "wo-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at"}).AddRow(int64(5), t0.Add(-time.Hour)))

	rec, err := b.Update(context.Background(), UpdateRequest{
		Entity: "work_orders", RecordID: "wo-1", Data: map[string]any{"title": "B"},
		ExpectedUpdatedAt: t0.Add(-time.Minute), ClientID: "tablet-1", OperationID: "op2",
	})
	require.NoError(t, err)
	require.EqualValues(t, 5, rec.Version)
	require.Equal(t, "op2", rec.LastOperationID)
	require.True(t, rec.UpdatedAt.Equal(t0))
}

func TestPostgresQueryBuildsFilters(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity = $1 AND updated_at > $2 AND updated_at < $3 AND updated_by <> $4 ORDER BY updated_at DESC, record_id ASC LIMIT $5`)).
		WithArgs("assets", sqlmock.AnyArg(), sqlmock.AnyArg(), "tablet-1", 50).
		WillReturnRows(sqlmock.NewRows(recordColumnNames).
			AddRow("a-2", []byte(`{"name":"Boiler"}`), int64(1), "office", "", t0, t0.Add(2*time.Second)).
			AddRow("a-1", []byte(`{"name":"Chiller"}`), int64(1), "office", "", t0, t0.Add(time.Second)))

	recs, err := b.QueryUpdatedSince(context.Background(), ChangeQuery{
		Entity: "assets", Since: t0, Before: t0.Add(time.Hour), ExcludeClient: "tablet-1", Limit: 50,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a-2", "a-1"}, recordIDs(recs))
	require.Equal(t, "assets", recs[1].Entity)
}

func TestPostgresRecordSendsUpsert(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	columns := []string{"client_id", "id", "table_name", "record_id", "operation", "synced", "retry_count", "error_message", "created_at", "synced_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (client_id, id) DO UPDATE SET`)).
		WithArgs("tablet-1", "op1", "work_orders", "wo-1", "UPDATE", false, 3, "conflict", sqlmock.AnyArg(), nil, 1).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("tablet-1", "op1", "work_orders", "wo-1", "UPDATE", false, 3, "conflict", t0, nil))

	entry, err := b.Record(context.Background(), LedgerWrite{
		ClientID: "tablet-1", OperationID: "op1", Entity: "work_orders", RecordID: "wo-1",
		Operation: OpUpdate, RetryCount: 2, ErrorMessage: "conflict", At: t0,
	})
	require.NoError(t, err)
	require.Equal(t, 3, entry.RetryCount)
	require.Nil(t, entry.SyncedAt)

	mock.ExpectQuery(`INSERT INTO "sync_status"`).
		WithArgs("tablet-1", "op1", "work_orders", "wo-1", "UPDATE", true, 2, "", sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("tablet-1", "op1", "work_orders", "wo-1", "UPDATE", true, 3, "", t0, t0.Add(time.Minute)))
	entry, err = b.Record(context.Background(), LedgerWrite{
		ClientID: "tablet-1", OperationID: "op1", Entity: "work_orders", RecordID: "wo-1",
		Operation: OpUpdate, RetryCount: 2, Synced: true, At: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, entry.Synced)
	require.NotNil(t, entry.SyncedAt)
}

func TestPostgresStatusQueries(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY table_name`)).WithArgs("tablet-1").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "count"}).AddRow("work_orders", 2).AddRow("assets", 1))
	counts, err := b.PendingCountByTable(ctx, "tablet-1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"work_orders": 2, "assets": 1}, counts)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(synced_at)`)).WithArgs("tablet-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	last, err := b.LastSyncedAt(ctx, "tablet-1")
	require.NoError(t, err)
	require.Nil(t, last)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "sync_status" SET synced = TRUE`)).
		WithArgs(sqlmock.AnyArg(), "resolved: server_wins", "tablet-1", "work_orders", "wo-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := b.MarkResolved(ctx, "tablet-1", "work_orders", "wo-1", "resolved: server_wins")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPostgresConnectionFailuresAreOutages(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	mock.ExpectQuery(`FROM "sync_records"`).WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	_, err := b.Get(context.Background(), "work_orders", "wo-1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestClassifyPostgresError(t *testing.T) {
	cases := []struct {
		err         error
		unavailable bool
		reason      FailureReason
	}{
		{err: &pq.Error{Code: "08001"}, unavailable: true, reason: ReasonInternal},
		{err: &pq.Error{Code: "53300"}, unavailable: true, reason: ReasonInternal},
		{err: &pq.Error{Code: "57P01"}, unavailable: true, reason: ReasonInternal},
		{err: &pq.Error{Code: "57014"}, unavailable: false, reason: ReasonTimeout},
		{err: &pq.Error{Code: "23505"}, unavailable: false, reason: ReasonInternal},
		{err: fmt.Errorf("exec: %w", driver.ErrBadConn), unavailable: true, reason: ReasonInternal},
		{err: errors.New("syntax"), unavailable: false, reason: ReasonInternal},
	}
	for _, tc := range cases {
		got := classifyPostgresError(tc.err)
		require.Equal(t, tc.unavailable, errors.Is(got, ErrStoreUnavailable), "%v", tc.err)
		require.Equal(t, tc.reason, ReasonFor(got), "%v", tc.err)
	}
}

func TestPostgresCancelledStatementIsTimeout(t *testing.T) {
	b, mock := newMockPostgresBackend(t, nil)
	mock.ExpectQuery(`FROM "sync_records"`).WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to user request"})
	_, err := b.Get(context.Background(), "work_orders", "wo-1")
	require.NotErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, ReasonTimeout, ReasonFor(err))
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
}
