package fieldsync

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	jsonType: "JSONB",
	timeType: "TIMESTAMPTZ",
	boolType: "BOOLEAN",
	greatest: "GREATEST",
	numbered: true,
	timeArg: func(t time.Time) any {
		return t
	},
	classify: classifyPostgresError,
	configure: func(db *sql.DB) error {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return nil
	},
}

func NewPostgresBackend(dsn string, clock Clock) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLBackend(dsn, postgresDialect, clock), nil
}

// classifyPostgresError marks connection-level failures as store outages.
// Constraint and syntax errors stay per-operation. A cancelled statement
// (57014) is what lib/pq returns when the context deadline expires mid-query.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "57014":
			return &TimeoutError{Err: err}
		case pqErr.Code.Class() == "08",
			pqErr.Code.Class() == "53",
			pqErr.Code.Class() == "57" && pqErr.Code != "57014":
			return &StoreUnavailableError{Backend: "postgres", Err: err}
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return &StoreUnavailableError{Backend: "postgres", Err: err}
	}
	return err
}
