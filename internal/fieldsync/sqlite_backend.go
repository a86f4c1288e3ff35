package fieldsync

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Primary result codes from sqlite3.h that mean the database file itself is
// unusable.
const (
	sqliteIOErr    = 10
	sqliteCorrupt  = 11
	sqliteFull     = 13
	sqliteCantOpen = 14
	sqliteNotADB   = 26
)

var sqliteDialect = sqlDialect{
	name:     "sqlite",
	driver:   "sqlite",
	jsonType: "TEXT",
	timeType: "INTEGER",
	boolType: "INTEGER",
	greatest: "MAX",
	timeArg: func(t time.Time) any {
		return t.UnixMicro()
	},
	classify: classifySQLiteError,
	configure: func(db *sql.DB) error {
		// One writer at a time.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA busy_timeout=5000;",
			"PRAGMA foreign_keys=ON;",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return err
			}
		}
		return nil
	},
}

func NewSQLiteBackend(path string, clock Clock) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return newSQLBackend(path, sqliteDialect, clock), nil
}

func classifySQLiteError(err error) error {
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return err
	}
	switch coded.Code() & 0xff {
	case sqliteIOErr, sqliteCorrupt, sqliteFull, sqliteCantOpen, sqliteNotADB:
		return &StoreUnavailableError{Backend: "sqlite", Err: err}
	default:
		return err
	}
}
