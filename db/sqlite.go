package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// UniqueConstrain is the extended error code of a UNIQUE violation
	UniqueConstrain = 2067
	// PrimaryKeyConstrain is the extended error code of a PRIMARY KEY violation
	PrimaryKeyConstrain = 1555

	busyTimeoutMs = 5000
)

var (
	ErrNotFound = errors.New("not found")
)

// NewSQLiteDB creates a new SQLite DB
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on",
		dbPath, busyTimeoutMs,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		pragma journal_mode = WAL;
		pragma synchronous = normal;
		pragma journal_size_limit  = 6144000;
	`)
	return db, err
}

func ReturnErrNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsConstraintViolation reports whether err was raised by a PRIMARY KEY or UNIQUE constraint
func IsConstraintViolation(err error) bool {
	sqliteErr, ok := SQLiteErr(err)
	if !ok {
		return false
	}
	code := int(sqliteErr.ExtendedCode)
	return code == PrimaryKeyConstrain || code == UniqueConstrain
}
