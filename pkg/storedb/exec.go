package storedb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/jingkaihe/fsguard/internal/errx"
)

const (
	sqlitePrimaryErrMask = 0xFF
	sqlitePrimaryBusy    = 5
	sqlitePrimaryLocked  = 6

	writeRetryAttempts = 8
	writeRetryBaseWait = 25 * time.Millisecond
)

// Exec runs a write, retrying with linear backoff while another process
// (a second daemon, the CLI reading history) holds the database lock.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := range writeRetryAttempts {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !IsBusy(err) {
			return nil, err
		}
		lastErr = err
		if attempt == writeRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(writeRetryBaseWait * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		}
	}
	return nil, errx.Wrap(ErrBusy, lastErr)
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & sqlitePrimaryErrMask {
		case sqlitePrimaryBusy, sqlitePrimaryLocked:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// Trim deletes the oldest rows of table so that at most keep remain. Rows
// are ordered by the INTEGER PRIMARY KEY column key. keep <= 0 keeps all.
func Trim(ctx context.Context, db *sql.DB, table, key string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := Exec(ctx, db,
		`DELETE FROM `+table+` WHERE `+key+` <= (SELECT `+key+` FROM `+table+` ORDER BY `+key+` DESC LIMIT 1 OFFSET ?)`,
		keep)
	if err != nil {
		return 0, errx.With(ErrTrim, ": %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func WithTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errx.Wrap(ErrBeginTx, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(ErrCommitTx, err)
	}
	return nil
}

// FormatTime renders t the way every table in the store keeps timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
