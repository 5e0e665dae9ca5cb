// Package storedb is the sqlite state database shared by policy history, the
// audit sink and the driver journal. Every module opens the same file with
// its own migrations; schema_migrations is keyed by module so their versions
// never collide.
package storedb

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jingkaihe/fsguard/internal/errx"
	_ "modernc.org/sqlite"
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type OpenOptions struct {
	Path       string
	Module     string
	Migrations []Migration
}

var pragmas = []string{
	"PRAGMA busy_timeout = 15000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA journal_mode = WAL",
}

// Open opens the state database at opts.Path and brings opts.Module's tables
// up to date. Concurrent openers of the same file serialize on an flock.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, ErrDBPathRequired
	}
	if opts.Module == "" {
		return nil, ErrModuleRequired
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	// sqlite has a single writer; one pooled connection keeps this
	// process's own writes from contending with each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	err = withInitLock(opts.Path, func() error {
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				return errx.With(ErrConfigureDB, ": %s: %w", p, err)
			}
		}
		m := migrator{db: db, path: opts.Path, module: opts.Module}
		return m.run(opts.Migrations)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func withInitLock(dbPath string, fn func() error) error {
	f, err := os.OpenFile(dbPath+".init.lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errx.Wrap(ErrOpenInitLock, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return errx.Wrap(ErrAcquireInitLock, err)
	}
	fnErr := fn()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Join(fnErr, errx.Wrap(ErrReleaseInitLock, err))
	}
	return fnErr
}
