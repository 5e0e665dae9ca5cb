package storedb

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jingkaihe/fsguard/internal/errx"
)

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
)`

type migrator struct {
	db     *sql.DB
	path   string
	module string
}

// run applies the pending migrations in version order. The database file is
// snapshotted first; if any step fails the connection is closed and the
// snapshot copied back, so a half-migrated module never survives.
func (m migrator) run(migrations []Migration) error {
	if _, err := m.db.Exec(migrationsTable); err != nil {
		return errx.Wrap(ErrCreateMigrationTbl, err)
	}

	pending, err := m.pending(migrations)
	if err != nil || len(pending) == 0 {
		return err
	}

	backup := m.path + ".premigrate.bak"
	if err := snapshot(m.db, backup); err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(mig); err != nil {
			_ = m.db.Close()
			return errors.Join(err, restore(m.path, backup), removeBackup(backup))
		}
	}
	return removeBackup(backup)
}

func (m migrator) pending(migrations []Migration) ([]Migration, error) {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, errx.With(ErrDuplicateMigration, ": module=%s version=%d", m.module, sorted[i].Version)
		}
	}

	rows, err := m.db.Query(`SELECT version FROM schema_migrations WHERE module = ?`, m.module)
	if err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errx.Wrap(ErrReadMigrations, err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}

	return slices.DeleteFunc(sorted, func(mig Migration) bool { return applied[mig.Version] }), nil
}

func (m migrator) apply(mig Migration) error {
	where := func(sentinel, err error) error {
		return errx.With(sentinel, ": %s/%d %s: %w", m.module, mig.Version, mig.Name, err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return where(ErrApplyMigration, err)
	}
	if _, err := tx.Exec(mig.SQL); err != nil {
		_ = tx.Rollback()
		return where(ErrApplyMigration, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
		m.module, mig.Version, mig.Name, FormatTime(time.Now()),
	); err != nil {
		_ = tx.Rollback()
		return where(ErrRecordMigration, err)
	}
	if err := tx.Commit(); err != nil {
		return where(ErrCommitMigration, err)
	}
	return nil
}

func snapshot(db *sql.DB, backup string) error {
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return errx.Wrap(ErrCreateBackup, err)
	}
	quoted := strings.ReplaceAll(backup, "'", "''")
	if _, err := db.Exec("VACUUM INTO '" + quoted + "'"); err != nil {
		return errx.Wrap(ErrCreateBackup, err)
	}
	return nil
}

func restore(dbPath, backup string) error {
	for _, p := range []string{dbPath + "-wal", dbPath + "-shm", dbPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errx.Wrap(ErrRollbackRestore, err)
		}
	}

	src, err := os.Open(backup)
	if err != nil {
		return errx.Wrap(ErrRollbackRestore, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errx.Wrap(ErrRollbackRestore, err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errx.Wrap(ErrCopyBackup, err)
	}
	return nil
}

func removeBackup(backup string) error {
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return errx.Wrap(ErrRemoveBackup, err)
	}
	return nil
}
