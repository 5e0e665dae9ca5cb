package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/storedb"
)

const historyModule = "policy"

// History keeps an append-only record of every published snapshot.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

// HistoryEntry is one recorded snapshot.
type HistoryEntry struct {
	Version   uint64           `json:"version"`
	Digest    string           `json:"digest"`
	CreatedAt string           `json:"created_at"`
	Rules     []api.PolicyRule `json:"rules"`
}

func OpenHistory(path string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     historyModule,
		Migrations: historyMigrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenHistory, err)
	}
	return &History{db: db, logger: logger}, nil
}

func historyMigrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_policy_snapshots",
			SQL: `
CREATE TABLE IF NOT EXISTS policy_snapshots (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  version INTEGER NOT NULL,
  digest TEXT NOT NULL,
  created_at TEXT NOT NULL,
  rules_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_snapshots_version ON policy_snapshots(version);
`,
		},
	}
}

// Record stores snap. Version numbers restart when the daemon restarts, so
// rows are keyed by an autoincrement sequence rather than the version.
func (h *History) Record(snap *Snapshot) error {
	data, err := json.Marshal(snap.Rules())
	if err != nil {
		return errx.Wrap(ErrWriteHistory, err)
	}
	if _, err := storedb.Exec(context.Background(), h.db,
		`INSERT INTO policy_snapshots(version, digest, created_at, rules_json) VALUES (?, ?, ?, ?)`,
		snap.Version(), snap.Digest(), storedb.FormatTime(snap.CreatedAt()), string(data),
	); err != nil {
		return errx.Wrap(ErrWriteHistory, err)
	}
	return nil
}

// PublishHook adapts Record for WithPublishHook. Failures are logged; a
// history write never undoes a reload.
func (h *History) PublishHook() PublishFunc {
	return func(snap *Snapshot) {
		if err := h.Record(snap); err != nil {
			h.logger.Warn("record policy snapshot", "version", snap.Version(), "error", err)
		}
	}
}

// Latest returns up to limit entries, newest first.
func (h *History) Latest(limit int) ([]HistoryEntry, error) {
	rows, err := h.db.Query(
		`SELECT version, digest, created_at, rules_json FROM policy_snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errx.Wrap(ErrReadHistory, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var rulesJSON string
		if err := rows.Scan(&e.Version, &e.Digest, &e.CreatedAt, &rulesJSON); err != nil {
			return nil, errx.Wrap(ErrReadHistory, err)
		}
		if err := json.Unmarshal([]byte(rulesJSON), &e.Rules); err != nil {
			return nil, errx.Wrap(ErrReadHistory, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadHistory, err)
	}
	return out, nil
}

func (h *History) Close() error {
	return h.db.Close()
}
