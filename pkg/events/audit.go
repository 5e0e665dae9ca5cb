package events

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/storedb"
)

const (
	auditModule = "audit"

	// trimEvery is how many writes pass between retention sweeps.
	trimEvery = 512
)

// AuditSink persists every record in the verdict_events table, keeping at
// most retention rows (unbounded when retention is zero).
type AuditSink struct {
	db        *sql.DB
	logger    *slog.Logger
	retention int
	writes    int
}

type AuditOption func(*AuditSink)

// WithRetention caps the table at n rows; older rows are trimmed
// periodically.
func WithRetention(n int) AuditOption {
	return func(s *AuditSink) { s.retention = n }
}

func OpenAuditSink(path string, logger *slog.Logger, opts ...AuditOption) (*AuditSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     auditModule,
		Migrations: auditMigrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenAudit, err)
	}
	s := &AuditSink{db: db, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func auditMigrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_verdict_events",
			SQL: `
CREATE TABLE IF NOT EXISTS verdict_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  seq INTEGER NOT NULL,
  kind TEXT NOT NULL,
  op_id TEXT NOT NULL DEFAULT '',
  op_kind TEXT NOT NULL,
  path TEXT NOT NULL,
  new_path TEXT NOT NULL DEFAULT '',
  pid INTEGER NOT NULL DEFAULT 0,
  uid INTEGER NOT NULL DEFAULT 0,
  process TEXT NOT NULL DEFAULT '',
  attempt INTEGER NOT NULL DEFAULT 0,
  action TEXT NOT NULL,
  rule TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 0,
  snapshot_version INTEGER NOT NULL DEFAULT 0,
  reason TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdict_events_path ON verdict_events(path);
CREATE INDEX IF NOT EXISTS idx_verdict_events_action ON verdict_events(action);
`,
		},
	}
}

func (s *AuditSink) Name() string { return "audit" }

// Write is only called from the channel's consumer goroutine.
func (s *AuditSink) Write(ctx context.Context, rec api.EventRecord) error {
	d, v := rec.Descriptor, rec.Verdict
	_, err := storedb.Exec(ctx, s.db, `
INSERT INTO verdict_events(
  seq, kind, op_id, op_kind, path, new_path, pid, uid, process, attempt,
  action, rule, priority, snapshot_version, reason, error, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, string(rec.Kind), d.ID, string(d.Kind), d.Path, d.NewPath,
		d.Process.PID, d.Process.UID, d.Process.Name, d.Attempt,
		string(v.Action), v.Rule, v.Priority, v.SnapshotVersion, v.Reason, rec.Error,
		storedb.FormatTime(rec.Timestamp),
	)
	if err != nil {
		return errx.Wrap(ErrWriteAudit, err)
	}

	s.writes++
	if s.retention > 0 && s.writes%trimEvery == 0 {
		s.trim(ctx)
	}
	return nil
}

func (s *AuditSink) trim(ctx context.Context) {
	n, err := storedb.Trim(ctx, s.db, "verdict_events", "id", s.retention)
	if err != nil {
		s.logger.Warn("trim audit events", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("trimmed audit events", "rows", n, "retention", s.retention)
	}
}

// AuditFilter narrows Recent. Zero fields match everything.
type AuditFilter struct {
	Action api.Action
	Kind   api.EventKind
	Limit  int
}

// Recent returns the newest matching records first.
func (s *AuditSink) Recent(ctx context.Context, f AuditFilter) ([]api.EventRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, kind, op_id, op_kind, path, new_path, pid, uid, process, attempt,
       action, rule, priority, snapshot_version, reason, error, created_at
FROM verdict_events
WHERE (? = '' OR action = ?) AND (? = '' OR kind = ?)
ORDER BY id DESC
LIMIT ?`, string(f.Action), string(f.Action), string(f.Kind), string(f.Kind), f.Limit)
	if err != nil {
		return nil, errx.Wrap(ErrReadAudit, err)
	}
	defer rows.Close()

	var out []api.EventRecord
	for rows.Next() {
		var (
			rec               api.EventRecord
			kind, opKind, act string
			createdAt         string
		)
		d, v := &rec.Descriptor, &rec.Verdict
		if err := rows.Scan(&rec.Seq, &kind, &d.ID, &opKind, &d.Path, &d.NewPath,
			&d.Process.PID, &d.Process.UID, &d.Process.Name, &d.Attempt,
			&act, &v.Rule, &v.Priority, &v.SnapshotVersion, &v.Reason, &rec.Error, &createdAt); err != nil {
			return nil, errx.Wrap(ErrReadAudit, err)
		}
		rec.Kind = api.EventKind(kind)
		d.Kind = api.OperationKind(opKind)
		v.Action = api.Action(act)
		if ts, err := storedb.ParseTime(createdAt); err == nil {
			rec.Timestamp = ts
			d.Timestamp = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadAudit, err)
	}
	return out, nil
}

// Close applies retention one last time and closes the database.
func (s *AuditSink) Close() error {
	if s.retention > 0 {
		s.trim(context.Background())
	}
	return s.db.Close()
}
