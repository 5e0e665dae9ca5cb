package driver

import (
	"context"
	"database/sql"
	"time"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/storedb"
)

const journalModule = "driver"

// Transition is one journaled state change. A failed attempt is journaled
// with From == To and the error that prevented the change.
type Transition struct {
	Seq       int64           `json:"seq"`
	From      api.DriverState `json:"from"`
	To        api.DriverState `json:"to"`
	Registrar string          `json:"registrar,omitempty"`
	At        time.Time       `json:"at"`
	Error     string          `json:"error,omitempty"`
}

// Journal is the append-only driver_transitions table.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     journalModule,
		Migrations: journalMigrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenJournal, err)
	}
	return &Journal{db: db}, nil
}

func journalMigrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_append_only_driver_transitions",
			SQL: `
CREATE TABLE IF NOT EXISTS driver_transitions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  registrar TEXT NOT NULL DEFAULT '',
  at TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_driver_transitions_to ON driver_transitions(to_state);
`,
		},
	}
}

// Append writes t, retrying while another process holds the database lock.
func (j *Journal) Append(t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := storedb.Exec(context.Background(), j.db,
		`INSERT INTO driver_transitions(from_state, to_state, registrar, at, error) VALUES (?, ?, ?, ?, ?)`,
		string(t.From), string(t.To), t.Registrar, storedb.FormatTime(t.At), t.Error,
	)
	if err != nil {
		return errx.Wrap(ErrWriteJournal, err)
	}
	return nil
}

// History returns up to limit transitions, oldest first.
func (j *Journal) History(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`
SELECT seq, from_state, to_state, registrar, at, error FROM (
  SELECT * FROM driver_transitions ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, errx.Wrap(ErrReadJournal, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, at string
		if err := rows.Scan(&t.Seq, &from, &to, &t.Registrar, &at, &t.Error); err != nil {
			return nil, errx.Wrap(ErrReadJournal, err)
		}
		t.From = api.DriverState(from)
		t.To = api.DriverState(to)
		if ts, err := storedb.ParseTime(at); err == nil {
			t.At = ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadJournal, err)
	}
	return out, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
