// Package history provides a SQLite-backed log of forwarded Thermod
// readings, plus a small key-value area for the monitor's operational
// state (last published timestamp). It exists for diagnostics — "what
// did the thermostat do overnight while HA was down" — not as a
// time-series database; old rows are pruned on a retention schedule.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/droscy/thermod-monitor-mqtt/internal/thermod"
)

// Store is the reading log. All public methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Reading is one forwarded status snapshot.
type Reading struct {
	ID                 int64
	Time               time.Time
	Status             string
	Heating            bool
	CurrentTemperature float64
	TargetTemperature  float64
}

// Open creates or opens the reading log at the given database path.
// The schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		status      TEXT NOT NULL,
		heating     INTEGER NOT NULL,
		current_temp REAL NOT NULL,
		target_temp  REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS readings_ts ON readings (ts);

	CREATE TABLE IF NOT EXISTS monitor_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one forwarded status document.
func (s *Store) Append(st *thermod.Status) error {
	heating := 0
	if st.Heating() {
		heating = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO readings (ts, status, heating, current_temp, target_temp)
		 VALUES (?, ?, ?, ?, ?)`,
		st.Timestamp, st.Status, heating, st.CurrentTemperature, st.TargetTemperature,
	)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

// Recent returns up to n readings, newest first.
func (s *Store) Recent(n int) ([]Reading, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, status, heating, current_temp, target_temp
		 FROM readings ORDER BY ts DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var ts int64
		var heating int
		if err := rows.Scan(&r.ID, &ts, &r.Status, &heating, &r.CurrentTemperature, &r.TargetTemperature); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Time = time.Unix(ts, 0)
		r.Heating = heating == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes readings older than the cutoff and returns how
// many rows were removed.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM readings WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	return n, nil
}

// GetState returns the stored operational state value for key. Returns
// empty string and nil error if the key does not exist.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM monitor_state WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts an operational state key/value pair.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO monitor_state (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
