package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazz-dev/pingboard/internal/status"
)

// ErrPersistenceWrite wraps every failed append.
var ErrPersistenceWrite = errors.New("persistence write failed")

const schema = `
CREATE TABLE IF NOT EXISTS observations (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id        TEXT    NOT NULL,
    name             TEXT    NOT NULL,
    address          TEXT    NOT NULL,
    status           TEXT    NOT NULL CHECK(status IN ('Good', 'Low', 'Down')),
    response_time_ms REAL,
    timestamp        INTEGER NOT NULL,
    observed_at      INTEGER NOT NULL,
    icon_url         TEXT    NOT NULL DEFAULT '',
    cycle            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_observations_target ON observations(target_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp DESC);
`

const columns = `id, target_id, name, address, status, response_time_ms, observed_at, icon_url, cycle`

const insertObservation = `INSERT INTO observations
    (target_id, name, address, status, response_time_ms, timestamp, observed_at, icon_url, cycle)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Observation is a stored record with its row id.
type Observation struct {
	ID int64
	status.Record
}

// DB wraps a SQLite database holding the observation log.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=5000",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, ex execer, r status.Record) error {
	var ms sql.NullFloat64
	if r.LatencyMs != nil {
		ms = sql.NullFloat64{Float64: *r.LatencyMs, Valid: true}
	}
	_, err := ex.ExecContext(ctx, insertObservation,
		r.TargetID,
		r.Name,
		r.Address,
		string(r.Status),
		ms,
		r.Timestamp.Unix(),
		r.Timestamp.UnixNano(),
		r.IconURL,
		int64(r.Cycle),
	)
	if err != nil {
		return fmt.Errorf("%w: inserting observation for %q: %w", ErrPersistenceWrite, r.TargetID, err)
	}
	return nil
}

// Append persists a single record.
func (d *DB) Append(ctx context.Context, r status.Record) error {
	return insert(ctx, d.db, r)
}

// AppendCycle persists all records of one cycle in a single transaction, in
// the given order.
func (d *DB) AppendCycle(ctx context.Context, records []status.Record) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrPersistenceWrite, err)
	}
	for _, r := range records {
		if err := insert(ctx, tx, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing cycle: %w", ErrPersistenceWrite, err)
	}
	return nil
}

// LatestByTarget returns the most recent observation for a target, or nil if none.
func (d *DB) LatestByTarget(ctx context.Context, targetID string) (*Observation, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM observations WHERE target_id = ? ORDER BY id DESC LIMIT 1`,
		targetID,
	)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest observation for %q: %w", targetID, err)
	}
	return o, nil
}

// AllLatest returns the most recent observation for each target.
func (d *DB) AllLatest(ctx context.Context) ([]Observation, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM observations
		WHERE id IN (
			SELECT MAX(id) FROM observations GROUP BY target_id
		)
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all latest: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// History returns paginated observations for a target, newest first, plus the total count.
func (d *DB) History(ctx context.Context, targetID string, limit, offset int) ([]Observation, int, error) {
	total, err := d.CountByTarget(ctx, targetID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+columns+` FROM observations WHERE target_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		targetID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying history for %q: %w", targetID, err)
	}
	defer rows.Close()

	obs, err := scanObservations(rows)
	if err != nil {
		return nil, 0, err
	}
	return obs, total, nil
}

// Count returns the number of stored observations.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return n, nil
}

// CountByTarget returns the number of stored observations for a target.
func (d *DB) CountByTarget(ctx context.Context, targetID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observations WHERE target_id = ?`, targetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting observations for %q: %w", targetID, err)
	}
	return n, nil
}

// UptimePercent returns the percentage of non-Down observations among the
// last N for a target.
func (d *DB) UptimePercent(ctx context.Context, targetID string, last int) (float64, error) {
	var total int
	var upCount sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN status != 'Down' THEN 1 ELSE 0 END)
		FROM (
			SELECT status FROM observations WHERE target_id = ? ORDER BY id DESC LIMIT ?
		)
	`, targetID, last).Scan(&total, &upCount)
	if err != nil {
		return 0, fmt.Errorf("calculating uptime for %q: %w", targetID, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(upCount.Int64) / float64(total) * 100, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (*Observation, error) {
	var (
		o          Observation
		st         string
		ms         sql.NullFloat64
		observedAt int64
		cycle      int64
	)
	err := row.Scan(&o.ID, &o.TargetID, &o.Name, &o.Address, &st, &ms, &observedAt, &o.IconURL, &cycle)
	if err != nil {
		return nil, err
	}
	parsed, err := status.Parse(st)
	if err != nil {
		return nil, fmt.Errorf("observation %d: %w", o.ID, err)
	}
	o.Status = parsed
	if ms.Valid {
		v := ms.Float64
		o.LatencyMs = &v
	}
	o.Timestamp = time.Unix(0, observedAt)
	o.Cycle = uint64(cycle)
	return &o, nil
}

func scanObservations(rows *sql.Rows) ([]Observation, error) {
	var obs []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning observation row: %w", err)
		}
		obs = append(obs, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observation rows: %w", err)
	}
	return obs, nil
}
