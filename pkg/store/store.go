// Package store provides SQLite persistence for monitoring data:
// connection samples, probe results and alerts.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sample is a point-in-time snapshot of the gateway connection.
type Sample struct {
	ID           int64     `json:"id"`
	TakenAt      time.Time `json:"takenAt"`
	Connected    bool      `json:"connected"`
	State        string    `json:"state"`
	Protocol     int       `json:"protocol,omitempty"`
	PendingCalls int       `json:"pendingCalls"`
	UptimeMs     int64     `json:"uptimeMs"`
}

// ProbeResult is one observation from a side-channel probe.
type ProbeResult struct {
	ID         int64     `json:"id"`
	Probe      string    `json:"probe"`
	TakenAt    time.Time `json:"takenAt"`
	OK         bool      `json:"ok"`
	LatencyMs  int64     `json:"latencyMs"`
	StatusCode int       `json:"statusCode,omitempty"`
	ErrorLines int       `json:"errorLines,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Alert is a rule transition: a row is opened when a rule fires and
// resolved when it clears.
type Alert struct {
	ID         int64      `json:"id"`
	Rule       string     `json:"rule"`
	Message    string     `json:"message"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store provides SQLite persistence. Use ":memory:" as the path for an
// in-memory database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at DATETIME NOT NULL,
		connected INTEGER NOT NULL,
		state TEXT NOT NULL,
		protocol INTEGER DEFAULT 0,
		pending_calls INTEGER DEFAULT 0,
		uptime_ms INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS probe_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		probe TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		ok INTEGER NOT NULL,
		latency_ms INTEGER DEFAULT 0,
		status_code INTEGER DEFAULT 0,
		error_lines INTEGER DEFAULT 0,
		detail TEXT
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule TEXT NOT NULL,
		message TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_samples_taken_at ON samples(taken_at);
	CREATE INDEX IF NOT EXISTS idx_probe_results_taken_at ON probe_results(taken_at);
	CREATE INDEX IF NOT EXISTS idx_probe_results_probe ON probe_results(probe);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSample records a connection snapshot.
func (s *Store) InsertSample(sample *Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO samples (taken_at, connected, state, protocol, pending_calls, uptime_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sample.TakenAt, sample.Connected, sample.State, sample.Protocol,
		sample.PendingCalls, sample.UptimeMs)
	if err != nil {
		return err
	}
	sample.ID, _ = res.LastInsertId()
	return nil
}

// ListSamples returns samples taken at or after since, newest first.
func (s *Store) ListSamples(since time.Time, limit int) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, taken_at, connected, state, protocol, pending_calls, uptime_ms
		FROM samples
		WHERE taken_at >= ?
		ORDER BY taken_at DESC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.ID, &sm.TakenAt, &sm.Connected, &sm.State,
			&sm.Protocol, &sm.PendingCalls, &sm.UptimeMs); err != nil {
			return nil, err
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// LatestSample returns the most recent sample, or nil when none exists.
func (s *Store) LatestSample() (*Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sm Sample
	err := s.db.QueryRow(`
		SELECT id, taken_at, connected, state, protocol, pending_calls, uptime_ms
		FROM samples
		ORDER BY taken_at DESC, id DESC
		LIMIT 1
	`).Scan(&sm.ID, &sm.TakenAt, &sm.Connected, &sm.State,
		&sm.Protocol, &sm.PendingCalls, &sm.UptimeMs)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

// InsertProbeResult records one probe observation.
func (s *Store) InsertProbeResult(r *ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO probe_results (probe, taken_at, ok, latency_ms, status_code, error_lines, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Probe, r.TakenAt, r.OK, r.LatencyMs, r.StatusCode, r.ErrorLines, r.Detail)
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListProbeResults returns results at or after since, newest first.
// probe filters by probe name when non-empty.
func (s *Store) ListProbeResults(probe string, since time.Time, limit int) ([]ProbeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, probe, taken_at, ok, latency_ms, status_code, error_lines, detail
		FROM probe_results
		WHERE taken_at >= ?`
	args := []any{since}
	if probe != "" {
		query += " AND probe = ?"
		args = append(args, probe)
	}
	query += " ORDER BY taken_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProbeResult
	for rows.Next() {
		var r ProbeResult
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.Probe, &r.TakenAt, &r.OK,
			&r.LatencyMs, &r.StatusCode, &r.ErrorLines, &detail); err != nil {
			return nil, err
		}
		if detail.Valid {
			r.Detail = detail.String
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// OpenAlert records a rule firing and returns the alert id.
func (s *Store) OpenAlert(rule, message string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO alerts (rule, message, opened_at)
		VALUES (?, ?, ?)
	`, rule, message, at)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ResolveAlert marks an open alert as resolved.
func (s *Store) ResolveAlert(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
	`, at, id)
	return err
}

// ListAlerts returns alerts, newest first. With openOnly it returns only
// unresolved alerts.
func (s *Store) ListAlerts(openOnly bool, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, rule, message, opened_at, resolved_at
		FROM alerts`
	if openOnly {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY opened_at DESC LIMIT ?"

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Rule, &a.Message, &a.OpenedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Prune deletes samples and probe results older than cutoff, and
// resolved alerts whose resolution is older than cutoff. Returns the
// total number of rows removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, q := range []string{
		"DELETE FROM samples WHERE taken_at < ?",
		"DELETE FROM probe_results WHERE taken_at < ?",
		"DELETE FROM alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?",
	} {
		res, err := s.db.Exec(q, cutoff)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
