package db

import (
	"database/sql"
	"fmt"
)

// SessionEvent represents a row in the session_events table.
type SessionEvent struct {
	ID          int
	SessionName string
	RunID       string
	Phase       string
	Event       string
	Timestamp   string
	Metadata    string
}

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int
	RunID     string
	Event     string
	Phase     string
	Round     int
	Detail    string
	Timestamp string
}

// LogSessionEvent inserts a session event.
func (d *DB) LogSessionEvent(sessionName, runID, phase, event, metadata string) error {
	_, err := d.conn.Exec(
		`INSERT INTO session_events (session_name, run_id, phase, event, metadata) VALUES (?, ?, ?, ?, ?)`,
		sessionName, runID, phase, event, metadata,
	)
	if err != nil {
		return fmt.Errorf("log session event: %w", err)
	}
	return nil
}

// LogRunEvent inserts a run event.
func (d *DB) LogRunEvent(runID, event, phase string, round int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, phase, round, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, phase, round, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// GetSessionState returns the most recent event for a session.
func (d *DB) GetSessionState(sessionName string) (*SessionEvent, error) {
	row := d.conn.QueryRow(
		`SELECT id, session_name, run_id, phase, event, timestamp, metadata
		 FROM session_events WHERE session_name = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionName,
	)
	var e SessionEvent
	var metadata sql.NullString
	err := row.Scan(&e.ID, &e.SessionName, &e.RunID, &e.Phase, &e.Event, &e.Timestamp, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session state: %w", err)
	}
	if metadata.Valid {
		e.Metadata = metadata.String
	}
	return &e, nil
}

// GetActiveSessions returns sessions whose most recent event is 'started' or 'active'.
func (d *DB) GetActiveSessions() ([]SessionEvent, error) {
	rows, err := d.conn.Query(`
		SELECT se.id, se.session_name, se.run_id, se.phase, se.event, se.timestamp, se.metadata
		FROM session_events se
		INNER JOIN (
			SELECT session_name, MAX(id) as max_id
			FROM session_events
			GROUP BY session_name
		) latest ON se.id = latest.max_id
		WHERE se.event IN ('started', 'active')
	`)
	if err != nil {
		return nil, fmt.Errorf("get active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionName, &e.RunID, &e.Phase, &e.Event, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if metadata.Valid {
			e.Metadata = metadata.String
		}
		sessions = append(sessions, e)
	}
	return sessions, rows.Err()
}

// RecentRunEvents returns the latest events for a run, newest first.
func (d *DB) RecentRunEvents(runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, phase, round, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var phase, detail sql.NullString
		var round sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &phase, &round, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if phase.Valid {
			e.Phase = phase.String
		}
		if round.Valid {
			e.Round = int(round.Int64)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
