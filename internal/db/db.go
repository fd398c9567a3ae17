// Package db provides the SQLite-backed session log: one row per client
// connection with its negotiated version, layout and packet count.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackd/internal/track"
)

type DB struct {
	*sql.DB
}

// NewDB opens (and creates if necessary) the SQLite database at path.
// Callers either run EnsureSchema for the embedded schema or MigrateUp
// when deploying with a migrations directory.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// EnsureSchema creates the session-log tables when they do not exist yet.
// Deployments that manage schema through migration files use MigrateUp
// instead.
func (db *DB) EnsureSchema() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			remote_addr       TEXT,
			protocol_version  BIGINT,
			num_trackers      BIGINT,
			num_buttons       BIGINT,
			num_valuators     BIGINT,
			started_at        TIMESTAMP,
			ended_at          TIMESTAMP,
			packets_sent      BIGINT DEFAULT 0
		);
	`)
	return err
}

// Session is one client connection as recorded in the session log.
type Session struct {
	ID          string             `json:"id"`
	RemoteAddr  string             `json:"remote_addr"`
	Version     int                `json:"protocol_version"`
	Layout      track.DeviceLayout `json:"layout"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	PacketsSent int64              `json:"packets_sent"`
}

// RecordSessionStart inserts a session row at connect time.
func (db *DB) RecordSessionStart(s Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (
			session_id, remote_addr, protocol_version,
			num_trackers, num_buttons, num_valuators, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RemoteAddr, s.Version,
		s.Layout.NumTrackers, s.Layout.NumButtons, s.Layout.NumValuators,
		s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd stamps the session row at disconnect time with the
// total packets sent.
func (db *DB) RecordSessionEnd(id string, packetsSent int64) error {
	res, err := db.Exec(`
		UPDATE sessions SET ended_at = ?, packets_sent = ?
		WHERE session_id = ?`,
		time.Now(), packetsSent, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no session with id %s", id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(`
		SELECT session_id, remote_addr, protocol_version,
		       num_trackers, num_buttons, num_valuators,
		       started_at, ended_at, packets_sent
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(
			&s.ID, &s.RemoteAddr, &s.Version,
			&s.Layout.NumTrackers, &s.Layout.NumButtons, &s.Layout.NumValuators,
			&s.StartedAt, &ended, &s.PacketsSent,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
