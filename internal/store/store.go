// Package store journals crowd-crush incidents, panic alerts and rejected
// relay payloads in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crowdlink/go-mesh-node/internal/model"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const defaultRecentLimit = 50

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotInitialized is returned by every method of a closed or zero Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps the SQLite connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database lives only as long as its single connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if path != MemoryPath {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InitSchema ensures the journal tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_name TEXT NOT NULL,
			severity TEXT NOT NULL,
			closest_peers INTEGER NOT NULL,
			total_nearby INTEGER NOT NULL,
			message TEXT,
			detected_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_detected ON incidents(detected_at);`,
		`CREATE TABLE IF NOT EXISTS panics (
			id TEXT PRIMARY KEY,
			peer_id TEXT NOT NULL,
			name TEXT,
			message TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			is_me INTEGER NOT NULL DEFAULT 0,
			sent_at TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_panics_sent ON panics(sent_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// InsertIncident journals a detected crowd-crush alert.
func (s *Store) InsertIncident(ctx context.Context, in model.Incident) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	detected := in.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO incidents (event_name, severity, closest_peers, total_nearby, message, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		in.EventName,
		string(in.Severity),
		in.ClosestPeers,
		in.TotalNearby,
		in.Message,
		formatTime(detected),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// RecentIncidents returns incidents newest first, optionally only those after since.
func (s *Store) RecentIncidents(ctx context.Context, limit int, since *time.Time) ([]model.Incident, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := `SELECT event_name, severity, closest_peers, total_nearby, message, detected_at FROM incidents`
	args := []any{}
	if since != nil {
		query += ` WHERE detected_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	incidents := []model.Incident{}
	for rows.Next() {
		var (
			in       model.Incident
			severity string
			message  sql.NullString
			detected string
		)
		if err := rows.Scan(&in.EventName, &severity, &in.ClosestPeers, &in.TotalNearby, &message, &detected); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		in.Severity = model.Severity(severity)
		in.Message = message.String
		in.DetectedAt = parseTime(detected)
		incidents = append(incidents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return incidents, nil
}

// InsertPanic journals a panic alert. A repeated alert id is ignored.
func (s *Store) InsertPanic(ctx context.Context, p model.PanicAlert) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if p.ID == "" {
		return fmt.Errorf("insert panic: missing id")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO panics (id, peer_id, name, message, latitude, longitude, is_me, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		p.ID,
		p.PeerID,
		p.Name,
		p.Message,
		nullFloat(p.Latitude),
		nullFloat(p.Longitude),
		p.IsMe,
		formatTime(p.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert panic: %w", err)
	}
	return nil
}

// RecentPanics returns panic alerts newest first.
func (s *Store) RecentPanics(ctx context.Context, limit int) ([]model.PanicAlert, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, peer_id, name, message, latitude, longitude, is_me, sent_at
		 FROM panics
		 ORDER BY sent_at DESC, received_at DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query panics: %w", err)
	}
	defer rows.Close()

	panics := []model.PanicAlert{}
	for rows.Next() {
		var (
			p        model.PanicAlert
			name     sql.NullString
			lat, lng sql.NullFloat64
			sent     string
		)
		if err := rows.Scan(&p.ID, &p.PeerID, &name, &p.Message, &lat, &lng, &p.IsMe, &sent); err != nil {
			return nil, fmt.Errorf("scan panic: %w", err)
		}
		p.Name = name.String
		if lat.Valid && lng.Valid {
			p.Latitude, p.Longitude = &lat.Float64, &lng.Float64
		}
		p.Timestamp = parseTime(sent)
		panics = append(panics, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate panics: %w", err)
	}
	return panics, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error, created_at) VALUES (?, ?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT source, payload, error, created_at FROM ingestion_errors ORDER BY created_at DESC, id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	out := []model.IngestionError{}
	for rows.Next() {
		var (
			e               model.IngestionError
			source, payload sql.NullString
			created         string
		)
		if err := rows.Scan(&source, &payload, &e.Error, &created); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.Source = source.String
		e.Payload = payload.String
		e.At = parseTime(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}
	return out, nil
}

// WipeData removes every journaled row in one transaction.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wipe: begin: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM incidents;`,
		`DELETE FROM panics;`,
		`DELETE FROM ingestion_errors;`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("wipe: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wipe: commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02T15:04:05.000Z", s)
	return t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
