package report

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// validMethods and validSeverities mirror the CHECK constraints on the
// detections table.
var (
	validMethods = map[string]bool{
		"dictionary": true,
		"model":      true,
		"fallback":   true,
	}
	validSeverities = map[string]bool{
		"low":    true,
		"medium": true,
		"high":   true,
	}
)

// Store manages detections in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new detection store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("report: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("report: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("report: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("report: migrate up: %w", err)
	}
	return nil
}

// Validate checks d against the table constraints.
func Validate(d *Detection) error {
	if !validMethods[d.DetectionMethod] {
		return fmt.Errorf("report: invalid detection method %q", d.DetectionMethod)
	}
	if !validSeverities[d.Severity] {
		return fmt.Errorf("report: invalid severity %q", d.Severity)
	}
	if d.ConfidenceScore < 0 || d.ConfidenceScore > 1 {
		return fmt.Errorf("report: confidence %v out of range", d.ConfidenceScore)
	}
	if d.DetectedWord == "" {
		return errors.New("report: empty detected word")
	}
	return nil
}

// Create inserts a detection. A missing ID or timestamp is filled in.
// Redelivered detections with a known ID are ignored.
func (s *Store) Create(ctx context.Context, d *Detection) error {
	if err := Validate(d); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO detections (id, language, detected_word, context, confidence_score,
		                        source_url, source_host, detection_method, severity, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Language,
		d.DetectedWord,
		d.Context,
		d.ConfidenceScore,
		d.SourceURL,
		SourceHost(d.SourceURL),
		d.DetectionMethod,
		d.Severity,
		d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of detections recorded for a source host
// within the given time window.
func (s *Store) CountRecent(ctx context.Context, host string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM detections
		WHERE source_host = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, host, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Recent returns up to limit detections, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Detection, error) {
	const query = `
		SELECT id, language, detected_word, context, confidence_score,
		       source_url, detection_method, severity, detected_at
		FROM detections
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("report: recent: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.ID, &d.Language, &d.DetectedWord, &d.Context, &d.ConfidenceScore,
			&d.SourceURL, &d.DetectionMethod, &d.Severity, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: rows: %w", err)
	}
	return out, nil
}
