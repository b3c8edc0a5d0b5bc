package records

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists call records to PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to connStr and applies pending migrations
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("records open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("records ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("records migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, req CreateRequest) (string, error) {
	metrics, err := json.Marshal(req.InitialMetrics)
	if err != nil {
		return "", err
	}
	technical, err := json.Marshal(req.TechnicalDetails)
	if err != nil {
		return "", err
	}
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_records (id, status, prompt, metadata, initial_metrics, technical_details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, StatusInProgress, req.Prompt, metadata, metrics, technical, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("records create: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, patch Patch) error {
	var (
		endedAt      sql.NullTime
		durationSec  sql.NullFloat64
		recordingURL sql.NullString
	)
	if !patch.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: patch.EndedAt.UTC(), Valid: true}
	}
	if patch.Duration > 0 {
		durationSec = sql.NullFloat64{Float64: patch.Duration.Seconds(), Valid: true}
	}
	if patch.RecordingURL != "" {
		recordingURL = sql.NullString{String: patch.RecordingURL, Valid: true}
	}
	analysis, err := nullJSON(patch.Analysis, patch.Analysis == nil)
	if err != nil {
		return err
	}
	conversation, err := nullJSON(patch.ConversationMetrics, patch.ConversationMetrics == nil)
	if err != nil {
		return err
	}
	errorLogs, err := nullJSON(patch.ErrorLogs, patch.ErrorLogs == nil)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE call_records SET
			status = $2,
			ended_at = COALESCE($3, ended_at),
			duration_sec = COALESCE($4, duration_sec),
			recording_url = COALESCE($5, recording_url),
			analysis = COALESCE($6, analysis),
			conversation_metrics = COALESCE($7, conversation_metrics),
			error_logs = COALESCE($8, error_logs),
			updated_at = $9
		 WHERE id = $1`,
		id, patch.Status, endedAt, durationSec, recordingURL, analysis, conversation, errorLogs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("records patch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullJSON marshals v, or returns NULL when absent
func nullJSON(v any, absent bool) (any, error) {
	if absent {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
