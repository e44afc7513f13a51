package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS completions (
			completion_id TEXT PRIMARY KEY,
			session_id TEXT,
			model TEXT NOT NULL,
			stream INTEGER NOT NULL DEFAULT 0,
			strategy TEXT,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_session ON completions(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			completion_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (completion_id) REFERENCES completions(completion_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_completion ON events(completion_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCompletion(ctx context.Context, completion *domain.Completion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (completion_id, session_id, model, stream, strategy, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		completion.CompletionID, nullString(completion.SessionID), completion.Model, completion.Stream,
		nullString(string(completion.Strategy)), completion.Status, completion.StartedAt)
	return err
}

// GetCompletion returns nil, nil when the completion is unknown.
func (s *SQLiteStore) GetCompletion(ctx context.Context, completionID string) (*domain.Completion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT completion_id, session_id, model, stream, strategy, status, started_at, ended_at, error FROM completions WHERE completion_id = ?`,
		completionID)
	c, err := scanCompletion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) UpdateCompletionResult(ctx context.Context, completionID string, status domain.CompletionStatus, strategy domain.StrategyName, errData []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE completions SET status = ?, strategy = COALESCE(?, strategy), ended_at = ?, error = ? WHERE completion_id = ?`,
		status, nullString(string(strategy)), now, nullStringBytes(errData), completionID)
	return err
}

// ListCompletions returns the newest completions of a session first.
func (s *SQLiteStore) ListCompletions(ctx context.Context, sessionID string, limit int) ([]domain.Completion, error) {
	query := `SELECT completion_id, session_id, model, stream, strategy, status, started_at, ended_at, error FROM completions WHERE session_id = ? ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var completions []domain.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		completions = append(completions, *c)
	}
	return completions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletion(row rowScanner) (*domain.Completion, error) {
	var c domain.Completion
	var sessionID, strategy, errData sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&c.CompletionID, &sessionID, &c.Model, &c.Stream, &strategy, &c.Status, &c.StartedAt, &endedAt, &errData); err != nil {
		return nil, err
	}
	c.SessionID = sessionID.String
	c.Strategy = domain.StrategyName(strategy.String)
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		c.Error = json.RawMessage(errData.String)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, completion_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.CompletionID, event.Ts, event.Type, payload)
	return err
}

func (s *SQLiteStore) GetEvents(ctx context.Context, completionID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, completion_id, ts, type, payload FROM events WHERE completion_id = ?`
	args := []interface{}{completionID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.CompletionID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
