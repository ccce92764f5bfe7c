// ABOUTME: Agent run persistence for the SQLite store
// ABOUTME: Runs start as "running" and are moved to completed/failed by status updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateAgentRun inserts an agent run. Status defaults to "running".
func (s *SQLiteStore) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	now := s.now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Metadata == nil {
		run.Metadata = Metadata{}
	}

	meta, err := encodeMetadata(run.Metadata)
	if err != nil {
		return fmt.Errorf("encoding agent run metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, thread_id, status, model_name, created_at, updated_at, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ThreadID, run.Status, nullString(run.ModelName), formatTime(now), formatTime(now), nullStringPtr(run.ErrorMessage), meta)
	if err != nil {
		return classifyWriteError(err, "inserting agent run")
	}

	s.logger.Debug("created agent run", "id", run.ID, "thread_id", run.ThreadID)
	return nil
}

// GetAgentRun retrieves an agent run by ID.
// Returns ErrNotFound if the run doesn't exist.
func (s *SQLiteStore) GetAgentRun(ctx context.Context, id string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, status, model_name, created_at, updated_at, error_message, metadata
		FROM agent_runs
		WHERE id = ?
	`, id)

	run, err := s.scanAgentRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// UpdateAgentRunStatus sets status, error message and updated_at.
// Concurrent updates are last-write-wins. Returns ErrNotFound for an unknown id.
func (s *SQLiteStore) UpdateAgentRunStatus(ctx context.Context, id, status string, errorMessage *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, nullStringPtr(errorMessage), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating agent run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent run", "id", id, "status", status)
	return nil
}

// ListThreadAgentRuns returns a thread's runs, oldest first
func (s *SQLiteStore) ListThreadAgentRuns(ctx context.Context, threadID string) ([]*AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, status, model_name, created_at, updated_at, error_message, metadata
		FROM agent_runs
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*AgentRun
	for rows.Next() {
		run, err := s.scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent run rows: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) scanAgentRun(row rowScanner) (*AgentRun, error) {
	var run AgentRun
	var modelName, errMsg, meta sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&run.ID, &run.ThreadID, &run.Status, &modelName, &createdAtStr, &updatedAtStr, &errMsg, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent run row: %w", err)
	}

	var err error
	if run.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	run.ModelName = modelName.String
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	run.Metadata = decodeMetadataLogged(s.logger, "agent_runs", run.ID, meta.String)

	return &run, nil
}
