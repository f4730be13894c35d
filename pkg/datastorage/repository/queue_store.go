/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
)

const pgUniqueViolation = "23505"

// QueueStore handles scan_queue rows.
//
// State machine: queued -> processing -> completed|failed. The transition
// into processing may be performed by the dispatcher or by the scan job;
// both paths are idempotent under the same job name.
type QueueStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewQueueStore creates a new queue store.
func NewQueueStore(db *sqlx.DB, logger *zap.Logger) *QueueStore {
	return &QueueStore{db: db, logger: logger}
}

// Enqueue inserts a queued entry for the repository. The partial unique
// index on live entries turns a concurrent duplicate into a unique
// violation, which surfaces as ErrAlreadyQueued.
func (s *QueueStore) Enqueue(ctx context.Context, repositoryID int64, priority int) (int64, error) {
	query := `
		INSERT INTO scan_queue (repository_id, priority, status)
		VALUES ($1, $2, 'queued')
		RETURNING id
	`

	var id int64
	err := s.db.GetContext(ctx, &id, query, repositoryID, priority)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrAlreadyQueued
		}
		s.logger.Error("failed to enqueue repository",
			zap.Int64("repository_id", repositoryID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to enqueue repository: %w", err)
	}

	return id, nil
}

// ClaimQueued returns up to limit queued entries in dispatch order
// (priority DESC, queued_at ASC) joined with the repository fields the
// dispatcher needs. The read does not mutate; the claim completes with
// MarkProcessing.
func (s *QueueStore) ClaimQueued(ctx context.Context, limit int) ([]models.ClaimedEntry, error) {
	query := `
		SELECT sq.id AS queue_id, sq.repository_id, r.url, r.owner, r.name
		FROM scan_queue sq
		JOIN repositories r ON sq.repository_id = r.id
		WHERE sq.status = 'queued'
		ORDER BY sq.priority DESC, sq.queued_at ASC
		LIMIT $1
	`

	var entries []models.ClaimedEntry
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to claim queued entries: %w", err)
	}

	return entries, nil
}

// MarkProcessing transitions the entry from queued to processing, stamps
// started_at and records the cluster job name. Calling it again with the
// same job name is a no-op; any other state is ErrConflictingClaim.
func (s *QueueStore) MarkProcessing(ctx context.Context, queueID int64, jobName string) error {
	query := `
		UPDATE scan_queue
		SET status = 'processing',
		    started_at = COALESCE(started_at, NOW()),
		    job_name = $2
		WHERE id = $1
		  AND (status = 'queued' OR (status = 'processing' AND job_name = $2))
	`

	result, err := s.db.ExecContext(ctx, query, queueID, jobName)
	if err != nil {
		s.logger.Error("failed to mark queue entry processing",
			zap.Int64("queue_id", queueID),
			zap.String("job_name", jobName),
			zap.Error(err))
		return fmt.Errorf("failed to mark queue entry processing: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		entry, err := s.GetByID(ctx, queueID)
		if err != nil {
			return err
		}
		s.logger.Warn("conflicting claim on queue entry",
			zap.Int64("queue_id", queueID),
			zap.String("status", entry.Status),
			zap.String("job_name", jobName))
		return ErrConflictingClaim
	}

	return nil
}

// MarkTerminal finishes the entry. Completed entries are stamped and left
// alone. Failed entries consume one attempt: while attempts remain below
// max_attempts the entry is reset to queued for another dispatch cycle,
// otherwise it stays failed with completed_at set.
func (s *QueueStore) MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error {
	if status != models.QueueStatusCompleted && status != models.QueueStatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	var query string
	if status == models.QueueStatusCompleted {
		query = `
			UPDATE scan_queue
			SET status = 'completed', completed_at = NOW(), error_message = $2
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE scan_queue
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 < max_attempts THEN 'queued' ELSE 'failed' END,
			    job_name = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE job_name END,
			    started_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE started_at END,
			    completed_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE NOW() END,
			    error_message = $2
			WHERE id = $1
		`
	}

	result, err := s.db.ExecContext(ctx, query, queueID, errMsg)
	if err != nil {
		s.logger.Error("failed to mark queue entry terminal",
			zap.Int64("queue_id", queueID),
			zap.String("status", status),
			zap.Error(err))
		return fmt.Errorf("failed to mark queue entry terminal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// FindActiveEntry returns the live queue entry for the repository,
// preferring processing over queued. The scan job uses this to adopt the
// entry the dispatcher created for it, or a directly enqueued one.
func (s *QueueStore) FindActiveEntry(ctx context.Context, repositoryID int64) (*models.QueueEntry, error) {
	query := `
		SELECT * FROM scan_queue
		WHERE repository_id = $1 AND status IN ('processing', 'queued')
		ORDER BY
		  CASE status WHEN 'processing' THEN 1 ELSE 2 END,
		  priority DESC, queued_at ASC
		LIMIT 1
	`

	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, query, repositoryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active queue entry: %w", err)
	}

	return &entry, nil
}

// HasActiveEntry reports whether the repository has a live queue entry.
func (s *QueueStore) HasActiveEntry(ctx context.Context, repositoryID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM scan_queue
			WHERE repository_id = $1 AND status IN ('queued', 'processing')
		)
	`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, repositoryID); err != nil {
		return false, fmt.Errorf("failed to check active queue entry: %w", err)
	}

	return exists, nil
}

// GetByID retrieves a queue entry.
func (s *QueueStore) GetByID(ctx context.Context, queueID int64) (*models.QueueEntry, error) {
	query := `SELECT * FROM scan_queue WHERE id = $1`

	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, query, queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}

	return &entry, nil
}

// ListByStatus returns queue entries with the given status in dispatch
// order, capped at limit.
func (s *QueueStore) ListByStatus(ctx context.Context, status string, limit int) ([]models.QueueEntry, error) {
	query := `
		SELECT * FROM scan_queue
		WHERE status = $1
		ORDER BY priority DESC, queued_at ASC
		LIMIT $2
	`

	var entries []models.QueueEntry
	if err := s.db.SelectContext(ctx, &entries, query, status, limit); err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}

	return entries, nil
}
