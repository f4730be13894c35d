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
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// HistoryStore records terminal scan attempts.
type HistoryStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewHistoryStore creates a new scan-history store.
func NewHistoryStore(db *sqlx.DB, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

// Record appends one attempt. started_at is back-dated by the reported
// duration so the row brackets the actual scan window.
func (s *HistoryStore) Record(ctx context.Context, repositoryID int64, queueID *int64, status string, vulnerabilitiesFound, durationSeconds int, errMsg *string) error {
	query := `
		INSERT INTO scan_history (
			repository_id, scan_queue_id, status, vulnerabilities_found,
			duration_seconds, error_message, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NOW() - make_interval(secs => $5), NOW()
		)
	`

	if _, err := s.db.ExecContext(ctx, query, repositoryID, queueID, status, vulnerabilitiesFound, durationSeconds, errMsg); err != nil {
		s.logger.Error("failed to record scan history",
			zap.Int64("repository_id", repositoryID),
			zap.String("status", status),
			zap.Error(err))
		return fmt.Errorf("failed to record scan history: %w", err)
	}

	return nil
}
