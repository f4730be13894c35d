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

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
)

// SafeFileStore handles the global safe-file allow-list. A row with a NULL
// hash suppresses any content at its path; a hashed row suppresses only
// that exact content.
type SafeFileStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSafeFileStore creates a new safe-file store.
func NewSafeFileStore(db *sqlx.DB, logger *zap.Logger) *SafeFileStore {
	return &SafeFileStore{db: db, logger: logger}
}

// Upsert inserts the allow-list entry or, on (file_path, file_hash)
// conflict, replaces reason and marker and refreshes marked_at.
func (s *SafeFileStore) Upsert(ctx context.Context, filePath string, fileHash, reason, markedBy *string) (*models.SafeFile, error) {
	query := `
		INSERT INTO safe_files (file_path, file_hash, reason, marked_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_path, file_hash) DO UPDATE
		SET reason = EXCLUDED.reason,
		    marked_by = EXCLUDED.marked_by,
		    marked_at = NOW()
		RETURNING *
	`

	var sf models.SafeFile
	if err := s.db.GetContext(ctx, &sf, query, filePath, fileHash, reason, markedBy); err != nil {
		s.logger.Error("failed to upsert safe file",
			zap.String("file_path", filePath),
			zap.Error(err))
		return nil, fmt.Errorf("failed to upsert safe file: %w", err)
	}

	return &sf, nil
}

// List returns all allow-list entries ordered by path, newest mark first.
func (s *SafeFileStore) List(ctx context.Context) ([]models.SafeFile, error) {
	query := `SELECT * FROM safe_files ORDER BY file_path, marked_at DESC`

	var files []models.SafeFile
	if err := s.db.SelectContext(ctx, &files, query); err != nil {
		return nil, fmt.Errorf("failed to list safe files: %w", err)
	}

	return files, nil
}

// Delete removes an allow-list entry by id.
func (s *SafeFileStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM safe_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete safe file: %w", err)
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

// IsFileSafe reports whether any allow-list row matches the path with
// either a NULL hash or the provided one.
func (s *SafeFileStore) IsFileSafe(ctx context.Context, filePath, fileHash string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM safe_files
			WHERE file_path = $1
			  AND (file_hash IS NULL OR file_hash = $2)
		)
	`

	var safe bool
	if err := s.db.GetContext(ctx, &safe, query, filePath, fileHash); err != nil {
		return false, fmt.Errorf("failed to check safe file: %w", err)
	}

	return safe, nil
}
