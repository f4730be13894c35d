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

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
)

// RepositoryStore handles repositories rows.
type RepositoryStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRepositoryStore creates a new repository store.
func NewRepositoryStore(db *sqlx.DB, logger *zap.Logger) *RepositoryStore {
	return &RepositoryStore{db: db, logger: logger}
}

// Upsert inserts the repository or, on (owner, name) conflict, replaces its
// URL. Returns the stored row either way.
func (s *RepositoryStore) Upsert(ctx context.Context, url, owner, name string, hasActions bool) (*models.Repository, error) {
	query := `
		INSERT INTO repositories (url, owner, name, has_actions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, name) DO UPDATE
		SET url = EXCLUDED.url
		RETURNING *
	`

	var repo models.Repository
	if err := s.db.GetContext(ctx, &repo, query, url, owner, name, hasActions); err != nil {
		s.logger.Error("failed to upsert repository",
			zap.String("owner", owner),
			zap.String("name", name),
			zap.Error(err))
		return nil, fmt.Errorf("failed to upsert repository: %w", err)
	}

	return &repo, nil
}

// GetByOwnerName retrieves a repository by its natural key.
func (s *RepositoryStore) GetByOwnerName(ctx context.Context, owner, name string) (*models.Repository, error) {
	query := `SELECT * FROM repositories WHERE owner = $1 AND name = $2`

	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, query, owner, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, name, err)
	}

	return &repo, nil
}

// SetScanning marks the repository as being scanned and stamps the scan
// boundary timestamps.
func (s *RepositoryStore) SetScanning(ctx context.Context, id int64) error {
	query := `
		UPDATE repositories
		SET scan_status = 'scanning',
		    first_scanned_at = COALESCE(first_scanned_at, NOW()),
		    last_scanned_at = NOW()
		WHERE id = $1
	`

	if err := s.exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark repository scanning: %w", err)
	}
	return nil
}

// SetScanCompleted marks the repository scan completed and clears any
// previous error.
func (s *RepositoryStore) SetScanCompleted(ctx context.Context, id int64) error {
	query := `
		UPDATE repositories
		SET scan_status = 'completed', scan_error = NULL
		WHERE id = $1
	`

	if err := s.exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark repository completed: %w", err)
	}
	return nil
}

// SetScanFailed marks the repository scan failed with the given error text.
func (s *RepositoryStore) SetScanFailed(ctx context.Context, id int64, scanErr string) error {
	query := `
		UPDATE repositories
		SET scan_status = 'failed', scan_error = $2
		WHERE id = $1
	`

	if err := s.exec(ctx, query, id, scanErr); err != nil {
		return fmt.Errorf("failed to mark repository failed: %w", err)
	}
	return nil
}

func (s *RepositoryStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
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
