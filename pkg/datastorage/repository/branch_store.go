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

// BranchStore handles branches rows. Branches are created lazily on the
// first finding for a branch and never deleted.
type BranchStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewBranchStore creates a new branch store.
func NewBranchStore(db *sqlx.DB, logger *zap.Logger) *BranchStore {
	return &BranchStore{db: db, logger: logger}
}

// Upsert inserts the branch or, on (repository_id, name) conflict, bumps
// last_scanned_at. Returns the stable branch id.
func (s *BranchStore) Upsert(ctx context.Context, repositoryID int64, name string) (int64, error) {
	query := `
		INSERT INTO branches (repository_id, name)
		VALUES ($1, $2)
		ON CONFLICT (repository_id, name) DO UPDATE
		SET last_scanned_at = NOW()
		RETURNING id
	`

	var id int64
	if err := s.db.GetContext(ctx, &id, query, repositoryID, name); err != nil {
		s.logger.Error("failed to upsert branch",
			zap.Int64("repository_id", repositoryID),
			zap.String("branch", name),
			zap.Error(err))
		return 0, fmt.Errorf("failed to upsert branch: %w", err)
	}

	return id, nil
}
