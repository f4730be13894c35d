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
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// RateLimitStore appends upstream budget observations. Rows are append-only.
type RateLimitStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRateLimitStore creates a new rate-limit store.
func NewRateLimitStore(db *sqlx.DB, logger *zap.Logger) *RateLimitStore {
	return &RateLimitStore{db: db, logger: logger}
}

// Append records one observation for the given API class.
func (s *RateLimitStore) Append(ctx context.Context, apiType string, limit, remaining int, resetAt time.Time) error {
	query := `
		INSERT INTO rate_limits (api_type, limit_value, remaining, reset_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.ExecContext(ctx, query, apiType, limit, remaining, resetAt); err != nil {
		s.logger.Error("failed to append rate limit sample",
			zap.String("api_type", apiType),
			zap.Error(err))
		return fmt.Errorf("failed to append rate limit sample: %w", err)
	}

	return nil
}
