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
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
)

// FindingStore handles vulnerabilities rows, the deduplicated cross-branch
// view, and the review mutations that close findings.
type FindingStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewFindingStore creates a new finding store.
func NewFindingStore(db *sqlx.DB, logger *zap.Logger) *FindingStore {
	return &FindingStore{db: db, logger: logger}
}

// Insert persists one finding. The caller has already consulted the
// safe-file allow-list.
func (s *FindingStore) Insert(ctx context.Context, f *models.Finding) (int64, error) {
	query := `
		INSERT INTO vulnerabilities (
			repository_id, branch_id, file_path, file_hash, vulnerability_type,
			severity, title, description, line_number, code_snippet,
			recommendation, cwe_id, cvss_score
		) VALUES (
			:repository_id, :branch_id, :file_path, :file_hash, :vulnerability_type,
			:severity, :title, :description, :line_number, :code_snippet,
			:recommendation, :cwe_id, :cvss_score
		)
		RETURNING id
	`

	rows, err := s.db.NamedQueryContext(ctx, query, f)
	if err != nil {
		s.logger.Error("failed to insert finding",
			zap.Int64("repository_id", f.RepositoryID),
			zap.String("file_path", f.FilePath),
			zap.Error(err))
		return 0, fmt.Errorf("failed to insert finding: %w", err)
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan finding id: %w", err)
		}
	}

	return id, nil
}

// BulkIgnoreByFile flips every open finding at (filePath, fileHash) to
// ignored, appending an audit note and stamping the reviewer. Returns the
// number of findings closed.
func (s *FindingStore) BulkIgnoreByFile(ctx context.Context, filePath, fileHash string, markedBy *string) (int64, error) {
	return s.bulkIgnore(ctx, s.db, filePath, fileHash, markedBy)
}

func (s *FindingStore) bulkIgnore(ctx context.Context, ext sqlx.ExtContext, filePath, fileHash string, markedBy *string) (int64, error) {
	query := `
		UPDATE vulnerabilities
		SET status = 'ignored',
		    manual_analysis = COALESCE(manual_analysis, '') || E'\nAuto-ignored: File marked as safe globally',
		    analyzed_by = $3,
		    analyzed_at = NOW()
		WHERE file_path = $1 AND file_hash = $2 AND status = 'open'
	`

	result, err := ext.ExecContext(ctx, query, filePath, fileHash, markedBy)
	if err != nil {
		s.logger.Error("failed to bulk-ignore findings",
			zap.String("file_path", filePath),
			zap.Error(err))
		return 0, fmt.Errorf("failed to bulk-ignore findings: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// MarkFileSafe upserts the allow-list entry and retroactively closes every
// open finding for that file, atomically. This is the write path behind
// the external "mark file safe" review action.
func (s *FindingStore) MarkFileSafe(ctx context.Context, filePath string, fileHash, reason, markedBy *string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	upsert := `
		INSERT INTO safe_files (file_path, file_hash, reason, marked_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_path, file_hash) DO UPDATE
		SET reason = EXCLUDED.reason,
		    marked_by = EXCLUDED.marked_by,
		    marked_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, upsert, filePath, fileHash, reason, markedBy); err != nil {
		return 0, fmt.Errorf("failed to upsert safe file: %w", err)
	}

	// A NULL-hash allow-list row suppresses every hash at the path; close
	// the opens recorded under any hash in that case.
	var closed int64
	if fileHash != nil {
		closed, err = s.bulkIgnore(ctx, tx, filePath, *fileHash, markedBy)
	} else {
		closed, err = s.bulkIgnoreAllHashes(ctx, tx, filePath, markedBy)
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mark-file-safe: %w", err)
	}

	s.logger.Info("file marked safe",
		zap.String("file_path", filePath),
		zap.Int64("findings_closed", closed))

	return closed, nil
}

func (s *FindingStore) bulkIgnoreAllHashes(ctx context.Context, ext sqlx.ExtContext, filePath string, markedBy *string) (int64, error) {
	query := `
		UPDATE vulnerabilities
		SET status = 'ignored',
		    manual_analysis = COALESCE(manual_analysis, '') || E'\nAuto-ignored: File marked as safe globally',
		    analyzed_by = $2,
		    analyzed_at = NOW()
		WHERE file_path = $1 AND status = 'open'
	`

	result, err := ext.ExecContext(ctx, query, filePath, markedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk-ignore findings: %w", err)
	}

	return result.RowsAffected()
}

// UpdateAnalysis applies a manual-review mutation to one finding. Nil
// fields are left untouched; any update stamps analyzed_at.
func (s *FindingStore) UpdateAnalysis(ctx context.Context, findingID int64, update *models.AnalysisUpdate) (*models.Finding, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIndex := 1

	if update.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *update.Status)
		argIndex++
	}
	if update.ManualAnalysis != nil {
		setClauses = append(setClauses, fmt.Sprintf("manual_analysis = $%d", argIndex))
		args = append(args, *update.ManualAnalysis)
		argIndex++
	}
	if update.AnalyzedBy != nil {
		setClauses = append(setClauses, fmt.Sprintf("analyzed_by = $%d", argIndex))
		args = append(args, *update.AnalyzedBy)
		argIndex++
	}

	if len(setClauses) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	setClauses = append(setClauses, "analyzed_at = NOW()")
	args = append(args, findingID)

	query := fmt.Sprintf(`
		UPDATE vulnerabilities
		SET %s
		WHERE id = $%d
		RETURNING *
	`, strings.Join(setClauses, ", "), argIndex)

	var finding models.Finding
	if err := s.db.GetContext(ctx, &finding, query, args...); err != nil {
		s.logger.Error("failed to update finding analysis",
			zap.Int64("finding_id", findingID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to update finding analysis: %w", err)
	}

	return &finding, nil
}

// dedupRow carries the aggregated listing row; branches arrive as a CSV so
// the scan stays on plain string types.
type dedupRow struct {
	models.DeduplicatedFinding
	BranchesCSV string `db:"branches_csv"`
}

// ListDeduplicated returns findings grouped by (repository, file path,
// file hash, type, line), with branch names aggregated across the group.
// Ordering is severity class first (critical..low, unknown last), then
// newest detection.
func (s *FindingStore) ListDeduplicated(ctx context.Context, filters *models.FindingFilters, limit, offset int) ([]models.DeduplicatedFinding, int, error) {
	whereClauses := []string{}
	args := []interface{}{}
	argIndex := 1

	if filters != nil {
		if filters.RepositoryID != nil {
			whereClauses = append(whereClauses, fmt.Sprintf("v.repository_id = $%d", argIndex))
			args = append(args, *filters.RepositoryID)
			argIndex++
		}
		if filters.Owner != nil {
			whereClauses = append(whereClauses, fmt.Sprintf("r.owner = $%d", argIndex))
			args = append(args, *filters.Owner)
			argIndex++
		}
		if filters.Name != nil {
			whereClauses = append(whereClauses, fmt.Sprintf("r.name = $%d", argIndex))
			args = append(args, *filters.Name)
			argIndex++
		}
		if filters.Severity != nil {
			whereClauses = append(whereClauses, fmt.Sprintf("v.severity = $%d", argIndex))
			args = append(args, *filters.Severity)
			argIndex++
		}
		if filters.Status != nil {
			whereClauses = append(whereClauses, fmt.Sprintf("v.status = $%d", argIndex))
			args = append(args, *filters.Status)
			argIndex++
		}
	}

	whereClause := ""
	if len(whereClauses) > 0 {
		whereClause = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	countQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT DISTINCT v.repository_id, v.file_path, v.file_hash, v.vulnerability_type, v.line_number
			FROM vulnerabilities v
			JOIN repositories r ON v.repository_id = r.id
			%s
		) AS deduped
	`, whereClause)

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count deduplicated findings: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT
			MIN(v.id) AS id,
			v.repository_id,
			r.owner AS repo_owner,
			r.name AS repo_name,
			r.url AS repo_url,
			v.file_path,
			v.file_hash,
			v.vulnerability_type,
			v.severity,
			v.title,
			MIN(v.description) AS description,
			v.line_number,
			MIN(v.code_snippet) AS code_snippet,
			MIN(v.recommendation) AS recommendation,
			MIN(v.cwe_id) AS cwe_id,
			MIN(v.cvss_score) AS cvss_score,
			MIN(v.detected_at) AS detected_at,
			MIN(v.status) AS status,
			MIN(v.manual_analysis) AS manual_analysis,
			MIN(v.analyzed_by) AS analyzed_by,
			MIN(v.analyzed_at) AS analyzed_at,
			COALESCE(ARRAY_TO_STRING(ARRAY_AGG(DISTINCT b.name) FILTER (WHERE b.name IS NOT NULL), ','), '') AS branches_csv,
			COUNT(DISTINCT b.id) AS branch_count
		FROM vulnerabilities v
		JOIN repositories r ON v.repository_id = r.id
		LEFT JOIN branches b ON v.branch_id = b.id
		%s
		GROUP BY v.repository_id, r.owner, r.name, r.url, v.file_path, v.file_hash,
		         v.vulnerability_type, v.severity, v.title, v.line_number
		ORDER BY
		  CASE v.severity
		    WHEN 'critical' THEN 1
		    WHEN 'high' THEN 2
		    WHEN 'medium' THEN 3
		    WHEN 'low' THEN 4
		    ELSE 5
		  END,
		  MIN(v.detected_at) DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIndex, argIndex+1)

	args = append(args, limit, offset)

	var rows []dedupRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.Error("failed to list deduplicated findings", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to list deduplicated findings: %w", err)
	}

	findings := make([]models.DeduplicatedFinding, len(rows))
	for i, row := range rows {
		f := row.DeduplicatedFinding
		if row.BranchesCSV != "" {
			f.Branches = strings.Split(row.BranchesCSV, ",")
		}
		findings[i] = f
	}

	return findings, total, nil
}
