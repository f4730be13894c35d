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

package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
	"github.com/jordigilh/actionscan/pkg/kubejobs"
	"github.com/jordigilh/actionscan/pkg/metrics"
)

const (
	// Core requests that must remain before a scan starts.
	minRemainingForScan = 100

	cloneStagingDir    = "/tmp/repo_clone"
	workflowStagingDir = "/tmp/octoscan-workflows"
)

// RepoStore is the repository persistence the worker needs.
type RepoStore interface {
	Upsert(ctx context.Context, url, owner, name string, hasActions bool) (*models.Repository, error)
	SetScanning(ctx context.Context, id int64) error
	SetScanCompleted(ctx context.Context, id int64) error
	SetScanFailed(ctx context.Context, id int64, scanErr string) error
}

// QueueStore is the queue bookkeeping the worker performs on its entry.
type QueueStore interface {
	FindActiveEntry(ctx context.Context, repositoryID int64) (*models.QueueEntry, error)
	MarkProcessing(ctx context.Context, queueID int64, jobName string) error
	MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error
}

// FindingSink persists findings and the branch rows they hang off.
type FindingSink interface {
	Insert(ctx context.Context, f *models.Finding) (int64, error)
}

// BranchSink upserts branch rows.
type BranchSink interface {
	Upsert(ctx context.Context, repositoryID int64, name string) (int64, error)
}

// AllowList answers safe-file queries.
type AllowList interface {
	IsFileSafe(ctx context.Context, filePath, fileHash string) (bool, error)
}

// HistorySink records terminal scan attempts.
type HistorySink interface {
	Record(ctx context.Context, repositoryID int64, queueID *int64, status string, vulnerabilitiesFound, durationSeconds int, errMsg *string) error
}

// BudgetGate gates the scan on the upstream API budget.
type BudgetGate interface {
	WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error)
}

// Config is the worker environment.
type Config struct {
	RepoURL     string
	GitHubToken string
}

// Stores bundles the persistence surfaces the worker writes through.
type Stores struct {
	Repos     RepoStore
	Queue     QueueStore
	Findings  FindingSink
	Branches  BranchSink
	SafeFiles AllowList
	History   HistorySink
}

// Worker executes one scan end to end.
type Worker struct {
	cfg    Config
	stores Stores
	api    BudgetGate
	logger *zap.Logger

	now         func() time.Time
	analyzerBin string

	// Stage seams, swapped out in tests.
	clone    func(ctx context.Context, repoURL, destDir string) error
	download func(ctx context.Context, owner, name, destDir string) error
	analyze  func(ctx context.Context, targetDir string) ([]RawFinding, error)
}

// New creates a worker. api may be nil when no token budget applies.
func New(cfg Config, stores Stores, api BudgetGate, logger *zap.Logger) *Worker {
	w := &Worker{
		cfg:         cfg,
		stores:      stores,
		api:         api,
		logger:      logger,
		now:         time.Now,
		analyzerBin: octoscanBinary,
	}
	w.clone = w.cloneRepository
	w.download = w.downloadWorkflows
	w.analyze = w.runAnalyzer
	return w
}

// Scan runs the whole scan for the configured repository and reports
// success. Every terminal path updates the repository, the queue entry
// (when one exists) and the scan history before returning.
func (w *Worker) Scan(ctx context.Context) bool {
	start := w.now()

	owner, name, err := ParseRepoURL(w.cfg.RepoURL)
	if err != nil {
		w.logger.Error("cannot parse repository URL",
			zap.String("url", w.cfg.RepoURL),
			zap.Error(err))
		return false
	}

	logger := w.logger.With(zap.String("repository", owner+"/"+name))

	if w.api != nil {
		proceed, err := w.api.WaitIfNeeded(ctx, minRemainingForScan)
		if err != nil {
			logger.Error("rate limit gate failed", zap.Error(err))
			return false
		}
		if !proceed {
			logger.Error("rate limit budget too low, aborting scan")
			return false
		}
	}

	repo, err := w.stores.Repos.Upsert(ctx, w.cfg.RepoURL, owner, name, true)
	if err != nil {
		logger.Error("failed to register repository", zap.Error(err))
		return false
	}

	queueID := w.adoptQueueEntry(ctx, logger, repo.ID, owner, name)

	if err := w.stores.Repos.SetScanning(ctx, repo.ID); err != nil {
		logger.Warn("failed to mark repository scanning", zap.Error(err))
	}

	found, err := w.scanRepository(ctx, logger, repo.ID, owner, name)
	duration := int(w.now().Sub(start).Seconds())

	if err != nil {
		msg := err.Error()
		w.finish(ctx, logger, repo.ID, queueID, models.QueueStatusFailed, found, duration, &msg)
		return false
	}

	w.finish(ctx, logger, repo.ID, queueID, models.QueueStatusCompleted, found, duration, nil)
	logger.Info("scan completed",
		zap.Int("findings", found),
		zap.Int("duration_seconds", duration))
	return true
}

// adoptQueueEntry claims the live queue entry for the repository, if any.
// The job identity is derived the same way the dispatcher derives it, so
// re-claiming the entry the dispatcher already marked processing is a
// no-op. A directly invoked scan has no entry; the worker then runs
// without queue bookkeeping.
func (w *Worker) adoptQueueEntry(ctx context.Context, logger *zap.Logger, repositoryID int64, owner, name string) *int64 {
	entry, err := w.stores.Queue.FindActiveEntry(ctx, repositoryID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("failed to look up queue entry", zap.Error(err))
		}
		return nil
	}

	jobName := kubejobs.DeriveJobName(owner, name, entry.ID)
	if err := w.stores.Queue.MarkProcessing(ctx, entry.ID, jobName); err != nil {
		if errors.Is(err, repository.ErrConflictingClaim) {
			logger.Warn("queue entry claimed by another job, proceeding without it",
				zap.Int64("queue_id", entry.ID))
			return nil
		}
		logger.Warn("failed to mark queue entry processing", zap.Error(err))
	}

	return &entry.ID
}

// finish performs the terminal bookkeeping shared by the success and
// failure paths.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, repositoryID int64, queueID *int64, status string, found, duration int, errMsg *string) {
	if status == models.QueueStatusCompleted {
		if err := w.stores.Repos.SetScanCompleted(ctx, repositoryID); err != nil {
			logger.Warn("failed to mark repository completed", zap.Error(err))
		}
	} else {
		reason := "scan failed"
		if errMsg != nil {
			reason = *errMsg
		}
		logger.Error("scan failed", zap.String("error", reason))
		if err := w.stores.Repos.SetScanFailed(ctx, repositoryID, reason); err != nil {
			logger.Warn("failed to mark repository failed", zap.Error(err))
		}
	}

	if queueID != nil {
		if err := w.stores.Queue.MarkTerminal(ctx, *queueID, status, errMsg); err != nil {
			logger.Warn("failed to mark queue entry terminal",
				zap.Int64("queue_id", *queueID),
				zap.Error(err))
		}
	}

	if err := w.stores.History.Record(ctx, repositoryID, queueID, status, found, duration, errMsg); err != nil {
		logger.Warn("failed to record scan history", zap.Error(err))
	}

	metrics.ScansFinished.WithLabelValues(status).Inc()
}

// scanRepository runs the mandatory stage pipeline: shallow clone, then
// workflow download, then analysis over the download tree. A clone or
// download failure is a terminal scan failure; the clone validates
// repository access and is never analyzed. The staging directories are
// removed on every path.
func (w *Worker) scanRepository(ctx context.Context, logger *zap.Logger, repositoryID int64, owner, name string) (int, error) {
	defer func() {
		if err := os.RemoveAll(workflowStagingDir); err != nil {
			logger.Warn("failed to clean workflow staging dir", zap.Error(err))
		}
		if err := os.RemoveAll(cloneStagingDir); err != nil {
			logger.Warn("failed to clean clone staging dir", zap.Error(err))
		}
	}()

	cloneDir, err := stagingDir(cloneStagingDir)
	if err != nil {
		return 0, err
	}
	if err := w.clone(ctx, w.cfg.RepoURL, cloneDir); err != nil {
		return 0, err
	}

	downloadDir, err := stagingDir(workflowStagingDir)
	if err != nil {
		return 0, err
	}
	if err := w.download(ctx, owner, name, downloadDir); err != nil {
		return 0, err
	}

	findings, err := w.analyze(ctx, downloadDir)
	if err != nil {
		return 0, err
	}

	logger.Info("analysis finished", zap.Int("raw_findings", len(findings)))

	return w.ingest(ctx, logger, repositoryID, downloadDir, findings), nil
}

// ingest persists the raw findings through the safe-file allow-list. One
// bad finding never loses the rest of the batch.
func (w *Worker) ingest(ctx context.Context, logger *zap.Logger, repositoryID int64, stagingRoot string, findings []RawFinding) int {
	branchIDs := make(map[string]int64)
	stored := 0

	for _, raw := range findings {
		cleanPath := CleanFilePath(raw.FilePath)
		branch := ExtractBranchFromPath(raw.FilePath)

		hashPath := raw.FilePath
		if !filepath.IsAbs(hashPath) {
			hashPath = filepath.Join(stagingRoot, hashPath)
		}
		fileHash := HashFile(hashPath)

		safe, err := w.stores.SafeFiles.IsFileSafe(ctx, cleanPath, fileHash)
		if err != nil {
			logger.Warn("safe-file check failed, keeping finding",
				zap.String("file_path", cleanPath),
				zap.Error(err))
		}
		if safe {
			metrics.FindingsSuppressed.Inc()
			logger.Debug("finding suppressed by allow-list",
				zap.String("file_path", cleanPath))
			continue
		}

		branchID, ok := branchIDs[branch]
		if !ok {
			branchID, err = w.stores.Branches.Upsert(ctx, repositoryID, branch)
			if err != nil {
				logger.Warn("failed to upsert branch, skipping finding",
					zap.String("branch", branch),
					zap.Error(err))
				continue
			}
			branchIDs[branch] = branchID
		}

		finding := &models.Finding{
			RepositoryID:      repositoryID,
			BranchID:          &branchID,
			FilePath:          cleanPath,
			FileHash:          fileHash,
			VulnerabilityType: raw.Kind,
			Severity:          SeverityForRule(raw.Kind),
			Title:             TruncateTitle(raw.Message),
			Description:       raw.Message,
			Recommendation:    RecommendationForRule(raw.Kind),
		}
		if raw.Line > 0 {
			line := raw.Line
			finding.LineNumber = &line
		}
		if raw.Snippet != "" {
			snippet := raw.Snippet
			finding.CodeSnippet = &snippet
		}

		if _, err := w.stores.Findings.Insert(ctx, finding); err != nil {
			logger.Warn("failed to insert finding",
				zap.String("file_path", cleanPath),
				zap.Error(err))
			continue
		}

		metrics.FindingsIngested.Inc()
		stored++
	}

	return stored
}
