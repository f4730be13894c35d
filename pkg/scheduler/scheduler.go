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

// Package scheduler runs the discovery sweep: harvest top-starred
// repositories upstream, expand by owner, filter out candidates not worth
// scanning, and enqueue the rest idempotently.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
	"github.com/jordigilh/actionscan/pkg/githubapi"
	"github.com/jordigilh/actionscan/pkg/metrics"
)

const (
	// PrioritySearch is assigned to direct search hits.
	PrioritySearch = 10
	// PriorityExpansion is assigned to owner-expansion hits.
	PriorityExpansion = 5

	// Candidates scanned more recently than this are skipped.
	rescanAfter = 7 * 24 * time.Hour

	// Backoff after an unexpected sweep failure.
	crashBackoff = 5 * time.Minute
)

// DiscoveryAPI is the slice of the upstream client the scheduler uses.
type DiscoveryAPI interface {
	SearchTopRepositories(ctx context.Context, query string, maxResults int) ([]githubapi.RepoMeta, error)
	ListOwnerRepositories(ctx context.Context, owner string) ([]githubapi.RepoMeta, error)
	HasRecentActionRuns(ctx context.Context, owner, name string) (bool, error)
}

// RepositoryUpserter persists discovered repositories.
type RepositoryUpserter interface {
	Upsert(ctx context.Context, url, owner, name string, hasActions bool) (*models.Repository, error)
}

// QueueEnqueuer creates queue entries.
type QueueEnqueuer interface {
	Enqueue(ctx context.Context, repositoryID int64, priority int) (int64, error)
	HasActiveEntry(ctx context.Context, repositoryID int64) (bool, error)
}

// Config controls the sweep cadence and breadth.
type Config struct {
	Interval      time.Duration
	TopReposCount int

	// DebugMode skips every write and logs the would-be actions; the
	// scheduler exits after a single sweep.
	DebugMode bool
}

// Scheduler is the long-lived discovery loop.
type Scheduler struct {
	api    DiscoveryAPI
	repos  RepositoryUpserter
	queue  QueueEnqueuer
	cfg    Config
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler. repos and queue may be nil only in debug mode.
func New(api DiscoveryAPI, repos RepositoryUpserter, queue QueueEnqueuer, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		api:    api,
		repos:  repos,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes sweeps until the context is cancelled. A sweep failure
// backs off five minutes and retries; it never terminates the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting discovery scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("top_repos", s.cfg.TopReposCount),
		zap.Bool("debug_mode", s.cfg.DebugMode))

	for {
		start := time.Now()

		if err := s.Sweep(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error("sweep failed, backing off", zap.Error(err))
			if err := s.sleep(ctx, crashBackoff); err != nil {
				return nil
			}
			continue
		}

		s.logger.Info("sweep completed",
			zap.Duration("duration", time.Since(start)))

		if s.cfg.DebugMode {
			s.logger.Info("debug mode, exiting after one sweep")
			return nil
		}

		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Sweep performs one discovery pass: the star search at high priority,
// then owner expansion at low priority until the expansion cap.
func (s *Scheduler) Sweep(ctx context.Context) error {
	repos, err := s.api.SearchTopRepositories(ctx, githubapi.SearchQueryTopRepositories, s.cfg.TopReposCount)
	if err != nil {
		return err
	}

	s.logger.Info("discovery search finished", zap.Int("candidates", len(repos)))
	metrics.RepositoriesDiscovered.Add(float64(len(repos)))

	queued := 0
	owners := make(map[string]struct{})

	for _, meta := range repos {
		if meta.Owner != "" {
			owners[meta.Owner] = struct{}{}
		}

		enqueued, err := s.processCandidate(ctx, meta, PrioritySearch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// One bad candidate must not end the sweep.
			s.logger.Warn("failed to process candidate",
				zap.String("owner", meta.Owner),
				zap.String("name", meta.Name),
				zap.Error(err))
			continue
		}
		if enqueued {
			queued++
			metrics.RepositoriesEnqueued.WithLabelValues("search").Inc()
		}
	}

	s.logger.Info("queued from search", zap.Int("count", queued))

	expanded, err := s.expandOwners(ctx, owners)
	if err != nil {
		return err
	}

	s.logger.Info("sweep totals",
		zap.Int("search_queued", queued),
		zap.Int("expansion_queued", expanded),
		zap.Int("total", queued+expanded))

	return nil
}

// expandOwners enqueues the remaining repositories of every owner seen in
// the search, stopping once the cumulative expansion count passes twice
// the sweep size.
func (s *Scheduler) expandOwners(ctx context.Context, owners map[string]struct{}) (int, error) {
	s.logger.Info("expanding owners", zap.Int("owners", len(owners)))

	expansionCap := 2 * s.cfg.TopReposCount
	expanded := 0

	for owner := range owners {
		repos, err := s.api.ListOwnerRepositories(ctx, owner)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return expanded, err
			}
			s.logger.Warn("failed to list owner repositories",
				zap.String("owner", owner),
				zap.Error(err))
			continue
		}

		for _, meta := range repos {
			enqueued, err := s.processCandidate(ctx, meta, PriorityExpansion)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return expanded, err
				}
				s.logger.Warn("failed to process expansion candidate",
					zap.String("owner", meta.Owner),
					zap.String("name", meta.Name),
					zap.Error(err))
				continue
			}
			if enqueued {
				expanded++
				metrics.RepositoriesEnqueued.WithLabelValues("expansion").Inc()
			}
		}

		if expanded > expansionCap {
			s.logger.Info("expansion cap reached", zap.Int("expanded", expanded))
			break
		}
	}

	return expanded, nil
}

// processCandidate applies the filter chain to one candidate and enqueues
// it when it survives. Returns whether a queue entry was created (in
// debug mode: whether it would have been).
func (s *Scheduler) processCandidate(ctx context.Context, meta githubapi.RepoMeta, priority int) (bool, error) {
	if meta.Owner == "" || meta.Name == "" || meta.URL == "" {
		return false, nil
	}

	if meta.Archived {
		s.logger.Debug("skipping archived repository",
			zap.String("owner", meta.Owner),
			zap.String("name", meta.Name))
		return false, nil
	}

	hasActions, err := s.api.HasRecentActionRuns(ctx, meta.Owner, meta.Name)
	if err != nil {
		return false, err
	}
	if !hasActions {
		s.logger.Debug("skipping repository without action runs",
			zap.String("owner", meta.Owner),
			zap.String("name", meta.Name))
		return false, nil
	}

	if s.cfg.DebugMode {
		s.logger.Info("would enqueue repository",
			zap.String("owner", meta.Owner),
			zap.String("name", meta.Name),
			zap.String("url", meta.URL),
			zap.Int("stars", meta.Stars),
			zap.Int("priority", priority))
		return true, nil
	}

	repo, err := s.repos.Upsert(ctx, meta.URL, meta.Owner, meta.Name, true)
	if err != nil {
		return false, err
	}

	active, err := s.queue.HasActiveEntry(ctx, repo.ID)
	if err != nil {
		return false, err
	}
	if active {
		s.logger.Debug("skipping repository already queued",
			zap.String("owner", meta.Owner),
			zap.String("name", meta.Name))
		return false, nil
	}

	if repo.LastScannedAt != nil && time.Since(*repo.LastScannedAt) < rescanAfter {
		s.logger.Debug("skipping recently scanned repository",
			zap.String("owner", meta.Owner),
			zap.String("name", meta.Name),
			zap.Time("last_scanned_at", *repo.LastScannedAt))
		return false, nil
	}

	if _, err := s.queue.Enqueue(ctx, repo.ID, priority); err != nil {
		if errors.Is(err, repository.ErrAlreadyQueued) {
			// Lost the race to a concurrent enqueue; that entry covers us.
			return false, nil
		}
		return false, err
	}

	s.logger.Info("queued repository for scanning",
		zap.String("owner", meta.Owner),
		zap.String("name", meta.Name),
		zap.Int("priority", priority))

	return true, nil
}
