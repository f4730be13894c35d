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

// Package dispatcher drains the scan queue into cluster jobs under two
// admission gates: the cluster concurrency cap and the remaining upstream
// API budget. The smaller gate wins each cycle.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
	"github.com/jordigilh/actionscan/pkg/kubejobs"
	"github.com/jordigilh/actionscan/pkg/metrics"
)

const (
	// Core requests that must remain before a cycle claims anything.
	minRemainingForCycle = 500

	// Backoff after an unexpected cycle failure.
	cycleBackoff = 60 * time.Second

	// Terminal jobs older than this are garbage-collected hourly.
	jobRetention   = 24 * time.Hour
	cleanupCadence = time.Hour
)

// BudgetGate is the slice of the upstream client the dispatcher uses.
type BudgetGate interface {
	WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error)
	CalculateSafeJobs(ctx context.Context, requestsPerJob int) (int, error)
}

// JobManager materializes and garbage-collects cluster jobs.
type JobManager interface {
	CreateScanJob(ctx context.Context, owner, name string, queueID int64, env kubejobs.JobEnv) (string, error)
	CountActiveJobs(ctx context.Context) (int, error)
	CleanupOldJobs(ctx context.Context, maxAge time.Duration) error
}

// QueueClaimer claims queue entries and records dispatch outcomes.
type QueueClaimer interface {
	ClaimQueued(ctx context.Context, limit int) ([]models.ClaimedEntry, error)
	MarkProcessing(ctx context.Context, queueID int64, jobName string) error
	MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error
}

// Config controls the dispatch cadence and the admission gates.
type Config struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	RequestsPerJob    int

	// Propagated into every scan job container.
	DatabaseURL string
	GitHubToken string
}

// Dispatcher is the long-lived queue-draining loop.
type Dispatcher struct {
	api    BudgetGate
	jobs   JobManager
	queue  QueueClaimer
	cfg    Config
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher.
func New(api BudgetGate, jobs JobManager, queue QueueClaimer, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		api:    api,
		jobs:   jobs,
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

// Run executes dispatch cycles until the context is cancelled. Old
// terminal jobs are swept hourly on a separate cadence.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting dispatcher",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_concurrent_jobs", d.cfg.MaxConcurrentJobs))

	cleanup := time.NewTicker(cleanupCadence)
	defer cleanup.Stop()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle runs immediately instead of waiting a full interval.
	if err := d.runCycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cleanup.C:
			if err := d.jobs.CleanupOldJobs(ctx, jobRetention); err != nil {
				d.logger.Warn("job cleanup failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := d.runCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// runCycle wraps Cycle with the crash backoff so one bad cycle never
// kills the loop.
func (d *Dispatcher) runCycle(ctx context.Context) error {
	if err := d.Cycle(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		d.logger.Error("dispatch cycle failed, backing off", zap.Error(err))
		if err := d.sleep(ctx, cycleBackoff); err != nil {
			return nil
		}
	}
	return nil
}

// Cycle runs one admission pass: gate on the API budget, size the batch by
// the smaller of the free cluster slots and the budget-safe job count,
// claim that many entries, and materialize a job for each.
func (d *Dispatcher) Cycle(ctx context.Context) error {
	proceed, err := d.api.WaitIfNeeded(ctx, minRemainingForCycle)
	if err != nil {
		return err
	}
	if !proceed {
		d.logger.Info("skipping cycle, rate limit budget too low")
		return nil
	}

	safeJobs, err := d.api.CalculateSafeJobs(ctx, d.cfg.RequestsPerJob)
	if err != nil {
		return err
	}
	if safeJobs == 0 {
		d.logger.Info("no budget-safe job slots this cycle")
		return nil
	}

	active, err := d.jobs.CountActiveJobs(ctx)
	if err != nil {
		return err
	}

	free := d.cfg.MaxConcurrentJobs - active
	if free <= 0 {
		d.logger.Debug("cluster at concurrency cap",
			zap.Int("active", active),
			zap.Int("max", d.cfg.MaxConcurrentJobs))
		return nil
	}

	slots := free
	if safeJobs < slots {
		slots = safeJobs
	}

	entries, err := d.queue.ClaimQueued(ctx, slots)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	d.logger.Info("dispatching queue entries",
		zap.Int("claimed", len(entries)),
		zap.Int("free_slots", free),
		zap.Int("budget_slots", safeJobs))

	for _, entry := range entries {
		if err := d.dispatch(ctx, entry); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.logger.Error("failed to dispatch entry",
				zap.Int64("queue_id", entry.QueueID),
				zap.String("repository", entry.Owner+"/"+entry.Name),
				zap.Error(err))
		}
	}

	return nil
}

// dispatch materializes one queue entry as a cluster job. A create failure
// marks the entry failed so the retry budget decides whether it re-queues.
func (d *Dispatcher) dispatch(ctx context.Context, entry models.ClaimedEntry) error {
	env := kubejobs.JobEnv{
		RepoURL:     entry.URL,
		DatabaseURL: d.cfg.DatabaseURL,
		GitHubToken: d.cfg.GitHubToken,
	}

	jobName, err := d.jobs.CreateScanJob(ctx, entry.Owner, entry.Name, entry.QueueID, env)
	if err != nil {
		metrics.JobCreateFailures.Inc()
		reason := "Failed to create job"
		if merr := d.queue.MarkTerminal(ctx, entry.QueueID, models.QueueStatusFailed, &reason); merr != nil {
			d.logger.Error("failed to mark entry failed after create failure",
				zap.Int64("queue_id", entry.QueueID),
				zap.Error(merr))
		}
		return err
	}

	metrics.JobsCreated.Inc()

	if err := d.queue.MarkProcessing(ctx, entry.QueueID, jobName); err != nil {
		if errors.Is(err, repository.ErrConflictingClaim) {
			// Another job owns this entry; ours will find it claimed and
			// exit without touching it.
			d.logger.Warn("entry already claimed by another job",
				zap.Int64("queue_id", entry.QueueID),
				zap.String("job", jobName))
			return nil
		}
		return err
	}

	return nil
}
