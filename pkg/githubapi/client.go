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

// Package githubapi wraps the upstream GitHub API with the budget
// discipline the control plane depends on: every rate-limit introspection
// is persisted as a sample, and callers gate work on the remaining core
// budget instead of discovering exhaustion mid-flight.
package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
	"github.com/jordigilh/actionscan/pkg/metrics"
)

const (
	pageSize = 100

	// The search API never returns more than 1000 results per query.
	searchResultCeiling = 1000

	// Remaining-request floor below which pagination sleeps until reset.
	minPageBudget = 10

	// Core requests held back from the safe-job calculation.
	safeJobBuffer = 500

	// DefaultRequestsPerJob is the budget one scan job is assumed to burn.
	DefaultRequestsPerJob = 50

	// Resets further away than this are not worth sleeping through; the
	// caller skips the cycle instead.
	maxBudgetWait = 15 * time.Minute

	searchPageDelay    = 1 * time.Second
	ownerPageDelay     = 500 * time.Millisecond
	rateLimitRetryWait = 60 * time.Second
)

// RateSnapshot is one API class of a rate-limit response.
type RateSnapshot struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimits holds the two API classes the pipeline budgets against.
type RateLimits struct {
	Core   RateSnapshot
	Search RateSnapshot
}

// RepoMeta is the slice of repository metadata discovery cares about.
type RepoMeta struct {
	Owner    string
	Name     string
	URL      string
	Archived bool
	Stars    int
}

// SampleRecorder persists rate-limit observations. Nil disables recording
// (scheduler debug mode).
type SampleRecorder interface {
	Append(ctx context.Context, apiType string, limit, remaining int, resetAt time.Time) error
}

// Client is a typed GitHub API client with rate-limit bookkeeping.
type Client struct {
	gh      *github.Client
	samples SampleRecorder
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient builds a client. An empty token is accepted with a warning;
// the unauthenticated upstream budget is far tighter.
func NewClient(token string, samples SampleRecorder, logger *zap.Logger) *Client {
	var httpClient = oauth2.NewClient(context.Background(), nil)
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), src)
	} else {
		logger.Warn("no GitHub token provided, rate limits will be very restrictive")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "workflow-runs-probe",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		gh:      github.NewClient(httpClient),
		samples: samples,
		logger:  logger,
		breaker: breaker,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// SetBaseURL points the client at a different API root. Used by tests.
func (c *Client) SetBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse base URL: %w", err)
	}
	c.gh.BaseURL = u
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RateLimit fetches the current budget for the core and search classes and
// appends one sample per class to the store.
func (c *Client) RateLimit(ctx context.Context) (*RateLimits, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	result := &RateLimits{
		Core:   toSnapshot(limits.Core),
		Search: toSnapshot(limits.Search),
	}

	metrics.RateLimitRemaining.WithLabelValues(models.APITypeCore).Set(float64(result.Core.Remaining))
	metrics.RateLimitRemaining.WithLabelValues(models.APITypeSearch).Set(float64(result.Search.Remaining))

	if c.samples != nil {
		for apiType, snap := range map[string]RateSnapshot{
			models.APITypeCore:   result.Core,
			models.APITypeSearch: result.Search,
		} {
			if err := c.samples.Append(ctx, apiType, snap.Limit, snap.Remaining, snap.ResetAt); err != nil {
				c.logger.Warn("failed to store rate limit sample",
					zap.String("api_type", apiType),
					zap.Error(err))
			}
		}
	}

	return result, nil
}

func toSnapshot(rate *github.Rate) RateSnapshot {
	if rate == nil {
		return RateSnapshot{}
	}
	return RateSnapshot{
		Limit:     rate.Limit,
		Remaining: rate.Remaining,
		ResetAt:   rate.Reset.Time,
	}
}

// CalculateSafeJobs returns how many scan jobs the remaining core budget
// can absorb after holding back a buffer. requestsPerJob <= 0 falls back
// to the default.
func (c *Client) CalculateSafeJobs(ctx context.Context, requestsPerJob int) (int, error) {
	if requestsPerJob <= 0 {
		requestsPerJob = DefaultRequestsPerJob
	}

	limits, err := c.RateLimit(ctx)
	if err != nil {
		return 0, err
	}

	safe := (limits.Core.Remaining - safeJobBuffer) / requestsPerJob
	if safe < 0 {
		safe = 0
	}

	return safe, nil
}

// WaitIfNeeded gates a cycle on the core budget. Below minRemaining it
// sleeps through the reset when that is at most 15 minutes away and
// reports proceed; a further reset reports a skipped cycle without
// sleeping. An unreadable rate limit proceeds with a warning.
func (c *Client) WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error) {
	limits, err := c.RateLimit(ctx)
	if err != nil {
		c.logger.Warn("could not check rate limit, proceeding anyway", zap.Error(err))
		return true, nil
	}

	core := limits.Core
	c.logger.Debug("rate limit status",
		zap.Int("remaining", core.Remaining),
		zap.Time("reset_at", core.ResetAt))

	if core.Remaining >= minRemaining {
		return true, nil
	}

	wait := core.ResetAt.Sub(c.now())
	if wait > maxBudgetWait {
		c.logger.Info("rate limit reset too far away, skipping cycle",
			zap.Int("remaining", core.Remaining),
			zap.Duration("until_reset", wait))
		return false, nil
	}

	if wait > 0 {
		c.logger.Info("rate limit low, waiting for reset",
			zap.Int("remaining", core.Remaining),
			zap.Duration("wait", wait))
		if err := c.sleep(ctx, wait+5*time.Second); err != nil {
			return false, err
		}
	}

	return true, nil
}

// waitForPageBudget sleeps until the reset (+1s) when the given class has
// nearly exhausted its budget. Called before each page fetch.
func (c *Client) waitForPageBudget(ctx context.Context, snap RateSnapshot) error {
	if snap.Remaining >= minPageBudget {
		return nil
	}

	wait := snap.ResetAt.Sub(c.now())
	if wait <= 0 {
		return nil
	}

	c.logger.Info("rate limit almost exhausted, waiting",
		zap.Int("remaining", snap.Remaining),
		zap.Duration("wait", wait))

	return c.sleep(ctx, wait+time.Second)
}
