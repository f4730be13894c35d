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

package githubapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SearchQueryTopRepositories is the discovery sweep query.
const SearchQueryTopRepositories = "stars:>100 archived:false"

// SearchTopRepositories pages through the repository search, best stars
// first. Pagination stops at maxResults, at the upstream search ceiling,
// or on a short page. Transport errors return whatever accumulated so the
// sweep can still run on partial results.
func (c *Client) SearchTopRepositories(ctx context.Context, query string, maxResults int) ([]RepoMeta, error) {
	var repos []RepoMeta
	page := 1

	for len(repos) < maxResults {
		limits, err := c.RateLimit(ctx)
		if err != nil {
			c.logger.Warn("failed to check rate limit before search page", zap.Error(err))
		} else if err := c.waitForPageBudget(ctx, limits.Search); err != nil {
			return repos, err
		}

		opts := &github.SearchOptions{
			Sort:  "stars",
			Order: "desc",
			ListOptions: github.ListOptions{
				PerPage: pageSize,
				Page:    page,
			},
		}

		result, resp, err := c.gh.Search.Repositories(ctx, query, opts)
		if err != nil {
			if isRateLimited(err) || statusCode(resp, err) == http.StatusForbidden {
				c.logger.Warn("search rate limited, retrying page",
					zap.Int("page", page))
				if err := c.sleep(ctx, rateLimitRetryWait); err != nil {
					return repos, err
				}
				continue
			}
			c.logger.Error("repository search failed, returning accumulated results",
				zap.Int("page", page),
				zap.Int("accumulated", len(repos)),
				zap.Error(err))
			return repos, nil
		}

		items := result.Repositories
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			repos = append(repos, toRepoMeta(item))
		}

		ceiling := searchResultCeiling
		if maxResults < ceiling {
			ceiling = maxResults
		}
		if len(items) < pageSize || len(repos) >= ceiling {
			break
		}

		page++
		if err := c.sleep(ctx, searchPageDelay); err != nil {
			return repos, err
		}
	}

	if len(repos) > maxResults {
		repos = repos[:maxResults]
	}

	return repos, nil
}

// ListOwnerRepositories lists every repository of an owner, trying the
// user endpoint first and falling back to the organization endpoint on
// 404.
func (c *Client) ListOwnerRepositories(ctx context.Context, owner string) ([]RepoMeta, error) {
	var repos []RepoMeta
	page := 1

	for {
		limits, err := c.RateLimit(ctx)
		if err != nil {
			c.logger.Warn("failed to check rate limit before owner page", zap.Error(err))
		} else if err := c.waitForPageBudget(ctx, limits.Core); err != nil {
			return repos, err
		}

		items, resp, err := c.listOwnerPage(ctx, owner, page)
		if err != nil {
			if isRateLimited(err) || statusCode(resp, err) == http.StatusForbidden {
				c.logger.Warn("owner listing rate limited, retrying page",
					zap.String("owner", owner),
					zap.Int("page", page))
				if err := c.sleep(ctx, rateLimitRetryWait); err != nil {
					return repos, err
				}
				continue
			}
			c.logger.Error("failed to list owner repositories",
				zap.String("owner", owner),
				zap.Error(err))
			return repos, nil
		}

		if len(items) == 0 {
			break
		}

		for _, item := range items {
			repos = append(repos, toRepoMeta(item))
		}

		if len(items) < pageSize {
			break
		}

		page++
		if err := c.sleep(ctx, ownerPageDelay); err != nil {
			return repos, err
		}
	}

	return repos, nil
}

func (c *Client) listOwnerPage(ctx context.Context, owner string, page int) ([]*github.Repository, *github.Response, error) {
	listOpts := github.ListOptions{PerPage: pageSize, Page: page}

	items, resp, err := c.gh.Repositories.ListByUser(ctx, owner, &github.RepositoryListByUserOptions{ListOptions: listOpts})
	if err != nil && statusCode(resp, err) == http.StatusNotFound {
		return c.gh.Repositories.ListByOrg(ctx, owner, &github.RepositoryListByOrgOptions{ListOptions: listOpts})
	}

	return items, resp, err
}

// HasRecentActionRuns reports whether the repository has any workflow run
// at all. 404 means Actions was never enabled; 403 backs off briefly and
// answers conservatively. The probe sits behind a circuit breaker so a
// broken upstream short-circuits to the same conservative answer.
func (c *Client) HasRecentActionRuns(ctx context.Context, owner, name string) (bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		opts := &github.ListWorkflowRunsOptions{
			ListOptions: github.ListOptions{PerPage: 1},
		}

		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
		if err != nil {
			switch statusCode(resp, err) {
			case http.StatusNotFound:
				return false, nil
			case http.StatusForbidden:
				if serr := c.sleep(ctx, 2*time.Second); serr != nil {
					return false, serr
				}
				return false, nil
			}
			return false, err
		}

		return runs.GetTotalCount() > 0, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("workflow-run probe breaker open",
				zap.String("owner", owner),
				zap.String("name", name))
			return false, nil
		}
		c.logger.Warn("failed to check workflow runs",
			zap.String("owner", owner),
			zap.String("name", name),
			zap.Error(err))
		return false, nil
	}

	return result.(bool), nil
}

func toRepoMeta(repo *github.Repository) RepoMeta {
	return RepoMeta{
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		URL:      repo.GetHTMLURL(),
		Archived: repo.GetArchived(),
		Stars:    repo.GetStargazersCount(),
	}
}

func isRateLimited(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &rateErr) || errors.As(err, &abuseErr)
}

func statusCode(resp *github.Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}
