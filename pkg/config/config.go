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

// Package config loads the environment configuration for the three
// pipeline binaries. All knobs are plain environment variables; intervals
// are expressed in seconds.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults shared across binaries.
const (
	DefaultScanIntervalSeconds = 86400
	DefaultTopReposCount       = 10000
	DefaultPollIntervalSeconds = 30
	DefaultMaxConcurrentJobs   = 10
	DefaultNamespace           = "default"
	DefaultWorkerImage         = "ghcr.io/aarondewes/github-scanner-worker:main"
	DefaultMetricsAddr         = ":9090"
)

// SchedulerConfig configures the discovery scheduler binary.
type SchedulerConfig struct {
	DatabaseURL   string
	GitHubToken   string
	ScanInterval  time.Duration
	TopReposCount int
	DebugMode     bool
	MetricsAddr   string
}

// DispatcherConfig configures the dispatcher binary.
type DispatcherConfig struct {
	DatabaseURL       string
	GitHubToken       string
	Namespace         string
	WorkerImage       string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	MetricsAddr       string
}

// ScanJobConfig configures one scan job container.
type ScanJobConfig struct {
	RepoURL     string
	DatabaseURL string
	GitHubToken string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SCAN_INTERVAL", DefaultScanIntervalSeconds)
	v.SetDefault("TOP_REPOS_COUNT", DefaultTopReposCount)
	v.SetDefault("POLL_INTERVAL", DefaultPollIntervalSeconds)
	v.SetDefault("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs)
	v.SetDefault("WORKER_IMAGE", DefaultWorkerImage)
	v.SetDefault("METRICS_ADDR", DefaultMetricsAddr)
	v.SetDefault("DEBUG_MODE", false)

	return v
}

// LoadScheduler reads the scheduler configuration from the environment.
// The database URL is required unless debug mode is on.
func LoadScheduler() (*SchedulerConfig, error) {
	v := newViper()

	cfg := &SchedulerConfig{
		DatabaseURL:   v.GetString("DATABASE_URL"),
		GitHubToken:   v.GetString("GITHUB_TOKEN"),
		ScanInterval:  time.Duration(v.GetInt("SCAN_INTERVAL")) * time.Second,
		TopReposCount: v.GetInt("TOP_REPOS_COUNT"),
		DebugMode:     v.GetBool("DEBUG_MODE"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
	}

	if !cfg.DebugMode && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TopReposCount <= 0 {
		return nil, fmt.Errorf("TOP_REPOS_COUNT must be positive")
	}

	return cfg, nil
}

// LoadDispatcher reads the dispatcher configuration from the environment.
// KUEUE_NAMESPACE is honored as a legacy alias for KUBERNETES_NAMESPACE.
func LoadDispatcher() (*DispatcherConfig, error) {
	v := newViper()

	namespace := v.GetString("KUBERNETES_NAMESPACE")
	if namespace == "" {
		namespace = v.GetString("KUEUE_NAMESPACE")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	cfg := &DispatcherConfig{
		DatabaseURL:       v.GetString("DATABASE_URL"),
		GitHubToken:       v.GetString("GITHUB_TOKEN"),
		Namespace:         namespace,
		WorkerImage:       v.GetString("WORKER_IMAGE"),
		PollInterval:      time.Duration(v.GetInt("POLL_INTERVAL")) * time.Second,
		MaxConcurrentJobs: v.GetInt("MAX_CONCURRENT_JOBS"),
		MetricsAddr:       v.GetString("METRICS_ADDR"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be positive")
	}

	return cfg, nil
}

// LoadScanJob reads the scan job configuration from the environment.
func LoadScanJob() (*ScanJobConfig, error) {
	v := newViper()

	cfg := &ScanJobConfig{
		RepoURL:     v.GetString("REPO_URL"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		GitHubToken: v.GetString("GITHUB_TOKEN"),
	}

	if cfg.RepoURL == "" {
		return nil, fmt.Errorf("REPO_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}
