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

// Package metrics holds the prometheus collectors shared by the control
// plane loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RepositoriesDiscovered counts candidates seen by the discovery sweep.
	RepositoriesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionscan_scheduler_repositories_discovered_total",
		Help: "Candidate repositories returned by upstream discovery.",
	})

	// RepositoriesEnqueued counts queue entries created by discovery,
	// partitioned by source (search or expansion).
	RepositoriesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionscan_scheduler_repositories_enqueued_total",
		Help: "Queue entries created by the discovery sweep.",
	}, []string{"source"})

	// JobsCreated counts cluster jobs materialized by the dispatcher.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionscan_dispatcher_jobs_created_total",
		Help: "Scan jobs created on the cluster.",
	})

	// JobCreateFailures counts dispatch attempts that could not create a
	// cluster job.
	JobCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionscan_dispatcher_job_create_failures_total",
		Help: "Scan job creations that failed.",
	})

	// ScansFinished counts terminal scan outcomes by status.
	ScansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionscan_scans_finished_total",
		Help: "Terminal scan outcomes.",
	}, []string{"status"})

	// FindingsIngested counts persisted findings.
	FindingsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionscan_findings_ingested_total",
		Help: "Findings persisted after allow-list filtering.",
	})

	// FindingsSuppressed counts findings skipped by the safe-file
	// allow-list.
	FindingsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionscan_findings_suppressed_total",
		Help: "Findings skipped because their file is marked safe.",
	})

	// RateLimitRemaining tracks the last observed upstream budget.
	RateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actionscan_github_rate_limit_remaining",
		Help: "Remaining upstream API requests at the last check.",
	}, []string{"api_type"})
)

// Handler exposes the default registry for the loop binaries.
func Handler() http.Handler {
	return promhttp.Handler()
}
