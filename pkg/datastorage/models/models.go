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

// Package models defines the row types persisted by the scanner data store.
package models

import (
	"time"
)

// Repository scan statuses.
const (
	RepoStatusNever     = "never"
	RepoStatusScanning  = "scanning"
	RepoStatusCompleted = "completed"
	RepoStatusFailed    = "failed"
)

// Queue entry statuses.
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// Finding statuses.
const (
	FindingStatusOpen          = "open"
	FindingStatusConfirmed     = "confirmed"
	FindingStatusIgnored       = "ignored"
	FindingStatusFalsePositive = "false_positive"
)

// Rate limit API classes tracked in rate_limits.
const (
	APITypeCore   = "core"
	APITypeSearch = "search"
)

// Repository represents one row of the repositories table.
// Identity is (Owner, Name); URL is replaced on re-discovery.
type Repository struct {
	ID             int64      `json:"id" db:"id"`
	URL            string     `json:"url" db:"url"`
	Owner          string     `json:"owner" db:"owner"`
	Name           string     `json:"name" db:"name"`
	ScanStatus     string     `json:"scan_status" db:"scan_status"`
	ScanError      *string    `json:"scan_error,omitempty" db:"scan_error"`
	HasActions     bool       `json:"has_actions" db:"has_actions"`
	FirstScannedAt *time.Time `json:"first_scanned_at,omitempty" db:"first_scanned_at"`
	LastScannedAt  *time.Time `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// QueueEntry represents one unit of scan work in scan_queue.
//
// At most one entry per repository may be in {queued, processing} at a
// time; the store enforces this with a partial unique index.
type QueueEntry struct {
	ID           int64      `json:"id" db:"id"`
	RepositoryID int64      `json:"repository_id" db:"repository_id"`
	Priority     int        `json:"priority" db:"priority"`
	Status       string     `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	MaxAttempts  int        `json:"max_attempts" db:"max_attempts"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	JobName      *string    `json:"job_name,omitempty" db:"job_name"`
	QueuedAt     time.Time  `json:"queued_at" db:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ClaimedEntry is a queued entry joined with the repository fields the
// dispatcher needs to materialize a cluster job.
type ClaimedEntry struct {
	QueueID      int64  `db:"queue_id"`
	RepositoryID int64  `db:"repository_id"`
	URL          string `db:"url"`
	Owner        string `db:"owner"`
	Name         string `db:"name"`
}

// Branch is created lazily on the first finding for a branch and never
// deleted.
type Branch struct {
	ID            int64      `json:"id" db:"id"`
	RepositoryID  int64      `json:"repository_id" db:"repository_id"`
	Name          string     `json:"name" db:"name"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
}

// Finding represents one analyzer result persisted to vulnerabilities.
type Finding struct {
	ID                int64      `json:"id" db:"id"`
	RepositoryID      int64      `json:"repository_id" db:"repository_id"`
	BranchID          *int64     `json:"branch_id,omitempty" db:"branch_id"`
	FilePath          string     `json:"file_path" db:"file_path"`
	FileHash          string     `json:"file_hash" db:"file_hash"`
	VulnerabilityType string     `json:"vulnerability_type" db:"vulnerability_type"`
	Severity          string     `json:"severity" db:"severity"`
	Title             string     `json:"title" db:"title"`
	Description       string     `json:"description" db:"description"`
	LineNumber        *int       `json:"line_number,omitempty" db:"line_number"`
	CodeSnippet       *string    `json:"code_snippet,omitempty" db:"code_snippet"`
	Recommendation    string     `json:"recommendation" db:"recommendation"`
	CWEID             *string    `json:"cwe_id,omitempty" db:"cwe_id"`
	CVSSScore         *float64   `json:"cvss_score,omitempty" db:"cvss_score"`
	Status            string     `json:"status" db:"status"`
	ManualAnalysis    *string    `json:"manual_analysis,omitempty" db:"manual_analysis"`
	AnalyzedBy        *string    `json:"analyzed_by,omitempty" db:"analyzed_by"`
	AnalyzedAt        *time.Time `json:"analyzed_at,omitempty" db:"analyzed_at"`
	DetectedAt        time.Time  `json:"detected_at" db:"detected_at"`
}

// DeduplicatedFinding is one row of the cross-branch deduplicated view:
// identical findings on multiple branches collapse into a single row with
// the branch names aggregated.
type DeduplicatedFinding struct {
	ID                int64      `json:"id" db:"id"`
	RepositoryID      int64      `json:"repository_id" db:"repository_id"`
	RepoOwner         string     `json:"repo_owner" db:"repo_owner"`
	RepoName          string     `json:"repo_name" db:"repo_name"`
	RepoURL           string     `json:"repo_url" db:"repo_url"`
	FilePath          string     `json:"file_path" db:"file_path"`
	FileHash          string     `json:"file_hash" db:"file_hash"`
	VulnerabilityType string     `json:"vulnerability_type" db:"vulnerability_type"`
	Severity          string     `json:"severity" db:"severity"`
	Title             string     `json:"title" db:"title"`
	Description       string     `json:"description" db:"description"`
	LineNumber        *int       `json:"line_number,omitempty" db:"line_number"`
	CodeSnippet       *string    `json:"code_snippet,omitempty" db:"code_snippet"`
	Recommendation    string     `json:"recommendation" db:"recommendation"`
	CWEID             *string    `json:"cwe_id,omitempty" db:"cwe_id"`
	CVSSScore         *float64   `json:"cvss_score,omitempty" db:"cvss_score"`
	Status            string     `json:"status" db:"status"`
	ManualAnalysis    *string    `json:"manual_analysis,omitempty" db:"manual_analysis"`
	AnalyzedBy        *string    `json:"analyzed_by,omitempty" db:"analyzed_by"`
	AnalyzedAt        *time.Time `json:"analyzed_at,omitempty" db:"analyzed_at"`
	DetectedAt        time.Time  `json:"detected_at" db:"detected_at"`
	Branches          []string   `json:"branches" db:"-"`
	BranchCount       int        `json:"branch_count" db:"branch_count"`
}

// FindingFilters narrows the deduplicated listing.
type FindingFilters struct {
	RepositoryID *int64
	Owner        *string
	Name         *string
	Severity     *string
	Status       *string
}

// AnalysisUpdate carries a manual-review mutation for a finding. Nil fields
// are left untouched.
type AnalysisUpdate struct {
	Status         *string
	ManualAnalysis *string
	AnalyzedBy     *string
}

// SafeFile is a global allow-list entry. A nil FileHash matches any content
// at FilePath; a non-nil hash matches only that content.
type SafeFile struct {
	ID       int64     `json:"id" db:"id"`
	FilePath string    `json:"file_path" db:"file_path"`
	FileHash *string   `json:"file_hash,omitempty" db:"file_hash"`
	Reason   *string   `json:"reason,omitempty" db:"reason"`
	MarkedBy *string   `json:"marked_by,omitempty" db:"marked_by"`
	MarkedAt time.Time `json:"marked_at" db:"marked_at"`
}

// RateLimitSample is one append-only observation of the upstream budget.
type RateLimitSample struct {
	ID        int64     `json:"id" db:"id"`
	APIType   string    `json:"api_type" db:"api_type"`
	Limit     int       `json:"limit_value" db:"limit_value"`
	Remaining int       `json:"remaining" db:"remaining"`
	ResetAt   time.Time `json:"reset_at" db:"reset_at"`
	CheckedAt time.Time `json:"checked_at" db:"checked_at"`
}

// ScanHistoryEntry records one terminal scan attempt.
type ScanHistoryEntry struct {
	ID                   int64     `json:"id" db:"id"`
	RepositoryID         int64     `json:"repository_id" db:"repository_id"`
	ScanQueueID          *int64    `json:"scan_queue_id,omitempty" db:"scan_queue_id"`
	Status               string    `json:"status" db:"status"`
	VulnerabilitiesFound int       `json:"vulnerabilities_found" db:"vulnerabilities_found"`
	DurationSeconds      int       `json:"duration_seconds" db:"duration_seconds"`
	ErrorMessage         *string   `json:"error_message,omitempty" db:"error_message"`
	StartedAt            time.Time `json:"started_at" db:"started_at"`
	CompletedAt          time.Time `json:"completed_at" db:"completed_at"`
}
