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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
)

type fakeAllowList struct {
	safePaths map[string]bool
}

func (f *fakeAllowList) IsFileSafe(ctx context.Context, filePath, fileHash string) (bool, error) {
	return f.safePaths[filePath], nil
}

type fakeBranchSink struct {
	upserts []string
	nextID  int64
}

func (f *fakeBranchSink) Upsert(ctx context.Context, repositoryID int64, name string) (int64, error) {
	f.upserts = append(f.upserts, name)
	f.nextID++
	return f.nextID, nil
}

type fakeFindingSink struct {
	inserted []*models.Finding
	failOn   string
}

func (f *fakeFindingSink) Insert(ctx context.Context, finding *models.Finding) (int64, error) {
	if f.failOn != "" && finding.FilePath == f.failOn {
		return 0, fmt.Errorf("insert failed")
	}
	f.inserted = append(f.inserted, finding)
	return int64(len(f.inserted)), nil
}

type fakeRepoStore struct {
	repo         *models.Repository
	scanning     bool
	completed    bool
	failedReason string
}

func (f *fakeRepoStore) Upsert(ctx context.Context, url, owner, name string, hasActions bool) (*models.Repository, error) {
	return f.repo, nil
}

func (f *fakeRepoStore) SetScanning(ctx context.Context, id int64) error {
	f.scanning = true
	return nil
}

func (f *fakeRepoStore) SetScanCompleted(ctx context.Context, id int64) error {
	f.completed = true
	return nil
}

func (f *fakeRepoStore) SetScanFailed(ctx context.Context, id int64, scanErr string) error {
	f.failedReason = scanErr
	return nil
}

type terminalMark struct {
	status string
	errMsg *string
}

// fakeWorkerQueue mirrors the store's claim semantics: a processing entry
// accepts MarkProcessing only under its recorded job name.
type fakeWorkerQueue struct {
	entry      *models.QueueEntry
	processing map[int64]string
	terminal   map[int64]terminalMark
}

func newFakeWorkerQueue(entry *models.QueueEntry) *fakeWorkerQueue {
	return &fakeWorkerQueue{
		entry:      entry,
		processing: map[int64]string{},
		terminal:   map[int64]terminalMark{},
	}
}

func (f *fakeWorkerQueue) FindActiveEntry(ctx context.Context, repositoryID int64) (*models.QueueEntry, error) {
	if f.entry == nil {
		return nil, repository.ErrNotFound
	}
	return f.entry, nil
}

func (f *fakeWorkerQueue) MarkProcessing(ctx context.Context, queueID int64, jobName string) error {
	if f.entry != nil && f.entry.Status == models.QueueStatusProcessing &&
		f.entry.JobName != nil && *f.entry.JobName != jobName {
		return repository.ErrConflictingClaim
	}
	f.processing[queueID] = jobName
	return nil
}

func (f *fakeWorkerQueue) MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error {
	f.terminal[queueID] = terminalMark{status: status, errMsg: errMsg}
	return nil
}

type historyRecord struct {
	repositoryID int64
	queueID      *int64
	status       string
	found        int
	errMsg       *string
}

type fakeHistory struct {
	records []historyRecord
}

func (f *fakeHistory) Record(ctx context.Context, repositoryID int64, queueID *int64, status string, vulnerabilitiesFound, durationSeconds int, errMsg *string) error {
	f.records = append(f.records, historyRecord{
		repositoryID: repositoryID,
		queueID:      queueID,
		status:       status,
		found:        vulnerabilitiesFound,
		errMsg:       errMsg,
	})
	return nil
}

var _ = Describe("Worker Scan", func() {
	var (
		repos     *fakeRepoStore
		queue     *fakeWorkerQueue
		history   *fakeHistory
		worker    *Worker
		ctx       context.Context
		stageDirs map[string]string
	)

	dispatchedEntry := func() *models.QueueEntry {
		jobName := "scan-acme-tool-42"
		return &models.QueueEntry{
			ID:           42,
			RepositoryID: 10,
			Status:       models.QueueStatusProcessing,
			JobName:      &jobName,
		}
	}

	newWorker := func(entry *models.QueueEntry) *Worker {
		repos = &fakeRepoStore{repo: &models.Repository{
			ID:    10,
			Owner: "acme",
			Name:  "tool",
			URL:   "https://github.com/acme/tool",
		}}
		queue = newFakeWorkerQueue(entry)
		history = &fakeHistory{}

		w := New(Config{RepoURL: "https://github.com/acme/tool"}, Stores{
			Repos:     repos,
			Queue:     queue,
			Findings:  &fakeFindingSink{},
			Branches:  &fakeBranchSink{},
			SafeFiles: &fakeAllowList{safePaths: map[string]bool{}},
			History:   history,
		}, nil, zap.NewNop())

		stageDirs = map[string]string{}
		w.clone = func(ctx context.Context, repoURL, destDir string) error {
			stageDirs["clone"] = destDir
			return nil
		}
		w.download = func(ctx context.Context, owner, name, destDir string) error {
			stageDirs["download"] = destDir
			return nil
		}
		w.analyze = func(ctx context.Context, targetDir string) ([]RawFinding, error) {
			stageDirs["analyze"] = targetDir
			return []RawFinding{}, nil
		}
		return w
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("completes a dispatched scan under the dispatcher's job identity", func() {
		worker = newWorker(dispatchedEntry())

		Expect(worker.Scan(ctx)).To(BeTrue())

		Expect(queue.processing).To(HaveKeyWithValue(int64(42), "scan-acme-tool-42"))
		Expect(queue.terminal).To(HaveKey(int64(42)))
		Expect(queue.terminal[42].status).To(Equal(models.QueueStatusCompleted))
		Expect(repos.completed).To(BeTrue())

		Expect(history.records).To(HaveLen(1))
		Expect(history.records[0].queueID).NotTo(BeNil())
		Expect(*history.records[0].queueID).To(Equal(int64(42)))
		Expect(history.records[0].status).To(Equal(models.QueueStatusCompleted))
	})

	It("adopts a directly enqueued entry under the derived job identity", func() {
		entry := dispatchedEntry()
		entry.Status = models.QueueStatusQueued
		entry.JobName = nil
		worker = newWorker(entry)

		Expect(worker.Scan(ctx)).To(BeTrue())

		Expect(queue.processing).To(HaveKeyWithValue(int64(42), "scan-acme-tool-42"))
		Expect(queue.terminal[42].status).To(Equal(models.QueueStatusCompleted))
	})

	It("proceeds without queue bookkeeping when no entry exists", func() {
		worker = newWorker(nil)

		Expect(worker.Scan(ctx)).To(BeTrue())

		Expect(queue.processing).To(BeEmpty())
		Expect(queue.terminal).To(BeEmpty())
		Expect(history.records).To(HaveLen(1))
		Expect(history.records[0].queueID).To(BeNil())
	})

	It("fails terminally when the clone fails", func() {
		worker = newWorker(dispatchedEntry())
		worker.clone = func(ctx context.Context, repoURL, destDir string) error {
			return fmt.Errorf("failed to clone repository: not found")
		}

		Expect(worker.Scan(ctx)).To(BeFalse())

		Expect(stageDirs).NotTo(HaveKey("download"))
		Expect(stageDirs).NotTo(HaveKey("analyze"))
		Expect(queue.terminal[42].status).To(Equal(models.QueueStatusFailed))
		Expect(repos.failedReason).To(ContainSubstring("clone"))
		Expect(history.records[0].status).To(Equal(models.QueueStatusFailed))
	})

	It("fails terminally when the workflow download fails", func() {
		worker = newWorker(dispatchedEntry())
		worker.download = func(ctx context.Context, owner, name, destDir string) error {
			return fmt.Errorf("failed to download workflows: empty tree")
		}

		Expect(worker.Scan(ctx)).To(BeFalse())

		Expect(stageDirs).To(HaveKey("clone"))
		Expect(stageDirs).NotTo(HaveKey("analyze"))
		Expect(queue.terminal[42].status).To(Equal(models.QueueStatusFailed))
		Expect(repos.failedReason).To(ContainSubstring("download"))
	})

	It("analyzes the download tree, never the clone", func() {
		worker = newWorker(dispatchedEntry())

		Expect(worker.Scan(ctx)).To(BeTrue())

		Expect(stageDirs["analyze"]).To(Equal(stageDirs["download"]))
		Expect(stageDirs["analyze"]).NotTo(Equal(stageDirs["clone"]))
	})

	It("leaves an entry owned by a different job untouched", func() {
		entry := dispatchedEntry()
		other := "scan-acme-tool-41"
		entry.JobName = &other
		worker = newWorker(entry)

		Expect(worker.Scan(ctx)).To(BeTrue())

		Expect(queue.processing).To(BeEmpty())
		Expect(queue.terminal).To(BeEmpty())
		Expect(history.records[0].queueID).To(BeNil())
	})
})

var _ = Describe("Worker runAnalyzer", func() {
	var (
		worker *Worker
		ctx    context.Context
	)

	BeforeEach(func() {
		worker = New(Config{RepoURL: "https://github.com/acme/tool"}, Stores{}, nil, zap.NewNop())
		ctx = context.Background()
	})

	It("treats a non-zero exit with no output as zero findings", func() {
		worker.analyzerBin = "false"

		findings, err := worker.runAnalyzer(ctx, GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		Expect(findings).To(BeEmpty())
	})

	It("treats unparseable output as zero findings", func() {
		worker.analyzerBin = "echo"

		findings, err := worker.runAnalyzer(ctx, GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		Expect(findings).To(BeEmpty())
	})

	It("fails the scan when the analyzer cannot be executed", func() {
		worker.analyzerBin = "/nonexistent/analyzer"

		_, err := worker.runAnalyzer(ctx, GinkgoT().TempDir())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Worker ingest", func() {
	var (
		worker    *Worker
		allowList *fakeAllowList
		branches  *fakeBranchSink
		findings  *fakeFindingSink
		ctx       context.Context
	)

	BeforeEach(func() {
		allowList = &fakeAllowList{safePaths: map[string]bool{}}
		branches = &fakeBranchSink{}
		findings = &fakeFindingSink{}
		worker = New(Config{RepoURL: "https://github.com/acme/tool"}, Stores{
			SafeFiles: allowList,
			Branches:  branches,
			Findings:  findings,
		}, nil, zap.NewNop())
		ctx = context.Background()
	})

	It("persists a finding with derived severity and recommendation", func() {
		raw := []RawFinding{{
			Message:  "Untrusted input flows into run step",
			FilePath: "acme/tool/main/.github/workflows/ci.yml",
			Line:     14,
			Kind:     "expression-injection",
			Snippet:  "run: echo ${{ github.event.issue.title }}",
		}}

		stored := worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		Expect(stored).To(Equal(1))
		Expect(findings.inserted).To(HaveLen(1))

		f := findings.inserted[0]
		Expect(f.FilePath).To(Equal(".github/workflows/ci.yml"))
		Expect(f.Severity).To(Equal(SeverityCritical))
		Expect(f.Recommendation).To(ContainSubstring("Sanitize untrusted input"))
		Expect(*f.LineNumber).To(Equal(14))
		Expect(*f.CodeSnippet).To(ContainSubstring("github.event.issue.title"))
		Expect(branches.upserts).To(Equal([]string{"main"}))
	})

	It("suppresses findings on allow-listed files", func() {
		allowList.safePaths[".github/workflows/vendor.yml"] = true

		raw := []RawFinding{
			{Message: "a", FilePath: "acme/tool/main/.github/workflows/vendor.yml", Kind: "credentials"},
			{Message: "b", FilePath: "acme/tool/main/.github/workflows/ci.yml", Kind: "credentials"},
		}

		stored := worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		Expect(stored).To(Equal(1))
		Expect(findings.inserted).To(HaveLen(1))
		Expect(findings.inserted[0].FilePath).To(Equal(".github/workflows/ci.yml"))
	})

	It("reuses the branch row across findings on the same branch", func() {
		raw := []RawFinding{
			{Message: "a", FilePath: "acme/tool/main/.github/workflows/ci.yml", Kind: "credentials"},
			{Message: "b", FilePath: "acme/tool/main/.github/workflows/release.yml", Kind: "bot-check"},
		}

		worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		Expect(branches.upserts).To(Equal([]string{"main"}))
	})

	It("keeps the batch alive when one insert fails", func() {
		findings.failOn = ".github/workflows/broken.yml"

		raw := []RawFinding{
			{Message: "a", FilePath: "acme/tool/main/.github/workflows/broken.yml", Kind: "credentials"},
			{Message: "b", FilePath: "acme/tool/main/.github/workflows/ci.yml", Kind: "credentials"},
		}

		stored := worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		Expect(stored).To(Equal(1))
		Expect(findings.inserted).To(HaveLen(1))
	})

	It("hashes an absolute analyzer path without joining the staging root", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "main", ".github", "workflows")
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())

		path := filepath.Join(dir, "ci.yml")
		content := []byte("name: CI\non: push\n")
		Expect(os.WriteFile(path, content, 0o644)).To(Succeed())

		raw := []RawFinding{{
			Message:  "a",
			FilePath: path,
			Kind:     "credentials",
		}}

		worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		sum := sha256.Sum256(content)
		Expect(findings.inserted).To(HaveLen(1))
		Expect(findings.inserted[0].FileHash).To(Equal(hex.EncodeToString(sum[:])))
		Expect(findings.inserted[0].FilePath).To(Equal(".github/workflows/ci.yml"))
	})

	It("truncates oversized titles but keeps the full description", func() {
		long := make([]byte, 600)
		for i := range long {
			long[i] = 'x'
		}

		raw := []RawFinding{{
			Message:  string(long),
			FilePath: "acme/tool/main/.github/workflows/ci.yml",
			Kind:     "dangerous-write",
		}}

		worker.ingest(ctx, zap.NewNop(), 10, "/tmp/staging", raw)

		Expect(findings.inserted[0].Title).To(HaveLen(512))
		Expect(findings.inserted[0].Description).To(HaveLen(600))
	})
})
