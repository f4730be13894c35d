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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	cloneTimeout    = 300 * time.Second
	downloadTimeout = 600 * time.Second
	analyzeTimeout  = 600 * time.Second

	octoscanBinary = "octoscan"
)

// RawFinding is one analyzer result as emitted on stdout.
type RawFinding struct {
	Message   string `json:"message"`
	FilePath  string `json:"filepath"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Kind      string `json:"kind"`
	Snippet   string `json:"snippet"`
	EndColumn int    `json:"end_column"`
}

// cloneRepository shallow-clones the repository into destDir. The token is
// injected into the URL so private repositories resolve; the URL is never
// logged with the token in it.
func (w *Worker) cloneRepository(ctx context.Context, repoURL, destDir string) error {
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	cloneURL := AuthenticatedCloneURL(repoURL, w.cfg.GitHubToken)

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cloneURL, destDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		w.logger.Error("git clone failed",
			zap.String("url", repoURL),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

// downloadWorkflows pulls the default-branch workflow files for the
// repository into destDir. The downloader exits non-zero on partially
// missing branches; a non-empty output tree rescues that case.
func (w *Worker) downloadWorkflows(ctx context.Context, owner, name, destDir string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	args := []string{
		"dl",
		"--org", owner,
		"--repo", name,
		"--default-branch",
		"--output-dir", destDir,
	}
	if w.cfg.GitHubToken != "" {
		args = append(args, "--token", w.cfg.GitHubToken)
	}

	cmd := exec.CommandContext(ctx, w.analyzerBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if hasFiles(destDir) {
			w.logger.Warn("workflow download exited non-zero but produced files, continuing",
				zap.String("repository", owner+"/"+name),
				zap.String("stderr", stderr.String()))
			return nil
		}
		w.logger.Error("workflow download failed",
			zap.String("repository", owner+"/"+name),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return fmt.Errorf("failed to download workflows: %w", err)
	}

	return nil
}

// runAnalyzer executes the analyzer over targetDir and decodes its JSON
// output. Unparseable output yields an empty result set rather than a
// failed scan; a failed or timed-out execution is a hard failure.
func (w *Worker) runAnalyzer(ctx context.Context, targetDir string) ([]RawFinding, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.analyzerBin,
		"scan", targetDir,
		"--format", "json",
		"--disable-rules", "shellcheck,local-action",
		"--filter-run",
		"--filter-triggers", "external",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("analyzer timed out after %s", analyzeTimeout)
	}
	if err != nil {
		// The analyzer exits non-zero when it has findings, or with
		// nothing on stdout when it found none it could report. Only a
		// process that could not run at all fails the scan.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			w.logger.Error("analyzer execution failed",
				zap.String("stderr", stderr.String()),
				zap.Error(err))
			return nil, fmt.Errorf("failed to run analyzer: %w", err)
		}
	}

	var findings []RawFinding
	if jerr := json.Unmarshal(stdout.Bytes(), &findings); jerr != nil {
		w.logger.Warn("could not parse analyzer output, treating as no findings",
			zap.Error(jerr))
		return []RawFinding{}, nil
	}

	return findings, nil
}

// hasFiles reports whether dir contains at least one regular file.
func hasFiles(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// stagingDir creates a fresh directory, clearing any leftover from a
// previous attempt in the same pod.
func stagingDir(path string) (string, error) {
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to clear staging dir %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir %s: %w", path, err)
	}
	return path, nil
}
