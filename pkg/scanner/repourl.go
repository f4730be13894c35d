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

// Package scanner implements the in-cluster scan job: clone or download
// the repository's workflow files, run the analyzer over them, and ingest
// the findings through the safe-file allow-list.
package scanner

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidRepoURL is returned when a repository URL cannot be reduced to
// an owner/name pair.
var ErrInvalidRepoURL = errors.New("invalid repository URL")

// Ordered: the general pattern first, then the scp-ish .git form it
// misses. The first match wins.
var repoURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`github\.com[:/]([^/]+)/([^/\.]+)`),
	regexp.MustCompile(`github\.com/([^/]+)/([^/]+)\.git`),
}

// ParseRepoURL extracts the owner and repository name from any of the
// common GitHub URL shapes (https, ssh, with or without a .git suffix).
func ParseRepoURL(rawURL string) (owner, name string, err error) {
	for _, pattern := range repoURLPatterns {
		if m := pattern.FindStringSubmatch(rawURL); m != nil {
			return m[1], m[2], nil
		}
	}
	return "", "", ErrInvalidRepoURL
}

// AuthenticatedCloneURL injects the token into an https clone URL so git
// can fetch private or rate-limited repositories. Non-https URLs and an
// empty token pass through unchanged.
func AuthenticatedCloneURL(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	return strings.Replace(rawURL, "https://github.com/", "https://"+token+"@github.com/", 1)
}
