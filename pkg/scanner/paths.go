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
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// DefaultBranch is assumed when a path carries no branch component.
const DefaultBranch = "main"

// CleanFilePath strips the staging prefix from an analyzer path, keeping
// everything from the .github component onward. Paths without a .github
// component are returned unchanged.
func CleanFilePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == ".github" {
			return strings.Join(parts[i:], "/")
		}
	}
	return path
}

// ExtractBranchFromPath recovers the branch name from a staged workflow
// path, where the branch directory sits immediately before .github.
func ExtractBranchFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == ".github" && i > 0 {
			return parts[i-1]
		}
	}
	return DefaultBranch
}

// HashFile computes the hex SHA-256 of a file in 4KiB blocks. Unreadable
// files hash to the empty string so ingestion can continue.
func HashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// TruncateTitle caps a finding title at the column width of the findings
// table.
func TruncateTitle(message string) string {
	const maxTitleLength = 512
	if len(message) > maxTitleLength {
		return message[:maxTitleLength]
	}
	return message
}
