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

// Package repository implements the transactional store operations over the
// scanner schema. Every exported operation is a single atomic unit; the
// invariants that span rows (one live queue entry per repository, safe-file
// suppression) are enforced by the statements themselves, not by callers.
package repository

import "errors"

var (
	// ErrAlreadyQueued is returned by Enqueue when the repository already
	// has an entry in {queued, processing}.
	ErrAlreadyQueued = errors.New("repository already has an active queue entry")

	// ErrConflictingClaim is returned by MarkProcessing when the entry is
	// neither queued nor already processing under the same job name.
	ErrConflictingClaim = errors.New("queue entry claimed by a different job")

	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")
)
