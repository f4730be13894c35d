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

package repository

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/actionscan/pkg/datastorage/models"
)

var queueEntryColumns = []string{
	"id", "repository_id", "priority", "status", "attempts", "max_attempts",
	"error_message", "job_name", "queued_at", "started_at", "completed_at",
}

var _ = Describe("QueueStore", func() {
	var (
		db    *sqlx.DB
		mock  sqlmock.Sqlmock
		store *QueueStore
		ctx   context.Context
	)

	BeforeEach(func() {
		db, mock = newMockDB()
		store = NewQueueStore(db, testLogger())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		db.Close()
	})

	Describe("Enqueue", func() {
		It("returns the new entry id", func() {
			mock.ExpectQuery("INSERT INTO scan_queue").
				WithArgs(int64(7), 10).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

			id, err := store.Enqueue(ctx, 7, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(42)))
		})

		It("maps a unique violation to ErrAlreadyQueued", func() {
			mock.ExpectQuery("INSERT INTO scan_queue").
				WithArgs(int64(7), 10).
				WillReturnError(&pgconn.PgError{Code: "23505"})

			_, err := store.Enqueue(ctx, 7, 10)
			Expect(err).To(MatchError(ErrAlreadyQueued))
		})
	})

	Describe("ClaimQueued", func() {
		It("returns entries in dispatch order with repository fields", func() {
			rows := sqlmock.NewRows([]string{"queue_id", "repository_id", "url", "owner", "name"}).
				AddRow(int64(1), int64(10), "https://github.com/acme/tool", "acme", "tool").
				AddRow(int64(2), int64(11), "https://github.com/acme/lib", "acme", "lib")

			mock.ExpectQuery("SELECT sq.id AS queue_id").
				WithArgs(5).
				WillReturnRows(rows)

			entries, err := store.ClaimQueued(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].QueueID).To(Equal(int64(1)))
			Expect(entries[0].Owner).To(Equal("acme"))
			Expect(entries[1].Name).To(Equal("lib"))
		})
	})

	Describe("MarkProcessing", func() {
		It("claims a queued entry", func() {
			mock.ExpectExec("UPDATE scan_queue").
				WithArgs(int64(1), "scan-acme-tool-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.MarkProcessing(ctx, 1, "scan-acme-tool-1")).To(Succeed())
		})

		It("returns ErrConflictingClaim when another job owns the entry", func() {
			mock.ExpectExec("UPDATE scan_queue").
				WithArgs(int64(1), "scan-acme-tool-1").
				WillReturnResult(sqlmock.NewResult(0, 0))

			mock.ExpectQuery("SELECT \\* FROM scan_queue WHERE id").
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows(queueEntryColumns).
					AddRow(int64(1), int64(10), 10, "processing", 0, 3,
						nil, "scan-acme-tool-other", time.Now(), time.Now(), nil))

			err := store.MarkProcessing(ctx, 1, "scan-acme-tool-1")
			Expect(err).To(MatchError(ErrConflictingClaim))
		})
	})

	Describe("MarkTerminal", func() {
		It("rejects a non-terminal status", func() {
			err := store.MarkTerminal(ctx, 1, models.QueueStatusProcessing, nil)
			Expect(err).To(HaveOccurred())
		})

		It("stamps a completed entry", func() {
			mock.ExpectExec("UPDATE scan_queue").
				WithArgs(int64(1), nil).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.MarkTerminal(ctx, 1, models.QueueStatusCompleted, nil)).To(Succeed())
		})

		It("consumes an attempt on failure", func() {
			msg := "clone failed"
			mock.ExpectExec("UPDATE scan_queue").
				WithArgs(int64(1), "clone failed").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.MarkTerminal(ctx, 1, models.QueueStatusFailed, &msg)).To(Succeed())
		})

		It("returns ErrNotFound for a missing entry", func() {
			mock.ExpectExec("UPDATE scan_queue").
				WithArgs(int64(99), nil).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := store.MarkTerminal(ctx, 99, models.QueueStatusCompleted, nil)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("HasActiveEntry", func() {
		It("reports a live entry", func() {
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(int64(10)).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			active, err := store.HasActiveEntry(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeTrue())
		})
	})

	Describe("FindActiveEntry", func() {
		It("returns ErrNotFound when the repository has no live entry", func() {
			mock.ExpectQuery("SELECT \\* FROM scan_queue").
				WithArgs(int64(10)).
				WillReturnRows(sqlmock.NewRows(queueEntryColumns))

			_, err := store.FindActiveEntry(ctx, 10)
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("prefers the processing entry", func() {
			mock.ExpectQuery("SELECT \\* FROM scan_queue").
				WithArgs(int64(10)).
				WillReturnRows(sqlmock.NewRows(queueEntryColumns).
					AddRow(int64(3), int64(10), 10, "processing", 0, 3,
						nil, "scan-acme-tool-3", time.Now(), time.Now(), nil))

			entry, err := store.FindActiveEntry(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Status).To(Equal(models.QueueStatusProcessing))
		})
	})
})
