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
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var repositoryColumns = []string{
	"id", "url", "owner", "name", "scan_status", "scan_error",
	"has_actions", "first_scanned_at", "last_scanned_at", "created_at",
}

var _ = Describe("RepositoryStore", func() {
	var (
		db    *sqlx.DB
		mock  sqlmock.Sqlmock
		store *RepositoryStore
		ctx   context.Context
	)

	BeforeEach(func() {
		db, mock = newMockDB()
		store = NewRepositoryStore(db, testLogger())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		db.Close()
	})

	Describe("Upsert", func() {
		It("returns the stored row", func() {
			mock.ExpectQuery("INSERT INTO repositories").
				WithArgs("https://github.com/acme/tool", "acme", "tool", true).
				WillReturnRows(sqlmock.NewRows(repositoryColumns).
					AddRow(int64(10), "https://github.com/acme/tool", "acme", "tool",
						"never", nil, true, nil, nil, time.Now()))

			repo, err := store.Upsert(ctx, "https://github.com/acme/tool", "acme", "tool", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.ID).To(Equal(int64(10)))
			Expect(repo.ScanStatus).To(Equal("never"))
		})
	})

	Describe("GetByOwnerName", func() {
		It("returns ErrNotFound for an unknown repository", func() {
			mock.ExpectQuery("SELECT \\* FROM repositories").
				WithArgs("acme", "ghost").
				WillReturnRows(sqlmock.NewRows(repositoryColumns))

			_, err := store.GetByOwnerName(ctx, "acme", "ghost")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("scan status transitions", func() {
		It("marks the repository scanning", func() {
			mock.ExpectExec("UPDATE repositories").
				WithArgs(int64(10)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.SetScanning(ctx, 10)).To(Succeed())
		})

		It("records the failure reason", func() {
			mock.ExpectExec("UPDATE repositories").
				WithArgs(int64(10), "analyzer timed out").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.SetScanFailed(ctx, 10, "analyzer timed out")).To(Succeed())
		})

		It("returns ErrNotFound for a missing repository", func() {
			mock.ExpectExec("UPDATE repositories").
				WithArgs(int64(99)).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := store.SetScanCompleted(ctx, 99)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})
})
