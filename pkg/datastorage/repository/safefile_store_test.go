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

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SafeFileStore", func() {
	var (
		db    *sqlx.DB
		mock  sqlmock.Sqlmock
		store *SafeFileStore
		ctx   context.Context
	)

	BeforeEach(func() {
		db, mock = newMockDB()
		store = NewSafeFileStore(db, testLogger())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		db.Close()
	})

	Describe("IsFileSafe", func() {
		It("matches an exact hash", func() {
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(".github/workflows/ci.yml", "abc123").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			safe, err := store.IsFileSafe(ctx, ".github/workflows/ci.yml", "abc123")
			Expect(err).NotTo(HaveOccurred())
			Expect(safe).To(BeTrue())
		})

		It("reports unsafe for an unknown file", func() {
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(".github/workflows/release.yml", "def456").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

			safe, err := store.IsFileSafe(ctx, ".github/workflows/release.yml", "def456")
			Expect(err).NotTo(HaveOccurred())
			Expect(safe).To(BeFalse())
		})
	})

	Describe("Delete", func() {
		It("returns ErrNotFound for a missing entry", func() {
			mock.ExpectExec("DELETE FROM safe_files").
				WithArgs(int64(99)).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := store.Delete(ctx, 99)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})
})
