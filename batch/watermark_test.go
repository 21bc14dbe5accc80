// Copyright 2024-2025
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	"github.com/google/uuid"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/sigmasight/ss-api/batch"
	"github.com/sigmasight/ss-api/data/database"
)

var _ = Describe("Watermark service", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
	})

	AfterEach(func() {
		Expect(dbPool.ExpectationsWereMet()).To(BeNil())
	})

	Describe("SystemWatermark", func() {
		It("returns the most lagging portfolio's latest snapshot date", func() {
			laggard := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(latest\\) FROM").WillReturnRows(
				pgxmock.NewRows([]string{"min"}).AddRow(&laggard))
			dbPool.ExpectCommit()

			watermark, err := batch.SystemWatermark(ctx)
			Expect(err).To(BeNil())
			Expect(watermark).To(Equal(laggard))
		})

		It("sits the day before the earliest entry date on a cold system", func() {
			entry := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(latest\\) FROM").WillReturnRows(
				pgxmock.NewRows([]string{"min"}).AddRow((*time.Time)(nil)))
			dbPool.ExpectCommit()

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(entry_date\\) FROM positions").WillReturnRows(
				pgxmock.NewRows([]string{"min"}).AddRow(&entry))
			dbPool.ExpectCommit()

			watermark, err := batch.SystemWatermark(ctx)
			Expect(err).To(BeNil())
			Expect(watermark).To(Equal(entry.AddDate(0, 0, -1)))

			// the global batch starts the day after the watermark; on a cold
			// system that must be the entry date itself, not the day after it
			Expect(watermark.AddDate(0, 0, 1)).To(Equal(entry))
		})

		It("returns the zero time when there are no positions at all", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(latest\\) FROM").WillReturnRows(
				pgxmock.NewRows([]string{"min"}).AddRow((*time.Time)(nil)))
			dbPool.ExpectCommit()

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(entry_date\\) FROM positions").WillReturnRows(
				pgxmock.NewRows([]string{"min"}).AddRow((*time.Time)(nil)))
			dbPool.ExpectCommit()

			watermark, err := batch.SystemWatermark(ctx)
			Expect(err).To(BeNil())
			Expect(watermark.IsZero()).To(BeTrue())
		})
	})

	Describe("PortfoliosWithSnapshot", func() {
		It("returns the set of portfolios already processed for the date", func() {
			date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT portfolio_id FROM portfolio_snapshots").
				WithArgs(date).
				WillReturnRows(pgxmock.NewRows([]string{"portfolio_id"}).
					AddRow("11111111-1111-1111-1111-111111111111").
					AddRow("22222222-2222-2222-2222-222222222222"))
			dbPool.ExpectCommit()

			done, err := batch.PortfoliosWithSnapshot(ctx, date)
			Expect(err).To(BeNil())
			Expect(done).To(HaveLen(2))
			Expect(done["11111111-1111-1111-1111-111111111111"]).To(BeTrue())
			Expect(done["33333333-3333-3333-3333-333333333333"]).To(BeFalse())
		})

		It("returns an empty set when no snapshots exist for the date", func() {
			date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT portfolio_id FROM portfolio_snapshots").
				WithArgs(date).
				WillReturnRows(pgxmock.NewRows([]string{"portfolio_id"}))
			dbPool.ExpectCommit()

			done, err := batch.PortfoliosWithSnapshot(ctx, date)
			Expect(err).To(BeNil())
			Expect(done).To(BeEmpty())
		})
	})

	Describe("ActivePortfolios", func() {
		It("only returns portfolios holding positions", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT p.id, p.user_id, p.account_name, p.account_type, p.equity_balance").
				WillReturnRows(pgxmock.NewRows(
					[]string{"id", "user_id", "account_name", "account_type", "equity_balance"}).
					AddRow(uuid.MustParse("11111111-1111-1111-1111-111111111111"),
						uuid.MustParse("99999999-9999-9999-9999-999999999999"), "Growth", "margin", 25000.0))
			dbPool.ExpectCommit()

			portfolios, err := batch.ActivePortfolios(ctx)
			Expect(err).To(BeNil())
			Expect(portfolios).To(HaveLen(1))
			Expect(portfolios[0].AccountName).To(Equal("Growth"))
			Expect(portfolios[0].EquityBalance).To(Equal(25000.0))
		})
	})
})
