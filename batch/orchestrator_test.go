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
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"
	"github.com/spf13/viper"

	"github.com/sigmasight/ss-api/batch"
	"github.com/sigmasight/ss-api/data/database"
)

// a single-scenario library keeps the per-run scenario sync to one statement
const scenarioFixture = `[{"id":"market_down_10","name":"Market -10%","category":"hypothetical",
"shocks":{"Market":-0.10},"spread_response":true,"active":true}]`

const yahooNoData = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`

var _ = Describe("Batch orchestrator", func() {
	var (
		ctx          context.Context
		dbPool       pgxmock.PgxConnIface
		tracker      *batch.Tracker
		orchestrator *batch.Orchestrator
		scenarioFile string
		monday       time.Time
	)

	BeforeEach(func() {
		httpmock.Activate()
		httpmock.RegisterResponder("GET", "https://query1.finance.yahoo.com/v8/finance/chart/AAPL",
			httpmock.NewStringResponder(http.StatusOK, yahooNoData))
		httpmock.RegisterResponder("GET", "https://query1.finance.yahoo.com/v8/finance/chart/SPY",
			httpmock.NewStringResponder(http.StatusOK, yahooNoData))

		fh, err := os.CreateTemp("", "scenarios*.json")
		Expect(err).To(BeNil())
		scenarioFile = fh.Name()
		_, err = fh.WriteString(scenarioFixture)
		Expect(err).To(BeNil())
		Expect(fh.Close()).To(BeNil())

		viper.Set("providers.priority", []string{"yahoo"})
		viper.Set("factors.etfs", []string{"SPY"})
		viper.Set("stress.scenario_file", scenarioFile)

		ctx = context.Background()
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)

		tracker = batch.NewTracker()
		orchestrator, err = batch.New(tracker)
		Expect(err).To(BeNil())

		monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
		viper.Reset()
		Expect(os.Remove(scenarioFile)).To(BeNil())
		Expect(dbPool.ExpectationsWereMet()).To(BeNil())
	})

	expectRunCreated := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectExec("INSERT INTO batch_run_history").
			WithArgs(pgxmock.AnyArg(), batch.StatusRunning, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
		dbPool.ExpectCommit()
	}

	expectLockAcquired := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT pg_try_advisory_xact_lock").
			WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	}

	// the advisory lock transaction commits when run() returns
	expectLockReleased := func() {
		dbPool.ExpectCommit()
	}

	expectRunFinished := func(status string, total, successful, failed int, summary string) {
		dbPool.ExpectBegin()
		dbPool.ExpectExec("UPDATE batch_run_history").
			WithArgs(pgxmock.AnyArg(), status, pgxmock.AnyArg(), total, successful, failed, summary).
			WillReturnResult(pgconn.CommandTag("UPDATE 1"))
		dbPool.ExpectCommit()
	}

	// phases shared by every run that reaches the pipeline: factor load,
	// scenario sync, universe resolution and an empty ingestion
	expectSharedPhases := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT id, name, etf_symbol, active FROM factor_definitions").
			WillReturnRows(pgxmock.NewRows([]string{"id", "name", "etf_symbol", "active"}).
				AddRow(1, "Market", "SPY", true))
		dbPool.ExpectCommit()

		dbPool.ExpectBegin()
		dbPool.ExpectExec("INSERT INTO stress_test_scenarios").
			WithArgs("market_down_10", "Market -10%", "hypothetical", pgxmock.AnyArg(), true, true).
			WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
		dbPool.ExpectCommit()

		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT DISTINCT COALESCE\\(underlying_symbol, symbol\\) FROM positions").
			WillReturnRows(pgxmock.NewRows([]string{"symbol"}).AddRow("AAPL"))
		dbPool.ExpectCommit()
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT DISTINCT symbol FROM market_data_cache").
			WillReturnRows(pgxmock.NewRows([]string{"symbol"}))
		dbPool.ExpectCommit()

		dbPool.ExpectBegin()
		for _, symbol := range []string{"AAPL", "SPY"} {
			dbPool.ExpectExec("INSERT INTO symbol_universe").
				WithArgs(symbol, pgxmock.AnyArg()).
				WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
		}
		dbPool.ExpectCommit()

		// no provider satisfied any symbol, so the close history is empty
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT symbol, event_date, adj_close FROM market_data_cache").
			WillReturnRows(pgxmock.NewRows([]string{"symbol", "event_date", "adj_close"}))
		dbPool.ExpectCommit()
	}

	expectActivePortfolios := func(entry time.Time, ids ...uuid.UUID) {
		rows := pgxmock.NewRows([]string{"id", "user_id", "account_name", "account_type", "equity_balance"})
		for _, id := range ids {
			rows.AddRow(id, uuid.MustParse("99999999-9999-9999-9999-999999999999"), "Growth", "margin", 25000.0)
		}
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT p.id, p.user_id, p.account_name, p.account_type, p.equity_balance").
			WillReturnRows(rows)
		dbPool.ExpectCommit()

		for _, id := range ids {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT MIN\\(entry_date\\) FROM positions").
				WithArgs(id).
				WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(&entry))
			dbPool.ExpectCommit()
		}
	}

	It("returns a pollable run id before the detached run makes progress", func() {
		portfolioID := uuid.MustParse("11111111-1111-1111-1111-111111111111")

		expectRunCreated()
		// the detached goroutine finds no positions and completes cleanly
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT MIN\\(entry_date\\) FROM positions").
			WithArgs(portfolioID).
			WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow((*time.Time)(nil)))
		dbPool.ExpectCommit()
		expectRunFinished(batch.StatusCompleted, 0, 0, 0, "")

		runID, err := orchestrator.StartPortfolioOnboardingBackfill(ctx, portfolioID, batch.SourceSettings)
		Expect(err).To(BeNil())
		Expect(runID).NotTo(Equal(uuid.Nil))

		// pollable immediately, even if the goroutine has not been scheduled
		_, ok := tracker.Get(runID)
		Expect(ok).To(BeTrue())

		Eventually(func() string {
			run, _ := tracker.Get(runID)
			return run.Status
		}).Should(Equal(batch.StatusCompleted))

		orchestrator.Shutdown()
	})

	It("records a terminal failed status when a phase errors", func() {
		expectRunCreated()
		expectLockAcquired()
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT id, name, etf_symbol, active FROM factor_definitions").
			WillReturnError(errors.New("factor definitions unavailable"))
		dbPool.ExpectRollback()
		expectLockReleased()
		expectRunFinished(batch.StatusFailed, 0, 0, 0, "factor definitions unavailable")

		runID, err := orchestrator.RunDailyBatchWithBackfill(ctx, batch.Options{
			Source:      batch.SourceAdmin,
			TriggeredBy: "admin",
			Start:       monday,
			End:         monday,
		})
		Expect(err).To(MatchError("factor definitions unavailable"))
		Expect(runID).NotTo(Equal(uuid.Nil))

		run, ok := tracker.Get(runID)
		Expect(ok).To(BeTrue())
		Expect(run.Status).To(Equal(batch.StatusFailed))
	})

	It("skips portfolios already holding a snapshot for the date", func() {
		portfolioID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
		entry := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

		expectRunCreated()
		expectLockAcquired()
		expectSharedPhases()
		expectActivePortfolios(entry, portfolioID)

		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT portfolio_id FROM portfolio_snapshots").
			WithArgs(monday).
			WillReturnRows(pgxmock.NewRows([]string{"portfolio_id"}).AddRow(portfolioID.String()))
		dbPool.ExpectCommit()

		expectLockReleased()
		expectRunFinished(batch.StatusCompleted, 0, 0, 0, "")

		runID, err := orchestrator.RunDailyBatchWithBackfill(ctx, batch.Options{
			Source:      batch.SourceCron,
			TriggeredBy: "scheduler",
			Start:       monday,
			End:         monday,
		})
		Expect(err).To(BeNil())

		run, ok := tracker.Get(runID)
		Expect(ok).To(BeTrue())
		Expect(run.Status).To(Equal(batch.StatusCompleted))
		Expect(run.TotalJobs).To(BeZero())
	})

	It("isolates portfolio failures and reports them in the exit error", func() {
		first := uuid.MustParse("11111111-1111-1111-1111-111111111111")
		second := uuid.MustParse("22222222-2222-2222-2222-222222222222")
		entry := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

		expectRunCreated()
		expectLockAcquired()
		expectSharedPhases()
		expectActivePortfolios(entry, first, second)

		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT portfolio_id FROM portfolio_snapshots").
			WithArgs(monday).
			WillReturnRows(pgxmock.NewRows([]string{"portfolio_id"}))
		dbPool.ExpectCommit()

		// no symbol had enough history, so no exposure rows are written
		dbPool.ExpectBegin()
		dbPool.ExpectCommit()

		// both portfolios fail at position load; the second is still attempted
		for _, id := range []uuid.UUID{first, second} {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT id, portfolio_id, symbol, quantity").
				WithArgs(id).
				WillReturnError(errors.New("positions unavailable"))
			dbPool.ExpectRollback()
		}

		expectLockReleased()
		expectRunFinished(batch.StatusFailed, 2, 0, 2, batch.ErrPortfolioFailed.Error())

		runID, err := orchestrator.RunDailyBatchWithBackfill(ctx, batch.Options{
			Source:      batch.SourceCron,
			TriggeredBy: "scheduler",
			Start:       monday,
			End:         monday,
		})
		Expect(err).To(MatchError(batch.ErrPortfolioFailed))

		run, ok := tracker.Get(runID)
		Expect(ok).To(BeTrue())
		Expect(run.Status).To(Equal(batch.StatusFailed))
		Expect(run.TotalJobs).To(Equal(2))
		Expect(run.Failed).To(Equal(2))
		Expect(run.Successful).To(BeZero())
	})
})
