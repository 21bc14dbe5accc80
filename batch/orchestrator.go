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

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/calc"
	"github.com/sigmasight/ss-api/common"
	"github.com/sigmasight/ss-api/data"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/observability/opentelemetry"
	"github.com/sigmasight/ss-api/portfolio"
	"github.com/sigmasight/ss-api/tradecal"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

var (
	ErrBatchAlreadyRunning = errors.New("another batch run holds the advisory lock")
	ErrPortfolioFailed     = errors.New("at least one portfolio failed during calculation phases")
)

// Options configures a global batch run. Zero Start/End derive the range from
// the system watermark and today. Force reprocesses dates that already have
// snapshots.
type Options struct {
	Start        time.Time
	End          time.Time
	PortfolioIDs []uuid.UUID
	Source       string
	TriggeredBy  string
	Force        bool
}

// Orchestrator composes the provider chain, cache, universe resolver,
// calendar, engines and watermark service into phased runs
type Orchestrator struct {
	chain    *data.Chain
	cache    *data.Cache
	profiles *data.ProfileFetcher
	tracker  *Tracker

	// lifetime of detached runs; Shutdown cancels and joins them
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(tracker *Tracker) (*Orchestrator, error) {
	chain, err := data.NewProviderChain()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		chain:    chain,
		cache:    data.NewCache(),
		profiles: data.NewProfileFetcher(),
		tracker:  tracker,
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Shutdown cancels every detached run and blocks until their terminal
// history writes complete
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// newRun persists the history record before any batch work starts, so the
// returned id is pollable the moment the caller sees it
func (o *Orchestrator) newRun(ctx context.Context, opts Options) (*HistoryRecord, error) {
	record := &HistoryRecord{
		ID:          uuid.New(),
		Status:      StatusRunning,
		TriggeredBy: opts.TriggeredBy,
		Source:      opts.Source,
		StartedAt:   time.Now().UTC(),
	}
	if err := CreateHistory(ctx, record); err != nil {
		return nil, err
	}
	if o.tracker != nil {
		o.tracker.Start(record.ID, opts.Source)
	}
	return record, nil
}

// finish moves the record to a terminal state. It must be the deferred
// function itself so recover observes a panicking run; the panic is re-raised
// after the terminal write.
func (o *Orchestrator) finish(record *HistoryRecord, runErr *error) {
	panicked := recover()
	if panicked != nil {
		record.Status = StatusFailed
		record.ErrorSummary = fmt.Sprintf("panic: %v", panicked)
	} else {
		switch {
		case *runErr == nil:
			record.Status = StatusCompleted
		case errors.Is(*runErr, context.Canceled) || errors.Is(*runErr, context.DeadlineExceeded):
			record.Status = StatusCancelled
			record.ErrorSummary = "cancelled"
		default:
			record.Status = StatusFailed
			record.ErrorSummary = (*runErr).Error()
		}
	}

	// a fresh context so a cancelled run still records its outcome
	if err := FinishHistory(context.Background(), record); err != nil {
		log.Error().Stack().Err(err).Str("BatchRunID", record.ID.String()).
			Msg("could not write terminal batch status")
	}
	if o.tracker != nil {
		o.tracker.Update(record.ID, func(run *TrackedRun) {
			run.Status = record.Status
			run.TotalJobs = record.TotalJobs
			run.Successful = record.Successful
			run.Failed = record.Failed
		})
	}
	if panicked != nil {
		panic(panicked)
	}
}

// RunDailyBatchWithBackfill is the global mode: the date range starts the
// trading day after the system watermark and ends today, and every active
// portfolio lacking a snapshot for a date is processed at that date.
func (o *Orchestrator) RunDailyBatchWithBackfill(ctx context.Context, opts Options) (uuid.UUID, error) {
	record, err := o.newRun(ctx, opts)
	if err != nil {
		return uuid.Nil, err
	}
	return record.ID, o.runDaily(ctx, opts, record)
}

// StartDailyBatchWithBackfill launches the global run detached from the
// caller's context and returns once the run id is pollable. A client
// disconnect does not cancel the run; Shutdown does.
func (o *Orchestrator) StartDailyBatchWithBackfill(ctx context.Context, opts Options) (uuid.UUID, error) {
	record, err := o.newRun(ctx, opts)
	if err != nil {
		return uuid.Nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.runDaily(o.baseCtx, opts, record); err != nil {
			log.Error().Stack().Err(err).Str("BatchRunID", record.ID.String()).Msg("detached batch run failed")
		}
	}()
	return record.ID, nil
}

func (o *Orchestrator) runDaily(ctx context.Context, opts Options, record *HistoryRecord) (runErr error) {
	defer o.finish(record, &runErr)

	begin := opts.Start
	if begin.IsZero() {
		watermark, err := SystemWatermark(ctx)
		if err != nil {
			return err
		}
		if watermark.IsZero() {
			log.Info().Msg("no snapshots and no positions; nothing to process")
			return nil
		}
		begin = watermark.AddDate(0, 0, 1)
	}

	end := opts.End
	if end.IsZero() {
		end = common.MidnightUTC(time.Now().UTC())
	}

	return o.run(ctx, data.Scope{}, begin, end, opts, record)
}

// RunPortfolioOnboardingBackfill is the scoped mode: a single portfolio is
// backfilled from its earliest entry date through today, independent of the
// global watermark. The universe resolver is scoped so runtime stays
// proportional to the portfolio, not the cached universe.
func (o *Orchestrator) RunPortfolioOnboardingBackfill(ctx context.Context, portfolioID uuid.UUID, source string) (uuid.UUID, error) {
	record, err := o.newRun(ctx, onboardingOptions(portfolioID, source))
	if err != nil {
		return uuid.Nil, err
	}
	return record.ID, o.runOnboarding(ctx, portfolioID, source, record)
}

// StartPortfolioOnboardingBackfill is the detached form of the scoped mode,
// used by the HTTP surface
func (o *Orchestrator) StartPortfolioOnboardingBackfill(ctx context.Context, portfolioID uuid.UUID, source string) (uuid.UUID, error) {
	record, err := o.newRun(ctx, onboardingOptions(portfolioID, source))
	if err != nil {
		return uuid.Nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.runOnboarding(o.baseCtx, portfolioID, source, record); err != nil {
			log.Error().Stack().Err(err).Str("BatchRunID", record.ID.String()).
				Str("PortfolioID", portfolioID.String()).Msg("detached backfill run failed")
		}
	}()
	return record.ID, nil
}

func onboardingOptions(portfolioID uuid.UUID, source string) Options {
	return Options{
		PortfolioIDs: []uuid.UUID{portfolioID},
		Source:       source,
		TriggeredBy:  source,
	}
}

func (o *Orchestrator) runOnboarding(ctx context.Context, portfolioID uuid.UUID, source string, record *HistoryRecord) (runErr error) {
	defer o.finish(record, &runErr)

	begin, err := portfolio.EarliestEntryDate(ctx, &portfolioID)
	if err != nil {
		return err
	}
	if begin.IsZero() {
		log.Info().Str("PortfolioID", portfolioID.String()).Msg("portfolio has no positions; nothing to backfill")
		return nil
	}

	scope := data.Scope{PortfolioID: portfolioID.String()}
	return o.run(ctx, scope, begin, common.MidnightUTC(time.Now().UTC()), onboardingOptions(portfolioID, source), record)
}

// run executes the phased pipeline against an already-persisted history
// record; the caller's deferred terminal handler closes the record on every
// exit path. The advisory lock serialises concurrent invocations.
func (o *Orchestrator) run(ctx context.Context, scope data.Scope, begin, end time.Time, opts Options, record *HistoryRecord) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "batch.run")
	defer span.End()

	lockTx, err := database.AcquireBatchLock(ctx)
	if err != nil {
		if err == database.ErrLockNotAcquired {
			return ErrBatchAlreadyRunning
		}
		return err
	}
	defer func() {
		// releases the advisory xact lock
		if err := lockTx.Commit(context.Background()); err != nil {
			log.Error().Stack().Err(err).Msg("could not release batch advisory lock")
		}
	}()

	subLog := log.With().Str("BatchRunID", record.ID.String()).Str("Source", opts.Source).Logger()

	dates := tradecal.TradingDays(common.MidnightUTC(begin), common.MidnightUTC(end))
	if len(dates) == 0 {
		subLog.Info().Time("Begin", begin).Time("End", end).Msg("no trading days in range")
		return nil
	}
	subLog.Info().Time("Begin", dates[0]).Time("End", dates[len(dates)-1]).
		Int("NumDates", len(dates)).Msg("starting batch run")

	factors, err := calc.LoadFactors(ctx)
	if err != nil {
		return err
	}
	scenarios, err := calc.LoadScenarios()
	if err != nil {
		return err
	}
	if err := calc.SyncScenarios(ctx, scenarios); err != nil {
		return err
	}

	universe, err := data.ResolveUniverse(ctx, scope, o.cache)
	if err != nil {
		return err
	}
	if err := data.EnsureSymbols(ctx, universe); err != nil {
		return err
	}

	// ingest once for the whole run: the regression lookback plus the
	// correlation window ahead of the first date, through the last date
	fetchBegin := dates[0].AddDate(-1, -2, 0)
	result := o.chain.Fetch(ctx, universe, fetchBegin, dates[len(dates)-1])
	bars := make([]data.Bar, 0)
	for _, symbolBars := range result.Bars {
		bars = append(bars, symbolBars...)
	}
	if _, err := o.cache.UpsertBars(ctx, bars); err != nil {
		return err
	}
	if o.profiles != nil {
		// enrichment failures are warnings, never batch failures
		o.profiles.FetchAndStore(ctx, universe)
	}

	history, err := o.cache.CloseHistory(ctx, universe, fetchBegin, dates[len(dates)-1])
	if err != nil {
		return err
	}

	portfolios, err := o.portfoliosInScope(ctx, opts.PortfolioIDs)
	if err != nil {
		return err
	}
	earliestEntry, err := o.earliestEntryDates(ctx, portfolios)
	if err != nil {
		return err
	}

	// the previous trading day of dates[0] may precede the range
	allDays := tradecal.TradingDays(fetchBegin, dates[len(dates)-1])
	prevDay := make(map[time.Time]time.Time, len(allDays))
	for idx := 1; idx < len(allDays); idx++ {
		prevDay[allDays[idx]] = allDays[idx-1]
	}

	portfolioFailures := 0
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}

		cohort, err := o.cohortFor(ctx, portfolios, earliestEntry, date, opts.Force)
		if err != nil {
			return err
		}
		if len(cohort) == 0 {
			continue
		}

		dateLog := subLog.With().Time("Date", date).Logger()
		dateLog.Info().Int("NumPortfolios", len(cohort)).Msg("processing date")
		if o.tracker != nil {
			o.tracker.Update(record.ID, func(run *TrackedRun) { run.CurrentDate = date })
		}

		dateHistory := windowHistory(history, date)
		symbolBetas := calc.RunSymbolFactors(universe, factors, dateHistory)
		if err := calc.StoreSymbolFactors(ctx, symbolBetas, factors, date); err != nil {
			return err
		}
		factorCorr := calc.FactorCorrelations(factors, dateHistory)

		closes := closesAt(history, date)
		prevCloses := map[string]float64{}
		if prev, ok := prevDay[date]; ok {
			prevCloses = closesAt(history, prev)
		}

		for _, p := range cohort {
			record.TotalJobs++
			err := o.processPortfolio(ctx, p, date, factors, symbolBetas, factorCorr,
				scenarios, closes, prevCloses, dateHistory, history)
			if err != nil {
				portfolioFailures++
				record.Failed++
				dateLog.Error().Stack().Err(err).Str("PortfolioID", p.ID.String()).
					Msg("portfolio failed; continuing with remaining portfolios")
				continue
			}
			record.Successful++
		}
	}

	if portfolioFailures > 0 {
		return ErrPortfolioFailed
	}
	return nil
}

// processPortfolio runs the engines for one (portfolio, date) in the fixed
// order; the snapshot write comes last so its existence implies every prior
// engine committed
func (o *Orchestrator) processPortfolio(ctx context.Context, p *portfolio.Portfolio, date time.Time,
	factors []calc.Factor, symbolBetas []calc.SymbolBetas, factorCorr map[string]map[string]float64,
	scenarios []calc.Scenario, closes, prevCloses map[string]float64,
	dateHistory, history map[string]map[time.Time]float64) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "batch.processPortfolio")
	defer span.End()

	positions, err := portfolio.LoadPositions(ctx, p.ID)
	if err != nil {
		return err
	}

	greeks, err := calc.RunGreeks(ctx, positions, date, closes, dateHistory)
	if err != nil {
		return err
	}
	if err := calc.StoreGreeks(ctx, greeks, date); err != nil {
		return err
	}

	mvRows, exposures := calc.RunMarketValues(ctx, positions, date, closes, prevCloses)
	if err := calc.StoreMarketValues(ctx, mvRows, date); err != nil {
		return err
	}

	factorSet := calc.RunFactorAggregation(p.ID.String(), positions, date, mvRows, symbolBetas, factors)
	if err := calc.StoreFactorExposures(ctx, factorSet, factors, date); err != nil {
		return err
	}

	duration := viper.GetInt("correlations.duration_days")
	if duration <= 0 {
		duration = 90
	}
	corrHistory := windowHistoryRange(history, date.AddDate(0, 0, -duration), date)
	correlations := calc.RunCorrelations(p.ID.String(), mvRows, corrHistory, duration)
	if err := calc.StoreCorrelations(ctx, correlations, date); err != nil {
		return err
	}

	baseline := p.EquityBalance + exposures.Net
	stress := calc.RunStressTests(p.ID.String(), factorSet, factors, factorCorr, scenarios, baseline)
	if err := calc.StoreStressResults(ctx, stress, date); err != nil {
		return err
	}

	accruals := calc.RunPositionInterest(positions, date)
	if err := calc.StorePositionInterest(ctx, accruals); err != nil {
		return err
	}

	snapshot := calc.BuildSnapshot(p, exposures, date)
	return calc.StoreSnapshot(ctx, snapshot)
}

// portfoliosInScope loads the active portfolios, filtered to ids when given
func (o *Orchestrator) portfoliosInScope(ctx context.Context, ids []uuid.UUID) ([]*portfolio.Portfolio, error) {
	portfolios, err := ActivePortfolios(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return portfolios, nil
	}

	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	scoped := make([]*portfolio.Portfolio, 0, len(ids))
	for _, p := range portfolios {
		if wanted[p.ID] {
			scoped = append(scoped, p)
		}
	}
	return scoped, nil
}

func (o *Orchestrator) earliestEntryDates(ctx context.Context, portfolios []*portfolio.Portfolio) (map[uuid.UUID]time.Time, error) {
	earliest := make(map[uuid.UUID]time.Time, len(portfolios))
	for _, p := range portfolios {
		id := p.ID
		entry, err := portfolio.EarliestEntryDate(ctx, &id)
		if err != nil {
			return nil, err
		}
		earliest[id] = entry
	}
	return earliest, nil
}

// cohortFor is the per-date portfolio filter: portfolios already holding a
// snapshot for date are skipped (unless force), as are portfolios whose first
// position postdates it
func (o *Orchestrator) cohortFor(ctx context.Context, portfolios []*portfolio.Portfolio,
	earliestEntry map[uuid.UUID]time.Time, date time.Time, force bool) ([]*portfolio.Portfolio, error) {
	done := map[string]bool{}
	if !force {
		var err error
		done, err = PortfoliosWithSnapshot(ctx, date)
		if err != nil {
			return nil, err
		}
	}

	cohort := make([]*portfolio.Portfolio, 0, len(portfolios))
	for _, p := range portfolios {
		if done[p.ID.String()] {
			continue
		}
		entry, ok := earliestEntry[p.ID]
		if !ok || entry.IsZero() || entry.After(date) {
			continue
		}
		cohort = append(cohort, p)
	}
	return cohort, nil
}

// windowHistory copies the close history restricted to dates on or before
// cutoff; engines must not see future closes
func windowHistory(history map[string]map[time.Time]float64, cutoff time.Time) map[string]map[time.Time]float64 {
	return windowHistoryRange(history, time.Time{}, cutoff)
}

func windowHistoryRange(history map[string]map[time.Time]float64, begin, cutoff time.Time) map[string]map[time.Time]float64 {
	out := make(map[string]map[time.Time]float64, len(history))
	for symbol, closes := range history {
		window := make(map[time.Time]float64)
		for dt, px := range closes {
			if dt.After(cutoff) || dt.Before(begin) {
				continue
			}
			window[dt] = px
		}
		if len(window) > 0 {
			out[symbol] = window
		}
	}
	return out
}

// closesAt projects the per-symbol close for one date out of the history map
func closesAt(history map[string]map[time.Time]float64, date time.Time) map[string]float64 {
	closes := make(map[string]float64, len(history))
	for symbol, series := range history {
		if px, ok := series[date]; ok {
			closes[symbol] = px
		}
	}
	return closes
}
