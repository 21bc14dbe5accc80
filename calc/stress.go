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

package calc

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/stat"
)

// lossCapFraction caps any scenario loss at 99% of the baseline portfolio
// value; a stress test cannot report losing more than the portfolio is worth
const lossCapFraction = 0.99

// Scenario is one entry in the stress scenario library. Shocks maps factor
// name to a fractional return shock (e.g. -0.38 for the 2008 replay).
// SpreadResponse controls whether spread factors receive correlated
// propagation from market shocks; it is a per-scenario setting, not a global
// one.
type Scenario struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Category       string             `json:"category"` // historical | hypothetical
	Shocks         map[string]float64 `json:"shocks"`
	SpreadResponse bool               `json:"spread_response"`
	Active         bool               `json:"active"`
}

// StressResult is the per-scenario outcome. CorrelatedPnL is the
// authoritative number for reporting; DirectPnL ignores cross-factor effects.
type StressResult struct {
	ScenarioID    string
	ScenarioName  string
	DirectPnL     float64
	CorrelatedPnL float64
}

// StressSet is the full stress output for one portfolio and date
type StressSet struct {
	PortfolioID string
	Results     []StressResult
	Quality     *DataQuality
}

// defaultScenarios is the built-in library, used when stress.scenario_file is
// not configured. Historical replays use peak-to-trough factor moves.
func defaultScenarios() []Scenario {
	return []Scenario{
		{ID: "gfc_2008", Name: "2008 Financial Crisis", Category: "historical",
			Shocks: map[string]float64{"Market": -0.38, "Value": -0.42, "Quality": -0.30}, Active: true},
		{ID: "covid_2020q1", Name: "COVID-19 Q1 2020", Category: "historical",
			Shocks: map[string]float64{"Market": -0.34, "Size": -0.40, "Momentum": -0.28}, Active: true},
		{ID: "dotcom_2000", Name: "Dot-Com Bust", Category: "historical",
			Shocks: map[string]float64{"Market": -0.27, "Growth": -0.45, "Value": 0.05}, Active: true},
		{ID: "market_up_10", Name: "Market +10%", Category: "hypothetical",
			Shocks: map[string]float64{"Market": 0.10}, SpreadResponse: true, Active: true},
		{ID: "market_down_10", Name: "Market -10%", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -0.10}, SpreadResponse: true, Active: true},
		{ID: "rates_up_100bp", Name: "Rates +100bp", Category: "hypothetical",
			Shocks: map[string]float64{"LowVol": -0.06, "Value": 0.04}, Active: true},
		{ID: "rates_down_100bp", Name: "Rates -100bp", Category: "hypothetical",
			Shocks: map[string]float64{"LowVol": 0.06, "Growth": 0.05}, Active: true},
		{ID: "value_rotation", Name: "Value Rotation", Category: "hypothetical",
			Shocks: map[string]float64{"Value": 0.15, "Growth": -0.15}, Active: true},
		{ID: "vix_spike", Name: "VIX Spike", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -0.15, "LowVol": 0.05, "Quality": 0.03}, Active: true},
		{ID: "liquidity_crisis", Name: "Liquidity Crisis", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -0.20, "Size": -0.30, "Quality": 0.05}, Active: true},
	}
}

// LoadScenarios reads the scenario library from the JSON file named by
// stress.scenario_file, falling back to the built-in library. A malformed
// file is an error rather than a silent fallback.
func LoadScenarios() ([]Scenario, error) {
	fn := viper.GetString("stress.scenario_file")
	if fn == "" {
		return defaultScenarios(), nil
	}

	raw, err := os.ReadFile(fn)
	if err != nil {
		log.Error().Stack().Err(err).Str("FileName", fn).Msg("could not read stress scenario file")
		return nil, err
	}

	var scenarios []Scenario
	if err := json.Unmarshal(raw, &scenarios); err != nil {
		log.Error().Stack().Err(err).Str("FileName", fn).Msg("could not parse stress scenario file")
		return nil, err
	}
	return scenarios, nil
}

// RunStressTests applies each active scenario to the portfolio's factor
// exposures. Direct P&L is shock times dollar exposure with no cross-factor
// effects; correlated P&L propagates shocks to unshocked factors through the
// factor correlation matrix and is the canonical number. Losses are capped at
// 99% of the baseline portfolio value.
func RunStressTests(portfolioID string, exposures *FactorExposureSet, factors []Factor,
	factorCorr map[string]map[string]float64, scenarios []Scenario, baselineValue float64) *StressSet {
	set := &StressSet{PortfolioID: portfolioID}

	if exposures == nil || len(exposures.Betas) == 0 {
		set.Quality = &DataQuality{
			Flag:    FlagNoFactorExposures,
			Message: "portfolio has no factor exposures; stress tests skipped",
		}
		return set
	}

	lossCap := -lossCapFraction * baselineValue

	for _, scenario := range scenarios {
		if !scenario.Active {
			continue
		}

		direct := 0.0
		correlated := 0.0
		for _, factor := range factors {
			dollar, ok := exposures.DollarExposure[factor.ID]
			if !ok {
				continue
			}

			if shock, ok := scenario.Shocks[factor.Name]; ok {
				direct += shock * dollar
				correlated += shock * dollar
				continue
			}

			// unshocked factors move with the shocked ones in proportion to
			// their return correlation; spread factors only when the scenario
			// says so
			if isSpreadFactor(factor.Name) && !scenario.SpreadResponse {
				continue
			}
			implied := 0.0
			for shockedName, shock := range scenario.Shocks {
				implied += factorCorr[factor.Name][shockedName] * shock
			}
			correlated += implied * dollar
		}

		if baselineValue > 0 {
			if direct < lossCap {
				direct = lossCap
			}
			if correlated < lossCap {
				correlated = lossCap
			}
		}

		set.Results = append(set.Results, StressResult{
			ScenarioID:    scenario.ID,
			ScenarioName:  scenario.Name,
			DirectPnL:     direct,
			CorrelatedPnL: correlated,
		})
	}

	return set
}

// isSpreadFactor identifies factors constructed as long/short combinations of
// base factors by naming convention
func isSpreadFactor(name string) bool {
	return strings.Contains(strings.ToLower(name), "spread")
}

// FactorCorrelations computes the Pearson correlation of daily factor ETF
// returns over the shared history, keyed by factor name both ways. The
// diagonal is exactly 1.
func FactorCorrelations(factors []Factor, history map[string]map[time.Time]float64) map[string]map[string]float64 {
	corr := make(map[string]map[string]float64, len(factors))
	for _, f := range factors {
		corr[f.Name] = make(map[string]float64, len(factors))
		corr[f.Name][f.Name] = 1
	}

	for i := 0; i < len(factors); i++ {
		for j := i + 1; j < len(factors); j++ {
			retA, retB := alignedReturns(history[factors[i].ETF], history[factors[j].ETF])
			c := 0.0
			if len(retA) > 1 {
				c = stat.Correlation(retA, retB, nil)
			}
			corr[factors[i].Name][factors[j].Name] = c
			corr[factors[j].Name][factors[i].Name] = c
		}
	}
	return corr
}

// SyncScenarios upserts the scenario library so stored results can join
// against scenario metadata
func SyncScenarios(ctx context.Context, scenarios []Scenario) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	for _, scenario := range scenarios {
		shocks, err := json.Marshal(scenario.Shocks)
		if err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
		_, err = trx.Exec(ctx,
			`INSERT INTO stress_test_scenarios (id, name, category, shocks, spread_response, active)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE
			 SET name = EXCLUDED.name, category = EXCLUDED.category, shocks = EXCLUDED.shocks,
			     spread_response = EXCLUDED.spread_response, active = EXCLUDED.active`,
			scenario.ID, scenario.Name, scenario.Category, shocks, scenario.SpreadResponse, scenario.Active)
		if err != nil {
			log.Error().Stack().Err(err).Str("ScenarioID", scenario.ID).Msg("could not store stress scenario")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}

// StoreStressResults persists the per-scenario results, or a single skip row
// when the quality payload says the portfolio had no factor exposures
func StoreStressResults(ctx context.Context, set *StressSet, date time.Time) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	var quality []byte
	if set.Quality != nil {
		quality, err = json.Marshal(set.Quality)
		if err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
		_, err = trx.Exec(ctx,
			`INSERT INTO stress_test_results (portfolio_id, scenario_id, calculation_date, direct_pnl, correlated_pnl, data_quality)
			 VALUES ($1, 'skipped', $2, NULL, NULL, $3)
			 ON CONFLICT (portfolio_id, scenario_id, calculation_date) DO UPDATE
			 SET data_quality = EXCLUDED.data_quality`,
			set.PortfolioID, date, quality)
		if err != nil {
			log.Error().Stack().Err(err).Str("PortfolioID", set.PortfolioID).Msg("could not store stress skip payload")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
		return trx.Commit(ctx)
	}

	for _, result := range set.Results {
		_, err := trx.Exec(ctx,
			`INSERT INTO stress_test_results (portfolio_id, scenario_id, calculation_date, direct_pnl, correlated_pnl, data_quality)
			 VALUES ($1, $2, $3, $4, $5, NULL)
			 ON CONFLICT (portfolio_id, scenario_id, calculation_date) DO UPDATE
			 SET direct_pnl = EXCLUDED.direct_pnl, correlated_pnl = EXCLUDED.correlated_pnl,
			     data_quality = EXCLUDED.data_quality`,
			set.PortfolioID, result.ScenarioID, date, result.DirectPnL, result.CorrelatedPnL)
		if err != nil {
			log.Error().Stack().Err(err).Str("PortfolioID", set.PortfolioID).Str("ScenarioID", result.ScenarioID).
				Msg("could not store stress result")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}
