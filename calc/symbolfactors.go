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
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"
)

const minHistoryDays = 60

// SymbolBetas holds the per-factor regression betas for one symbol. Skipped
// is true when the symbol had fewer than minHistoryDays overlapping
// observations with the factor returns.
type SymbolBetas struct {
	Symbol      string
	Betas       map[int]float64 // factor id -> beta
	HistoryDays int
	Skipped     bool
}

// LoadFactors reads the active factor definitions; global configuration,
// loaded once per run
func LoadFactors(ctx context.Context) ([]Factor, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		"SELECT id, name, etf_symbol, active FROM factor_definitions WHERE active ORDER BY id")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not query factor definitions")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	factors := make([]Factor, 0, 8)
	for rows.Next() {
		var f Factor
		if err := rows.Scan(&f.ID, &f.Name, &f.ETF, &f.Active); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		factors = append(factors, f)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if len(factors) == 0 {
		return nil, ErrNoFactors
	}
	return factors, nil
}

// RunSymbolFactors regresses each symbol's daily returns against the factor
// ETF returns over the lookback window ending at date (Phase 1.5). Symbols
// with insufficient history are skipped with a quality flag rather than
// failing the phase.
func RunSymbolFactors(symbols []string, factors []Factor, history map[string]map[time.Time]float64) []SymbolBetas {
	lookback := viper.GetInt("factors.lookback_days")
	if lookback <= 0 {
		lookback = 252
	}

	results := make([]SymbolBetas, 0, len(symbols))
	for _, symbol := range symbols {
		betas := regressSymbol(symbol, factors, history, lookback)
		results = append(results, betas)
	}
	return results
}

func regressSymbol(symbol string, factors []Factor, history map[string]map[time.Time]float64, lookback int) SymbolBetas {
	result := SymbolBetas{
		Symbol: symbol,
		Betas:  make(map[int]float64, len(factors)),
	}

	symbolCloses, ok := history[symbol]
	if !ok {
		result.Skipped = true
		return result
	}

	// common dates across the symbol and every factor ETF
	dates := make([]time.Time, 0, len(symbolCloses))
	for dt := range symbolCloses {
		common := true
		for _, factor := range factors {
			if _, ok := history[factor.ETF][dt]; !ok {
				common = false
				break
			}
		}
		if common {
			dates = append(dates, dt)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	if len(dates) > lookback+1 {
		dates = dates[len(dates)-lookback-1:]
	}

	numObs := len(dates) - 1
	result.HistoryDays = numObs
	if numObs < minHistoryDays {
		result.Skipped = true
		return result
	}

	// design matrix with intercept column
	y := make([]float64, numObs)
	x := mat.NewDense(numObs, len(factors)+1, nil)
	for row := 0; row < numObs; row++ {
		prev, cur := dates[row], dates[row+1]
		y[row] = symbolCloses[cur]/symbolCloses[prev] - 1
		x.Set(row, 0, 1)
		for col, factor := range factors {
			fc := history[factor.ETF]
			x.Set(row, col+1, fc[cur]/fc[prev]-1)
		}
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, mat.NewVecDense(numObs, y)); err != nil {
		log.Warn().Err(err).Str("Symbol", symbol).Msg("factor regression is singular; skipping symbol")
		result.Skipped = true
		return result
	}

	for col, factor := range factors {
		result.Betas[factor.ID] = beta.AtVec(col + 1)
	}
	return result
}

// StoreSymbolFactors persists the per-symbol betas for the calculation date
func StoreSymbolFactors(ctx context.Context, results []SymbolBetas, factors []Factor, date time.Time) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	for _, result := range results {
		flag := FlagFullHistory
		if result.Skipped {
			flag = FlagInsufficientHistory
		} else if result.HistoryDays < viper.GetInt("factors.lookback_days") && result.HistoryDays < 252 {
			flag = FlagLimitedHistory
		}

		for _, factor := range factors {
			beta, ok := result.Betas[factor.ID]
			if !ok {
				continue
			}
			_, err := trx.Exec(ctx,
				`INSERT INTO symbol_factor_exposures (symbol, calculation_date, factor_id, beta, history_days, quality_flag)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (symbol, calculation_date, factor_id) DO UPDATE
				 SET beta = EXCLUDED.beta, history_days = EXCLUDED.history_days, quality_flag = EXCLUDED.quality_flag`,
				result.Symbol, date, factor.ID, beta, result.HistoryDays, flag)
			if err != nil {
				log.Error().Stack().Err(err).Str("Symbol", result.Symbol).Msg("could not store symbol factor exposure")
				if err := trx.Rollback(ctx); err != nil {
					log.Error().Stack().Err(err).Msg("could not rollback transaction")
				}
				return err
			}
		}
	}

	return trx.Commit(ctx)
}
