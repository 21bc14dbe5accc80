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
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/viper"
)

// correlationCap bounds stored pairwise correlations. A policy choice to
// avoid multicollinearity artefacts downstream, not a mathematical
// necessity; configurable via correlations.cap.
const defaultCorrelationCap = 0.95

// ewmaLambda is the exponential decay factor for correlation weighting
const ewmaLambda = 0.94

// PairwiseCorrelation is one stored matrix cell with SymbolA < SymbolB.
// Self-correlations are exactly 1.0 and are not stored as pairwise rows.
type PairwiseCorrelation struct {
	SymbolA     string
	SymbolB     string
	Correlation float64
	Overlap     int
}

// CorrelationResult is the per-portfolio, per-duration correlation output
type CorrelationResult struct {
	PortfolioID        string
	DurationDays       int
	Pairs              []PairwiseCorrelation
	AverageCorrelation float64
	Quality            *DataQuality
}

// RunCorrelations computes the EWMA pairwise correlation matrix of position
// returns over the configured duration. Up to correlations.max_symbols
// positions are selected by gross market value. Pairs with fewer than
// correlations.min_overlap overlapping observations yield an
// insufficient_data skip payload.
func RunCorrelations(portfolioID string, marketValues []MarketValueRow,
	history map[string]map[time.Time]float64, durationDays int) *CorrelationResult {
	maxSymbols := viper.GetInt("correlations.max_symbols")
	if maxSymbols <= 0 {
		maxSymbols = 25
	}
	minOverlap := viper.GetInt("correlations.min_overlap")
	if minOverlap <= 0 {
		minOverlap = 30
	}
	corrCap := viper.GetFloat64("correlations.cap")
	if corrCap <= 0 || corrCap > 1 {
		corrCap = defaultCorrelationCap
	}

	result := &CorrelationResult{
		PortfolioID:  portfolioID,
		DurationDays: durationDays,
	}

	symbols := selectByGrossValue(marketValues, maxSymbols)
	if len(symbols) < 2 {
		result.Quality = &DataQuality{
			Flag:    FlagInsufficientData,
			Message: "fewer than two priced positions; correlation matrix unavailable",
		}
		return result
	}

	sum := 0.0
	count := 0
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			retA, retB := alignedReturns(history[symbols[i]], history[symbols[j]])
			if len(retA) < minOverlap {
				continue
			}

			corr := ewmaCorrelation(retA, retB, ewmaLambda)
			if corr > corrCap {
				corr = corrCap
			} else if corr < -corrCap {
				corr = -corrCap
			}

			result.Pairs = append(result.Pairs, PairwiseCorrelation{
				SymbolA:     symbols[i],
				SymbolB:     symbols[j],
				Correlation: corr,
				Overlap:     len(retA),
			})
			sum += corr
			count++
		}
	}

	if count == 0 {
		result.Pairs = nil
		result.Quality = &DataQuality{
			Flag:    FlagInsufficientData,
			Message: "no symbol pair had enough overlapping observations",
		}
		return result
	}

	result.AverageCorrelation = sum / float64(count)
	return result
}

// selectByGrossValue picks up to limit distinct price symbols ordered by
// gross market value descending, then lexicographically for stability
func selectByGrossValue(marketValues []MarketValueRow, limit int) []string {
	gross := make(map[string]float64, len(marketValues))
	for _, mv := range marketValues {
		gross[mv.Symbol] += math.Abs(mv.MarketValue)
	}

	symbols := make([]string, 0, len(gross))
	for symbol := range gross {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if gross[symbols[i]] != gross[symbols[j]] {
			return gross[symbols[i]] > gross[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})

	if len(symbols) > limit {
		symbols = symbols[:limit]
	}
	sort.Strings(symbols)
	return symbols
}

// ewmaCorrelation computes the exponentially weighted correlation of two
// aligned return series; the most recent observation carries the most weight
func ewmaCorrelation(retA, retB []float64, lambda float64) float64 {
	n := len(retA)
	if n == 0 || n != len(retB) {
		return 0
	}

	// weights decay backwards in time: w_t = (1-lambda) * lambda^age
	weights := make([]float64, n)
	totalWeight := 0.0
	for idx := 0; idx < n; idx++ {
		age := n - 1 - idx
		weights[idx] = (1 - lambda) * math.Pow(lambda, float64(age))
		totalWeight += weights[idx]
	}

	meanA, meanB := 0.0, 0.0
	for idx := 0; idx < n; idx++ {
		w := weights[idx] / totalWeight
		meanA += w * retA[idx]
		meanB += w * retB[idx]
	}

	cov, varA, varB := 0.0, 0.0, 0.0
	for idx := 0; idx < n; idx++ {
		w := weights[idx] / totalWeight
		dA := retA[idx] - meanA
		dB := retB[idx] - meanB
		cov += w * dA * dB
		varA += w * dA * dA
		varB += w * dB * dB
	}

	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// StoreCorrelations persists the calculation header and pairwise rows
func StoreCorrelations(ctx context.Context, result *CorrelationResult, date time.Time) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	var quality []byte
	if result.Quality != nil {
		quality, err = json.Marshal(result.Quality)
		if err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	calcID := uuid.New()
	_, err = trx.Exec(ctx,
		`INSERT INTO correlation_calculations (id, portfolio_id, calculation_date, duration_days, average_correlation, data_quality)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (portfolio_id, calculation_date, duration_days) DO UPDATE
		 SET average_correlation = EXCLUDED.average_correlation, data_quality = EXCLUDED.data_quality`,
		calcID, result.PortfolioID, date, result.DurationDays, result.AverageCorrelation, quality)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", result.PortfolioID).Msg("could not store correlation calculation")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	// replace pairwise rows for this (portfolio, date, duration)
	_, err = trx.Exec(ctx,
		`DELETE FROM pairwise_correlations
		 WHERE calculation_id IN (
		   SELECT id FROM correlation_calculations
		   WHERE portfolio_id = $1 AND calculation_date = $2 AND duration_days = $3)`,
		result.PortfolioID, date, result.DurationDays)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	var storedID uuid.UUID
	if err := trx.QueryRow(ctx,
		`SELECT id FROM correlation_calculations WHERE portfolio_id = $1 AND calculation_date = $2 AND duration_days = $3`,
		result.PortfolioID, date, result.DurationDays).Scan(&storedID); err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	for _, pair := range result.Pairs {
		_, err := trx.Exec(ctx,
			`INSERT INTO pairwise_correlations (calculation_id, symbol_a, symbol_b, correlation, overlap_days)
			 VALUES ($1, $2, $3, $4, $5)`,
			storedID, pair.SymbolA, pair.SymbolB, pair.Correlation, pair.Overlap)
		if err != nil {
			log.Error().Stack().Err(err).Str("SymbolA", pair.SymbolA).Str("SymbolB", pair.SymbolB).
				Msg("could not store pairwise correlation")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}
