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
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/portfolio"
)

// FactorExposureSet is the portfolio-level factor aggregation output. When
// Quality.Flag is no_public_positions the beta maps are empty; that is a
// success state.
type FactorExposureSet struct {
	PortfolioID    string
	Betas          map[int]float64            // factor id -> beta
	DollarExposure map[int]float64            // factor id -> dollar exposure
	PositionBetas  map[string]map[int]float64 // position id -> factor id -> beta
	Quality        DataQuality
}

// RunFactorAggregation rolls per-position symbol betas up to portfolio-level
// factor betas weighted by signed dollar exposure. PRIVATE positions are
// excluded from factor analysis.
func RunFactorAggregation(portfolioID string, positions []*portfolio.Position, date time.Time,
	marketValues []MarketValueRow, symbolBetas []SymbolBetas, factors []Factor) *FactorExposureSet {
	set := &FactorExposureSet{
		PortfolioID:    portfolioID,
		Betas:          make(map[int]float64, len(factors)),
		DollarExposure: make(map[int]float64, len(factors)),
		PositionBetas:  make(map[string]map[int]float64),
	}

	betasBySymbol := make(map[string]SymbolBetas, len(symbolBetas))
	for _, sb := range symbolBetas {
		betasBySymbol[sb.Symbol] = sb
	}

	mvByPosition := make(map[string]MarketValueRow, len(marketValues))
	for _, mv := range marketValues {
		mvByPosition[mv.PositionID] = mv
	}

	total := 0
	analyzed := 0
	skipped := 0
	minDays := math.MaxInt32
	grossAnalyzed := 0.0

	for _, pos := range positions {
		if !pos.ActiveOn(date) {
			continue
		}
		total++

		if pos.InvestmentClass == portfolio.ClassPrivate {
			skipped++
			continue
		}

		sb, ok := betasBySymbol[pos.PriceSymbol()]
		if !ok || sb.Skipped {
			skipped++
			continue
		}
		mv, ok := mvByPosition[pos.ID.String()]
		if !ok {
			skipped++
			continue
		}

		analyzed++
		if sb.HistoryDays < minDays {
			minDays = sb.HistoryDays
		}
		grossAnalyzed += math.Abs(mv.MarketValue)

		posBetas := make(map[int]float64, len(sb.Betas))
		for factorID, beta := range sb.Betas {
			posBetas[factorID] = beta
			set.DollarExposure[factorID] += mv.MarketValue * beta
		}
		set.PositionBetas[pos.ID.String()] = posBetas
	}

	if analyzed == 0 {
		set.Quality = DataQuality{
			Flag:              FlagNoPublicPositions,
			Message:           "no public positions with factor history; factor analysis skipped",
			PositionsAnalyzed: intPtr(0),
			PositionsTotal:    intPtr(total),
			PositionsSkipped:  intPtr(skipped),
		}
		return set
	}

	for _, factor := range factors {
		if grossAnalyzed != 0 {
			set.Betas[factor.ID] = set.DollarExposure[factor.ID] / grossAnalyzed
		}
	}

	flag := FlagFullHistory
	if minDays < 252 {
		flag = FlagLimitedHistory
	}
	set.Quality = DataQuality{
		Flag:              flag,
		PositionsAnalyzed: intPtr(analyzed),
		PositionsTotal:    intPtr(total),
		PositionsSkipped:  intPtr(skipped),
		DataDays:          intPtr(minDays),
	}
	return set
}

// StoreFactorExposures writes the portfolio factor exposure rows and the
// per-position factor exposure rows. A complete set means every active
// factor is present for the calculation date; a skip payload writes one row
// per factor with null beta and the quality block.
func StoreFactorExposures(ctx context.Context, set *FactorExposureSet, factors []Factor, date time.Time) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	quality, err := json.Marshal(set.Quality)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	for _, factor := range factors {
		var beta, dollar *float64
		if b, ok := set.Betas[factor.ID]; ok {
			bCopy := b
			dCopy := set.DollarExposure[factor.ID]
			beta, dollar = &bCopy, &dCopy
		}
		_, err := trx.Exec(ctx,
			`INSERT INTO factor_exposures (portfolio_id, calculation_date, factor_id, exposure_value, exposure_dollar, data_quality)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (portfolio_id, calculation_date, factor_id) DO UPDATE
			 SET exposure_value = EXCLUDED.exposure_value, exposure_dollar = EXCLUDED.exposure_dollar,
			     data_quality = EXCLUDED.data_quality`,
			set.PortfolioID, date, factor.ID, beta, dollar, quality)
		if err != nil {
			log.Error().Stack().Err(err).Str("PortfolioID", set.PortfolioID).Int("FactorID", factor.ID).
				Msg("could not store factor exposure")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	for positionID, posBetas := range set.PositionBetas {
		for factorID, beta := range posBetas {
			_, err := trx.Exec(ctx,
				`INSERT INTO position_factor_exposures (position_id, calculation_date, factor_id, beta)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (position_id, calculation_date, factor_id) DO UPDATE SET beta = EXCLUDED.beta`,
				positionID, date, factorID, beta)
			if err != nil {
				log.Error().Stack().Err(err).Str("PositionID", positionID).Msg("could not store position factor exposure")
				if err := trx.Rollback(ctx); err != nil {
					log.Error().Stack().Err(err).Msg("could not rollback transaction")
				}
				return err
			}
		}
	}

	return trx.Commit(ctx)
}
