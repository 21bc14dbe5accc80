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

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/portfolio"
)

const (
	PriceSourceCache         = "cache"
	PriceSourceEntryFallback = "entry_fallback"
)

// MarketValueRow is the per-position valuation at the calculation date
type MarketValueRow struct {
	PositionID    string
	Symbol        string
	Price         float64
	PriceSource   string
	MarketValue   float64
	UnrealizedPnL float64
	DayChange     float64
}

// ExposureSet is the portfolio-level exposure bucket summary.
// Gross = |long| + |short|; Net = long - short (short carried negative).
type ExposureSet struct {
	Long          float64
	Short         float64
	Gross         float64
	Net           float64
	PositionCount int
}

// RunMarketValues values every active position at date. The close comes from
// the cache; when absent the entry price is used and a quality warning
// emitted. PRIVATE positions always value at entry price.
func RunMarketValues(ctx context.Context, positions []*portfolio.Position, date time.Time,
	closes map[string]float64, prevCloses map[string]float64) ([]MarketValueRow, ExposureSet) {
	rows := make([]MarketValueRow, 0, len(positions))
	exposures := ExposureSet{}

	for _, pos := range positions {
		if !pos.ActiveOn(date) {
			continue
		}

		row := MarketValueRow{
			PositionID: pos.ID.String(),
			Symbol:     pos.Symbol,
		}

		priceSymbol := pos.PriceSymbol()
		price, ok := closes[priceSymbol]
		if ok && price > 0 && pos.InvestmentClass != portfolio.ClassPrivate {
			row.Price = price
			row.PriceSource = PriceSourceCache
			if prev, ok := prevCloses[priceSymbol]; ok && prev > 0 {
				row.DayChange = (price - prev) * pos.Quantity * pos.Multiplier()
			}
		} else {
			row.Price = pos.EntryPrice
			row.PriceSource = PriceSourceEntryFallback
			if pos.InvestmentClass != portfolio.ClassPrivate {
				log.Warn().Str("Symbol", pos.Symbol).Str("PositionID", row.PositionID).Time("Date", date).
					Msg("no cached close for position; falling back to entry price")
			}
		}

		row.MarketValue = pos.Quantity * row.Price * pos.Multiplier()
		row.UnrealizedPnL = pos.Quantity * (row.Price - pos.EntryPrice) * pos.Multiplier()
		rows = append(rows, row)

		if pos.Long() {
			exposures.Long += row.MarketValue
		} else {
			exposures.Short += row.MarketValue
		}
		exposures.PositionCount++
	}

	exposures.Gross = math.Abs(exposures.Long) + math.Abs(exposures.Short)
	exposures.Net = exposures.Long + exposures.Short
	return rows, exposures
}

// StoreMarketValues persists per-position valuations for the date
func StoreMarketValues(ctx context.Context, rows []MarketValueRow, date time.Time) error {
	if len(rows) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		_, err := trx.Exec(ctx,
			`INSERT INTO position_market_values (position_id, calculation_date, price, price_source, market_value, unrealized_pnl, day_change)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (position_id, calculation_date) DO UPDATE
			 SET price = EXCLUDED.price, price_source = EXCLUDED.price_source,
			     market_value = EXCLUDED.market_value, unrealized_pnl = EXCLUDED.unrealized_pnl,
			     day_change = EXCLUDED.day_change`,
			row.PositionID, date, row.Price, row.PriceSource, row.MarketValue, row.UnrealizedPnL, row.DayChange)
		if err != nil {
			log.Error().Stack().Err(err).Str("PositionID", row.PositionID).Msg("could not store market value")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}
