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
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GreekSet is the Black-Scholes sensitivity set for one options position on
// the calculation date. Valid is false when required inputs were missing;
// the row is still recorded as a null set.
type GreekSet struct {
	PositionID string
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	Rho        float64
	IV         float64
	Valid      bool
}

// RunGreeks computes Greeks for every OPTIONS position active on date. The
// volatility input is the underlying's annualized realized volatility from
// history (already windowed to dates at or before the calculation date);
// greeks.default_iv covers underlyings with too little history. A position
// with missing inputs gets a null set and a warning; the engine itself never
// aborts on a single position.
func RunGreeks(ctx context.Context, positions []*portfolio.Position, date time.Time, spots map[string]float64,
	history map[string]map[time.Time]float64) ([]GreekSet, error) {
	riskFree := viper.GetFloat64("greeks.risk_free_rate")
	if riskFree == 0 {
		riskFree = 0.045
	}
	fallbackIV := viper.GetFloat64("greeks.default_iv")
	if fallbackIV == 0 {
		fallbackIV = 0.30
	}

	sets := make([]GreekSet, 0, len(positions))
	for _, pos := range positions {
		if pos.InvestmentClass != portfolio.ClassOptions || !pos.ActiveOn(date) {
			continue
		}

		subLog := log.With().Str("PositionID", pos.ID.String()).Str("Symbol", pos.Symbol).Logger()

		set := GreekSet{PositionID: pos.ID.String()}
		if pos.UnderlyingSymbol == nil || pos.StrikePrice == nil || pos.ExpirationDate == nil || pos.OptionType == nil {
			subLog.Warn().Msg("options position missing option fields; recording null greeks")
			sets = append(sets, set)
			continue
		}

		spot, ok := spots[*pos.UnderlyingSymbol]
		if !ok || spot <= 0 {
			subLog.Warn().Str("Underlying", *pos.UnderlyingSymbol).Msg("no cached spot for underlying; recording null greeks")
			sets = append(sets, set)
			continue
		}

		yearsToExpiry := pos.ExpirationDate.Sub(date).Hours() / 24 / 365
		if yearsToExpiry <= 0 {
			subLog.Debug().Msg("option expired on or before calculation date; recording null greeks")
			sets = append(sets, set)
			continue
		}

		sigma := realizedVol(history[*pos.UnderlyingSymbol])
		if sigma <= 0 {
			sigma = fallbackIV
		}

		bs := blackScholes(spot, *pos.StrikePrice, yearsToExpiry, riskFree, sigma, *pos.OptionType == portfolio.OptionCall)
		bs.PositionID = pos.ID.String()
		bs.IV = sigma
		bs.Valid = true
		sets = append(sets, bs)
	}

	return sets, nil
}

// minVolObservations gates the realized-volatility estimate; shorter return
// series fall back to greeks.default_iv
const minVolObservations = 20

// realizedVol annualizes the sample standard deviation of the underlying's
// daily returns; zero means no usable estimate
func realizedVol(closes map[time.Time]float64) float64 {
	_, rets := returnSeries(closes)
	if len(rets) < minVolObservations {
		return 0
	}
	return stat.StdDev(rets, nil) * math.Sqrt(252)
}

// blackScholes computes per-share greeks; theta is per calendar day, vega per
// 1% volatility move, rho per 1% rate move
func blackScholes(spot, strike, t, r, sigma float64, call bool) GreekSet {
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	pdfD1 := norm.Prob(d1)
	discount := math.Exp(-r * t)

	set := GreekSet{
		Gamma: pdfD1 / (spot * sigma * sqrtT),
		Vega:  spot * pdfD1 * sqrtT / 100,
	}

	if call {
		set.Delta = norm.CDF(d1)
		set.Theta = (-spot*pdfD1*sigma/(2*sqrtT) - r*strike*discount*norm.CDF(d2)) / 365
		set.Rho = strike * t * discount * norm.CDF(d2) / 100
	} else {
		set.Delta = norm.CDF(d1) - 1
		set.Theta = (-spot*pdfD1*sigma/(2*sqrtT) + r*strike*discount*norm.CDF(-d2)) / 365
		set.Rho = -strike * t * discount * norm.CDF(-d2) / 100
	}

	return set
}

// StoreGreeks persists the greek sets for the calculation date
func StoreGreeks(ctx context.Context, sets []GreekSet, date time.Time) error {
	if len(sets) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	for _, set := range sets {
		var delta, gamma, theta, vega, rho, iv *float64
		if set.Valid {
			delta, gamma, theta, vega, rho, iv = &set.Delta, &set.Gamma, &set.Theta, &set.Vega, &set.Rho, &set.IV
		}
		_, err := trx.Exec(ctx,
			`INSERT INTO position_greeks (position_id, calculation_date, delta, gamma, theta, vega, rho, implied_volatility)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (position_id, calculation_date) DO UPDATE
			 SET delta = EXCLUDED.delta, gamma = EXCLUDED.gamma, theta = EXCLUDED.theta,
			     vega = EXCLUDED.vega, rho = EXCLUDED.rho, implied_volatility = EXCLUDED.implied_volatility`,
			set.PositionID, date, delta, gamma, theta, vega, rho, iv)
		if err != nil {
			log.Error().Stack().Err(err).Str("PositionID", set.PositionID).Msg("could not store greeks")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}
