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
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/portfolio"
	"github.com/spf13/viper"
)

// Fixed-income subtypes that accrue daily interest
const (
	SubtypeBond        = "BOND"
	SubtypeTreasury    = "TREASURY"
	SubtypeMoneyMarket = "MONEY_MARKET"
)

// InterestAccrual is one day of accrued interest for a fixed-income position
type InterestAccrual struct {
	PositionID  string
	AccrualDate time.Time
	Amount      float64
}

// RunPositionInterest accrues one calendar day of interest at the close of
// date for every active fixed-income position. The coupon rate comes from
// interest.coupon_rate (annual, ACT/365) until positions carry their own.
func RunPositionInterest(positions []*portfolio.Position, date time.Time) []InterestAccrual {
	rate := viper.GetFloat64("interest.coupon_rate")
	if rate == 0 {
		rate = 0.04
	}

	accruals := make([]InterestAccrual, 0)
	for _, pos := range positions {
		if !pos.ActiveOn(date) || !accruesInterest(pos.InvestmentSubtype) {
			continue
		}

		face := pos.Quantity * pos.EntryPrice
		accruals = append(accruals, InterestAccrual{
			PositionID:  pos.ID.String(),
			AccrualDate: date,
			Amount:      face * rate / 365,
		})
	}
	return accruals
}

func accruesInterest(subtype string) bool {
	switch subtype {
	case SubtypeBond, SubtypeTreasury, SubtypeMoneyMarket:
		return true
	}
	return false
}

// StorePositionInterest persists the day's accruals; re-runs overwrite
func StorePositionInterest(ctx context.Context, accruals []InterestAccrual) error {
	if len(accruals) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	for _, accrual := range accruals {
		_, err := trx.Exec(ctx,
			`INSERT INTO position_interest (position_id, accrual_date, accrued_interest)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (position_id, accrual_date) DO UPDATE
			 SET accrued_interest = EXCLUDED.accrued_interest`,
			accrual.PositionID, accrual.AccrualDate, accrual.Amount)
		if err != nil {
			log.Error().Stack().Err(err).Str("PositionID", accrual.PositionID).Msg("could not store interest accrual")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}
