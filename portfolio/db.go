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

package portfolio

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
)

// LoadPortfolio reads a single portfolio by id
func LoadPortfolio(ctx context.Context, portfolioID uuid.UUID) (*Portfolio, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{}
	err = trx.QueryRow(ctx,
		"SELECT id, user_id, account_name, account_type, equity_balance FROM portfolios WHERE id = $1",
		portfolioID).Scan(&p.ID, &p.UserID, &p.AccountName, &p.AccountType, &p.EquityBalance)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", portfolioID.String()).Msg("could not load portfolio")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return p, nil
}

// LoadPositions reads every position of a portfolio, including exited ones;
// callers filter with ActiveOn
func LoadPositions(ctx context.Context, portfolioID uuid.UUID) ([]*Position, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		`SELECT id, portfolio_id, symbol, quantity, entry_price, entry_date,
		        investment_class, investment_subtype,
		        underlying_symbol, strike_price, expiration_date, option_type,
		        exit_date, exit_price
		 FROM positions WHERE portfolio_id = $1 ORDER BY symbol, entry_date`,
		portfolioID)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", portfolioID.String()).Msg("could not query positions")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	positions := make([]*Position, 0, 50)
	for rows.Next() {
		pos := &Position{}
		var subtype *string
		if err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.Symbol, &pos.Quantity, &pos.EntryPrice,
			&pos.EntryDate, &pos.InvestmentClass, &subtype,
			&pos.UnderlyingSymbol, &pos.StrikePrice, &pos.ExpirationDate, &pos.OptionType,
			&pos.ExitDate, &pos.ExitPrice); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		if subtype != nil {
			pos.InvestmentSubtype = *subtype
		}
		positions = append(positions, pos)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return positions, nil
}

// EarliestEntryDate returns the earliest entry date across positions of the
// scoped portfolio, or across all active positions when portfolioID is nil.
// Used as the backfill start for cold systems and onboarding.
func EarliestEntryDate(ctx context.Context, portfolioID *uuid.UUID) (time.Time, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return time.Time{}, err
	}

	sql := "SELECT MIN(entry_date) FROM positions"
	args := []interface{}{}
	if portfolioID != nil {
		sql += " WHERE portfolio_id = $1"
		args = append(args, *portfolioID)
	}

	var earliest *time.Time
	if err := trx.QueryRow(ctx, sql, args...).Scan(&earliest); err != nil {
		log.Error().Stack().Err(err).Msg("could not query earliest entry date")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return time.Time{}, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if earliest == nil {
		return time.Time{}, nil
	}
	return earliest.UTC(), nil
}
