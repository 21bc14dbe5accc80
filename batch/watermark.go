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
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/portfolio"
)

// SystemWatermark is the most-lagging-portfolio watermark: the minimum over
// portfolios of each portfolio's maximum snapshot date. A global
// MAX(snapshot_date) is wrong here; one portfolio advancing would silently
// leave stragglers unprocessed. The watermark is the last fully processed
// date, so on a cold system with no snapshots it sits the day before the
// earliest entry date across all active positions and processing starts on
// the entry date itself. The zero time means there is nothing to process at
// all.
func SystemWatermark(ctx context.Context) (time.Time, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return time.Time{}, err
	}

	// MIN over zero snapshot rows is NULL, not a missing row
	var watermark *time.Time
	err = trx.QueryRow(ctx,
		`SELECT MIN(latest) FROM (
		   SELECT MAX(snapshot_date) AS latest
		   FROM portfolio_snapshots
		   GROUP BY portfolio_id) per_portfolio`).Scan(&watermark)
	if err != nil && err != pgx.ErrNoRows {
		log.Error().Stack().Err(err).Msg("could not compute system watermark")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return time.Time{}, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if watermark != nil {
		return *watermark, nil
	}

	// cold system: back the watermark off to the day before the first
	// entry date so the entry date itself is still unprocessed
	entry, err := portfolio.EarliestEntryDate(ctx, nil)
	if err != nil || entry.IsZero() {
		return entry, err
	}
	return entry.AddDate(0, 0, -1), nil
}

// PortfoliosWithSnapshot returns the set of portfolio ids that already have a
// snapshot for date; the orchestrator processes the complement
func PortfoliosWithSnapshot(ctx context.Context, date time.Time) (map[string]bool, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		"SELECT portfolio_id FROM portfolio_snapshots WHERE snapshot_date = $1", date)
	if err != nil {
		log.Error().Stack().Err(err).Time("Date", date).Msg("could not query portfolios with snapshot")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		done[id] = true
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return done, nil
}

// ActivePortfolios returns every portfolio holding at least one position
func ActivePortfolios(ctx context.Context) ([]*portfolio.Portfolio, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		`SELECT p.id, p.user_id, p.account_name, p.account_type, p.equity_balance
		 FROM portfolios p
		 WHERE EXISTS (SELECT 1 FROM positions WHERE portfolio_id = p.id)
		 ORDER BY p.id`)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not query active portfolios")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	portfolios := make([]*portfolio.Portfolio, 0)
	for rows.Next() {
		p := &portfolio.Portfolio{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.AccountName, &p.AccountType, &p.EquityBalance); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		portfolios = append(portfolios, p)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return portfolios, nil
}
