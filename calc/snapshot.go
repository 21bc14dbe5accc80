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

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/portfolio"
)

// PortfolioSnapshot is the durable "date is done" marker for a portfolio.
// Every other engine writes its outputs before the snapshot insert; the
// watermark service keys off its existence.
type PortfolioSnapshot struct {
	PortfolioID   string
	SnapshotDate  time.Time
	TotalValue    float64
	CashBalance   float64
	LongValue     float64
	ShortValue    float64
	GrossExposure float64
	NetExposure   float64
	DailyReturn   float64
	PositionCount int
}

// BuildSnapshot assembles the snapshot row from the market-value exposure
// buckets. DailyReturn is filled in at store time from the previous snapshot.
func BuildSnapshot(p *portfolio.Portfolio, exposures ExposureSet, date time.Time) *PortfolioSnapshot {
	return &PortfolioSnapshot{
		PortfolioID:   p.ID.String(),
		SnapshotDate:  date,
		TotalValue:    p.EquityBalance + exposures.Net,
		CashBalance:   p.EquityBalance,
		LongValue:     exposures.Long,
		ShortValue:    exposures.Short,
		GrossExposure: exposures.Gross,
		NetExposure:   exposures.Net,
		PositionCount: exposures.PositionCount,
	}
}

// StoreSnapshot computes the daily return against the most recent prior
// snapshot and inserts the row. The insert is ON CONFLICT DO NOTHING so a
// re-run over an already-processed date is a no-op.
func StoreSnapshot(ctx context.Context, snapshot *PortfolioSnapshot) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	var prevValue float64
	err = trx.QueryRow(ctx,
		`SELECT total_value FROM portfolio_snapshots
		 WHERE portfolio_id = $1 AND snapshot_date < $2
		 ORDER BY snapshot_date DESC LIMIT 1`,
		snapshot.PortfolioID, snapshot.SnapshotDate).Scan(&prevValue)
	switch {
	case err == nil:
		if prevValue != 0 {
			snapshot.DailyReturn = snapshot.TotalValue/prevValue - 1
		}
	case err == pgx.ErrNoRows:
		// first snapshot for this portfolio; daily return is 0
	default:
		log.Error().Stack().Err(err).Str("PortfolioID", snapshot.PortfolioID).Msg("could not read previous snapshot")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO portfolio_snapshots (portfolio_id, snapshot_date, total_value, cash_balance,
		   long_value, short_value, gross_exposure, net_exposure, daily_return, position_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (portfolio_id, snapshot_date) DO NOTHING`,
		snapshot.PortfolioID, snapshot.SnapshotDate, snapshot.TotalValue, snapshot.CashBalance,
		snapshot.LongValue, snapshot.ShortValue, snapshot.GrossExposure, snapshot.NetExposure,
		snapshot.DailyReturn, snapshot.PositionCount)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", snapshot.PortfolioID).
			Time("SnapshotDate", snapshot.SnapshotDate).Msg("could not store portfolio snapshot")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}
