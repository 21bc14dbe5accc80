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

package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
)

// resolveDate picks the analytics date: the date query param when given,
// otherwise the latest calculation date in the named table for the portfolio
func resolveDate(ctx context.Context, c *fiber.Ctx, portfolioID uuid.UUID, table, column string) (time.Time, error) {
	if raw := c.Query("date"); raw != "" {
		return time.Parse("2006-01-02", raw)
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return time.Time{}, err
	}

	var latest *time.Time
	err = trx.QueryRow(ctx,
		"SELECT MAX("+column+") FROM "+table+" WHERE portfolio_id = $1", portfolioID).Scan(&latest)
	if err != nil && err != pgx.ErrNoRows {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return time.Time{}, err
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if latest == nil {
		return time.Time{}, pgx.ErrNoRows
	}
	return *latest, nil
}

// GetFactorExposures returns the portfolio factor betas for a date
func GetFactorExposures(c *fiber.Ctx) error {
	portfolioID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
	}

	ctx := c.UserContext()
	date, err := resolveDate(ctx, c, portfolioID, "factor_exposures", "calculation_date")
	if err != nil {
		return c.JSON(Envelope{Available: false})
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	rows, err := trx.Query(ctx,
		`SELECT fd.name, fe.exposure_value, fe.exposure_dollar, fe.data_quality
		 FROM factor_exposures fe JOIN factor_definitions fd ON fd.id = fe.factor_id
		 WHERE fe.portfolio_id = $1 AND fe.calculation_date = $2
		 ORDER BY fd.id`, portfolioID, date)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return fiber.ErrInternalServerError
	}

	type factorRow struct {
		Factor         string   `json:"factor"`
		Beta           *float64 `json:"beta"`
		DollarExposure *float64 `json:"dollar_exposure"`
	}

	exposures := make([]factorRow, 0, 8)
	var quality json.RawMessage
	populated := false
	for rows.Next() {
		var row factorRow
		if err := rows.Scan(&row.Factor, &row.Beta, &row.DollarExposure, &quality); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return fiber.ErrInternalServerError
		}
		if row.Beta != nil {
			populated = true
		}
		exposures = append(exposures, row)
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if !populated {
		return c.JSON(Envelope{Available: false, DataQuality: quality})
	}
	return c.JSON(Envelope{Available: true, Data: exposures, DataQuality: quality})
}

// GetCorrelations returns the pairwise correlation matrix for a date
func GetCorrelations(c *fiber.Ctx) error {
	portfolioID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
	}

	ctx := c.UserContext()
	date, err := resolveDate(ctx, c, portfolioID, "correlation_calculations", "calculation_date")
	if err != nil {
		return c.JSON(Envelope{Available: false})
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	var calcID uuid.UUID
	var avg float64
	var quality json.RawMessage
	err = trx.QueryRow(ctx,
		`SELECT id, average_correlation, data_quality FROM correlation_calculations
		 WHERE portfolio_id = $1 AND calculation_date = $2
		 ORDER BY duration_days LIMIT 1`, portfolioID, date).Scan(&calcID, &avg, &quality)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if err == pgx.ErrNoRows {
			return c.JSON(Envelope{Available: false})
		}
		return fiber.ErrInternalServerError
	}

	if quality != nil && string(quality) != "null" {
		if err := trx.Commit(ctx); err != nil {
			log.Warn().Stack().Err(err).Msg("could not commit transaction")
		}
		return c.JSON(Envelope{Available: false, DataQuality: quality})
	}

	type pairRow struct {
		SymbolA     string  `json:"symbol_a"`
		SymbolB     string  `json:"symbol_b"`
		Correlation float64 `json:"correlation"`
	}

	rows, err := trx.Query(ctx,
		`SELECT symbol_a, symbol_b, correlation FROM pairwise_correlations
		 WHERE calculation_id = $1 ORDER BY symbol_a, symbol_b`, calcID)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return fiber.ErrInternalServerError
	}

	pairs := make([]pairRow, 0)
	for rows.Next() {
		var row pairRow
		if err := rows.Scan(&row.SymbolA, &row.SymbolB, &row.Correlation); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return fiber.ErrInternalServerError
		}
		pairs = append(pairs, row)
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return c.JSON(Envelope{Available: true, Data: fiber.Map{
		"average_correlation": avg,
		"pairs":               pairs,
	}})
}

// GetStressTests returns the per-scenario stress results for a date
func GetStressTests(c *fiber.Ctx) error {
	portfolioID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
	}

	ctx := c.UserContext()
	date, err := resolveDate(ctx, c, portfolioID, "stress_test_results", "calculation_date")
	if err != nil {
		return c.JSON(Envelope{Available: false})
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	type stressRow struct {
		ScenarioID    string   `json:"scenario_id"`
		Scenario      string   `json:"scenario"`
		CorrelatedPnL *float64 `json:"correlated_pnl"`
		DirectPnL     *float64 `json:"direct_pnl"`
	}

	rows, err := trx.Query(ctx,
		`SELECT r.scenario_id, COALESCE(s.name, ''), r.correlated_pnl, r.direct_pnl, r.data_quality
		 FROM stress_test_results r LEFT JOIN stress_test_scenarios s ON s.id = r.scenario_id
		 WHERE r.portfolio_id = $1 AND r.calculation_date = $2
		 ORDER BY r.scenario_id`, portfolioID, date)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return fiber.ErrInternalServerError
	}

	results := make([]stressRow, 0)
	var quality json.RawMessage
	populated := false
	for rows.Next() {
		var row stressRow
		var rowQuality json.RawMessage
		if err := rows.Scan(&row.ScenarioID, &row.Scenario, &row.CorrelatedPnL, &row.DirectPnL, &rowQuality); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return fiber.ErrInternalServerError
		}
		if rowQuality != nil {
			quality = rowQuality
			continue
		}
		populated = true
		results = append(results, row)
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if !populated {
		return c.JSON(Envelope{Available: false, DataQuality: quality})
	}
	return c.JSON(Envelope{Available: true, Data: results})
}

// GetSnapshot returns the portfolio snapshot for a date
func GetSnapshot(c *fiber.Ctx) error {
	portfolioID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
	}

	ctx := c.UserContext()
	date, err := resolveDate(ctx, c, portfolioID, "portfolio_snapshots", "snapshot_date")
	if err != nil {
		return c.JSON(Envelope{Available: false})
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	snapshot := fiber.Map{}
	var totalValue, cashBalance, longValue, shortValue, gross, net, dailyReturn float64
	var positionCount int
	err = trx.QueryRow(ctx,
		`SELECT total_value, cash_balance, long_value, short_value, gross_exposure, net_exposure,
		        daily_return, position_count
		 FROM portfolio_snapshots WHERE portfolio_id = $1 AND snapshot_date = $2`,
		portfolioID, date).Scan(&totalValue, &cashBalance, &longValue, &shortValue, &gross, &net,
		&dailyReturn, &positionCount)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if err == pgx.ErrNoRows {
			return c.JSON(Envelope{Available: false})
		}
		return fiber.ErrInternalServerError
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	snapshot["snapshot_date"] = date.Format("2006-01-02")
	snapshot["total_value"] = totalValue
	snapshot["cash_balance"] = cashBalance
	snapshot["long_value"] = longValue
	snapshot["short_value"] = shortValue
	snapshot["gross_exposure"] = gross
	snapshot["net_exposure"] = net
	snapshot["daily_return"] = dailyReturn
	snapshot["position_count"] = positionCount

	return c.JSON(Envelope{Available: true, Data: snapshot})
}
