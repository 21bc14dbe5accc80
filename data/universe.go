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

package data

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/viper"
)

// ResolveUniverse computes the symbol set a batch run must have data for.
//
// Scoped mode (single portfolio): the portfolio's active position symbols
// plus the factor ETFs -- and nothing else. Widening a scoped run to the
// cached universe turns a minutes-long onboarding backfill into hours.
//
// Global mode: all active position symbols, factor ETFs, and every symbol
// already in the market data cache.
func ResolveUniverse(ctx context.Context, scope Scope, cache *Cache) ([]string, error) {
	symbols := make(map[string]bool, 100)

	for _, etf := range FactorETFs() {
		symbols[etf] = true
	}

	positionSymbols, err := activePositionSymbols(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, symbol := range positionSymbols {
		symbols[symbol] = true
	}

	if scope.Global() {
		cached, err := cache.CachedSymbols(ctx)
		if err != nil {
			return nil, err
		}
		for _, symbol := range cached {
			symbols[symbol] = true
		}
	}

	resolved := make([]string, 0, len(symbols))
	for symbol := range symbols {
		resolved = append(resolved, symbol)
	}
	sort.Strings(resolved)
	return resolved, nil
}

// FactorETFs returns the configured factor ETF proxies
func FactorETFs() []string {
	etfs := viper.GetStringSlice("factors.etfs")
	if len(etfs) == 0 {
		etfs = []string{"SPY", "VTV", "VUG", "MTUM", "QUAL", "SLY", "USMV"}
	}
	return etfs
}

func activePositionSymbols(ctx context.Context, scope Scope) ([]string, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	// options positions are priced against their underlying
	sql := `SELECT DISTINCT COALESCE(underlying_symbol, symbol) FROM positions
		WHERE exit_date IS NULL AND investment_class != 'PRIVATE'`
	args := []interface{}{}
	if !scope.Global() {
		sql += " AND portfolio_id = $1"
		args = append(args, scope.PortfolioID)
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", scope.PortfolioID).Msg("could not query position symbols")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	symbols := make([]string, 0, 100)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		symbols = append(symbols, symbol)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return symbols, nil
}

// EnsureSymbols upserts any missing symbols into symbol_universe before a
// run. Universe entries are never deleted.
func EnsureSymbols(ctx context.Context, symbols []string) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, symbol := range symbols {
		_, err := trx.Exec(ctx,
			`INSERT INTO symbol_universe (symbol, created_at) VALUES ($1, $2)
			 ON CONFLICT (symbol) DO NOTHING`,
			symbol, now)
		if err != nil {
			log.Error().Stack().Err(err).Str("Symbol", symbol).Msg("could not upsert universe symbol")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit universe upsert")
		return err
	}
	return nil
}

// UpdateProfile records company profile attributes on the universe entry.
// Values are stored whole; the columns are sized so nothing realistic needs
// truncation, and anything that still will not fit is logged with its full
// value rather than silently cut.
func UpdateProfile(ctx context.Context, profile *Profile) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO company_profiles (symbol, name, sector, industry, country, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (symbol) DO UPDATE
		 SET name = EXCLUDED.name, sector = EXCLUDED.sector, industry = EXCLUDED.industry,
		     country = EXCLUDED.country, updated_at = EXCLUDED.updated_at`,
		profile.Symbol, profile.Name, profile.Sector, profile.Industry, profile.Country, time.Now().UTC())
	if err != nil {
		log.Error().Stack().Err(err).Str("Symbol", profile.Symbol).Msg("could not upsert company profile")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	_, err = trx.Exec(ctx,
		`UPDATE symbol_universe SET sector = $2, industry = $3, country = $4 WHERE symbol = $1`,
		profile.Symbol, profile.Sector, profile.Industry, profile.Country)
	if err != nil {
		log.Error().Stack().Err(err).Str("Symbol", profile.Symbol).Msg("could not update universe profile fields")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}
