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

package cmd

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/common"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(seedCmd)
}

// demo factor definitions matching the default factor ETF list
var seedFactors = []struct {
	name string
	etf  string
}{
	{"Market", "SPY"},
	{"Value", "VTV"},
	{"Growth", "VUG"},
	{"Momentum", "MTUM"},
	{"Quality", "QUAL"},
	{"Size", "SLY"},
	{"LowVol", "USMV"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo data for local development",
	Long:  `Insert the factor definitions, a demo user, and a demo portfolio with a handful of positions. Safe to re-run; inserts are idempotent.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not connect to database")
		}

		trx, err := database.Trx(ctx)
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not begin transaction")
		}

		for idx, factor := range seedFactors {
			if _, err := trx.Exec(ctx,
				`INSERT INTO factor_definitions (id, name, etf_symbol, active)
				 VALUES ($1, $2, $3, true) ON CONFLICT (id) DO NOTHING`,
				idx+1, factor.name, factor.etf); err != nil {
				log.Fatal().Stack().Err(err).Str("Factor", factor.name).Msg("could not seed factor definition")
			}
		}

		userID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
		portfolioID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

		if _, err := trx.Exec(ctx,
			`INSERT INTO users (id, email) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			userID, "demo@example.com"); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not seed demo user")
		}

		if _, err := trx.Exec(ctx,
			`INSERT INTO portfolios (id, user_id, account_name, account_type, equity_balance)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			portfolioID, userID, "Demo Growth", "taxable", 25000.0); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not seed demo portfolio")
		}

		entryDate := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
		positions := []struct {
			symbol   string
			quantity float64
			price    float64
			class    string
		}{
			{"AAPL", 100, 185.50, "PUBLIC"},
			{"MSFT", 50, 415.25, "PUBLIC"},
			{"NVDA", -25, 138.00, "PUBLIC"},
			{"SPY", 40, 590.10, "PUBLIC"},
		}
		for _, pos := range positions {
			if _, err := trx.Exec(ctx,
				`INSERT INTO positions (id, portfolio_id, symbol, quantity, entry_price, entry_date, investment_class)
				 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
				uuid.NewSHA1(portfolioID, []byte(pos.symbol)), portfolioID, pos.symbol,
				pos.quantity, pos.price, entryDate, pos.class); err != nil {
				log.Fatal().Stack().Err(err).Str("Symbol", pos.symbol).Msg("could not seed position")
			}
		}

		if err := trx.Commit(ctx); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not commit seed data")
		}
		log.Info().Msg("seeded demo data")
	},
}
