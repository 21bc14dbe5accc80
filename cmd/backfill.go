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
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/batch"
	"github.com/sigmasight/ss-api/common"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill <portfolioID>",
	Args:  cobra.ExactArgs(1),
	Short: "Backfill a single portfolio from its earliest entry date",
	Long: `Run the scoped onboarding backfill for one portfolio. The run covers the
portfolio's earliest entry date through today, fetches data only for the
portfolio's symbols plus the factor ETFs, and leaves other portfolios
untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		portfolioID, err := uuid.Parse(args[0])
		if err != nil {
			log.Fatal().Err(err).Str("PortfolioID", args[0]).Msg("could not parse portfolio id")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not connect to database")
		}

		orchestrator, err := batch.New(nil)
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not build batch orchestrator")
		}

		runID, err := orchestrator.RunPortfolioOnboardingBackfill(ctx, portfolioID, batch.SourceOnboarding)
		if err != nil {
			log.Error().Stack().Err(err).Str("BatchRunID", runID.String()).Msg("backfill failed")
			os.Exit(1)
		}
		log.Info().Str("BatchRunID", runID.String()).Msg("backfill completed")
	},
}
