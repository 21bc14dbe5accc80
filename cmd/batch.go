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
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/batch"
	"github.com/sigmasight/ss-api/common"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/spf13/cobra"
)

var (
	batchStart string
	batchEnd   string
	batchForce bool
)

func init() {
	batchCmd.Flags().StringVar(&batchStart, "start", "", "First date to process (YYYY-MM-DD); default derives from the watermark")
	batchCmd.Flags().StringVar(&batchEnd, "end", "", "Last date to process (YYYY-MM-DD); default today")
	batchCmd.Flags().BoolVar(&batchForce, "force", false, "Reprocess trading days that already have snapshots; non-trading days are never processed")

	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the global daily batch with backfill once and exit",
	Long: `Run the global batch: ingest market data for the resolved universe, then
process every (date, portfolio) pair the watermark service reports as
missing. The exit status is non-zero only when a portfolio failed during
the calculation phases; provider gaps alone are warnings.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not connect to database")
		}

		opts := batch.Options{
			Source:      batch.SourceCron,
			TriggeredBy: "cli",
			Force:       batchForce,
		}

		var err error
		if batchStart != "" {
			if opts.Start, err = time.Parse("2006-01-02", batchStart); err != nil {
				log.Fatal().Err(err).Str("Start", batchStart).Msg("could not parse start date")
			}
		}
		if batchEnd != "" {
			if opts.End, err = time.Parse("2006-01-02", batchEnd); err != nil {
				log.Fatal().Err(err).Str("End", batchEnd).Msg("could not parse end date")
			}
		}

		orchestrator, err := batch.New(nil)
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not build batch orchestrator")
		}

		runID, err := orchestrator.RunDailyBatchWithBackfill(ctx, opts)
		if err != nil {
			log.Error().Stack().Err(err).Str("BatchRunID", runID.String()).Msg("batch run failed")
			os.Exit(1)
		}
		log.Info().Str("BatchRunID", runID.String()).Msg("batch run completed")
	},
}
