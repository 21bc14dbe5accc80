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

	"github.com/go-co-op/gocron"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/batch"
	"github.com/sigmasight/ss-api/common"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/handler"
	"github.com/sigmasight/ss-api/observability/opentelemetry"
	"github.com/sigmasight/ss-api/router"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.BindEnv("server.port", "PORT")
	serveCmd.Flags().IntP("port", "p", 3000, "Port to run application server on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	viper.BindEnv("batch.schedule", "SS_BATCH_SCHEDULE")
	serveCmd.Flags().String("batch-schedule", "21:30", "Local New York time to start the nightly batch")
	viper.BindPFlag("batch.schedule", serveCmd.Flags().Lookup("batch-schedule"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analytics API server and nightly batch scheduler",
	Long:  `Run the HTTP server that serves analytics reads, batch invocation endpoints, and the weekday batch schedule`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()
		ctx := context.Background()

		shutdownTracing, err := opentelemetry.Setup()
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not initialize tracing")
		}
		defer func() {
			if err := shutdownTracing(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not shutdown tracing")
			}
		}()

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Stack().Err(err).Msg("could not connect to database")
		}

		tracker := batch.NewTracker()
		orchestrator, err := batch.New(tracker)
		if err != nil {
			log.Fatal().Stack().Err(err).Msg("could not build batch orchestrator")
		}
		handler.SetOrchestrator(orchestrator, tracker)

		app := fiber.New()

		// shutdown cleanly on interrupt
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		go func() {
			sig := <-c
			log.Info().Str("Signal", sig.String()).Msg("received signal; shutting down")
			if err := app.Shutdown(); err != nil {
				log.Fatal().Stack().Err(err).Msg("could not shutdown server")
			}
		}()

		app.Use(cors.New(cors.Config{
			AllowOrigins: viper.GetString("server.cors_origins"),
			AllowHeaders: "*",
			AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH",
		}))

		router.SetupRoutes(app)

		// nightly batch after US market close, weekdays only; the calendar
		// inside the orchestrator skips holidays
		scheduler := gocron.NewScheduler(common.GetTimezone())
		scheduler.Every(1).Monday().Tuesday().Wednesday().Thursday().Friday().
			At(viper.GetString("batch.schedule")).Do(func() {
				_, err := orchestrator.RunDailyBatchWithBackfill(context.Background(), batch.Options{
					Source:      batch.SourceCron,
					TriggeredBy: "scheduler",
				})
				if err != nil {
					log.Error().Stack().Err(err).Msg("nightly batch run failed")
				}
			})
		scheduler.StartAsync()

		if err := app.Listen(":" + viper.GetString("server.port")); err != nil {
			log.Error().Stack().Err(err).Msg("server stopped")
		}

		// cancel detached admin runs and wait for their terminal history
		// writes before the process exits
		orchestrator.Shutdown()
	},
}
