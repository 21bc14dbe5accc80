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

package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sigmasight/ss-api/handler"
	"github.com/sigmasight/ss-api/middleware"
)

// SetupRoutes registers the API surface
func SetupRoutes(app *fiber.App) {
	app.Get("/ping", handler.Ping)

	api := app.Group("/v1", middleware.NewLogger(), middleware.InviteCode())

	batch := api.Group("/batch")
	batch.Post("/run", handler.RunBatch)
	batch.Get("/status/:id", handler.BatchStatus)

	portfolio := api.Group("/portfolio")
	portfolio.Post("/:id/recalculate", handler.Recalculate)
	portfolio.Get("/:id/factors", handler.GetFactorExposures)
	portfolio.Get("/:id/correlations", handler.GetCorrelations)
	portfolio.Get("/:id/stress", handler.GetStressTests)
	portfolio.Get("/:id/snapshot", handler.GetSnapshot)
}
