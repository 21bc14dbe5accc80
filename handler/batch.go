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
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/batch"
)

var (
	orchestrator *batch.Orchestrator
	tracker      *batch.Tracker
)

// SetOrchestrator wires the orchestrator instance the handlers dispatch to
func SetOrchestrator(o *batch.Orchestrator, t *batch.Tracker) {
	orchestrator = o
	tracker = t
}

type runBatchRequest struct {
	Start        string   `json:"start"`
	End          string   `json:"end"`
	PortfolioIDs []string `json:"portfolio_ids"`
	Force        bool     `json:"force"`
}

// RunBatch starts a global batch run in the background and returns the batch
// run id for polling. Admin surface; the run itself is detached from the
// request context so a client disconnect does not cancel it.
func RunBatch(c *fiber.Ctx) error {
	var req runBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "malformed request body", "data": nil})
	}

	opts := batch.Options{
		Source:      batch.SourceAdmin,
		TriggeredBy: "admin",
		Force:       req.Force,
	}

	var err error
	if req.Start != "" {
		if opts.Start, err = time.Parse("2006-01-02", req.Start); err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(fiber.Map{"status": "error", "message": "start must be YYYY-MM-DD", "data": nil})
		}
	}
	if req.End != "" {
		if opts.End, err = time.Parse("2006-01-02", req.End); err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(fiber.Map{"status": "error", "message": "end must be YYYY-MM-DD", "data": nil})
		}
	}
	for _, raw := range req.PortfolioIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
		}
		opts.PortfolioIDs = append(opts.PortfolioIDs, id)
	}

	runID, err := orchestrator.StartDailyBatchWithBackfill(c.UserContext(), opts)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not start batch run")
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"status": "error", "message": "could not start batch run", "data": nil})
	}

	return c.Status(fiber.StatusAccepted).
		JSON(fiber.Map{"status": "accepted", "batch_run_id": runID.String()})
}

// Recalculate triggers a scoped backfill for one portfolio (settings surface)
func Recalculate(c *fiber.Ctx) error {
	portfolioID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid portfolio id", "data": nil})
	}

	runID, err := orchestrator.StartPortfolioOnboardingBackfill(c.UserContext(), portfolioID, batch.SourceSettings)
	if err != nil {
		log.Error().Stack().Err(err).Str("PortfolioID", portfolioID.String()).Msg("could not start recalculate run")
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"status": "error", "message": "could not start recalculate run", "data": nil})
	}

	return c.Status(fiber.StatusAccepted).
		JSON(fiber.Map{"status": "accepted", "batch_run_id": runID.String()})
}

// BatchStatus reports the state of one batch run. The in-memory tracker
// answers for live runs; the persisted history record is authoritative once
// the run is gone from memory.
func BatchStatus(c *fiber.Ctx) error {
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "invalid batch run id", "data": nil})
	}

	if tracker != nil {
		if run, ok := tracker.Get(runID); ok {
			return c.JSON(fiber.Map{
				"batch_run_id": run.ID.String(),
				"status":       run.Status,
				"source":       run.Source,
				"started_at":   run.StartedAt,
				"current_date": run.CurrentDate,
				"total_jobs":   run.TotalJobs,
				"successful":   run.Successful,
				"failed":       run.Failed,
			})
		}
	}

	record, err := batch.LoadHistory(c.UserContext(), runID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).
			JSON(fiber.Map{"status": "error", "message": "batch run not found", "data": nil})
	}

	return c.JSON(fiber.Map{
		"batch_run_id":  record.ID.String(),
		"status":        record.Status,
		"source":        record.Source,
		"started_at":    record.StartedAt,
		"completed_at":  record.CompletedAt,
		"total_jobs":    record.TotalJobs,
		"successful":    record.Successful,
		"failed":        record.Failed,
		"error_summary": record.ErrorSummary,
	})
}
