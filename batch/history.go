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

// Package batch composes the calendar, provider chain, universe resolver,
// cache, calculation engines and watermark service into phased runs. A run is
// either global (daily with backfill) or scoped to a single portfolio
// (onboarding backfill).
package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
)

// Run statuses; a history record always reaches a terminal state, even on
// crash or cancellation
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run sources; each invocation surface names itself
const (
	SourceCron       = "cron"
	SourceOnboarding = "onboarding"
	SourceAdmin      = "admin"
	SourceSettings   = "settings"
)

// HistoryRecord is the persisted lifecycle of one batch invocation
type HistoryRecord struct {
	ID           uuid.UUID
	Status       string
	TriggeredBy  string
	Source       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	TotalJobs    int
	Successful   int
	Failed       int
	ErrorSummary string
}

// CreateHistory inserts the record with status running. The write is
// synchronous; the run does not begin until the row exists.
func CreateHistory(ctx context.Context, record *HistoryRecord) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO batch_run_history (id, status, triggered_by, source, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID, StatusRunning, record.TriggeredBy, record.Source, record.StartedAt)
	if err != nil {
		log.Error().Stack().Err(err).Str("BatchRunID", record.ID.String()).Msg("could not create batch run history")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}

// FinishHistory moves the record to a terminal state with counts and an
// error summary. Callers invoke it from a deferred handler with a fresh
// context so a cancelled run still records its outcome.
func FinishHistory(ctx context.Context, record *HistoryRecord) error {
	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record.CompletedAt = &now

	_, err = trx.Exec(ctx,
		`UPDATE batch_run_history
		 SET status = $2, completed_at = $3, total_jobs = $4, successful = $5, failed = $6, error_summary = $7
		 WHERE id = $1`,
		record.ID, record.Status, record.CompletedAt, record.TotalJobs, record.Successful,
		record.Failed, record.ErrorSummary)
	if err != nil {
		log.Error().Stack().Err(err).Str("BatchRunID", record.ID.String()).Msg("could not finish batch run history")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}

// LoadHistory reads one run's record for status polling
func LoadHistory(ctx context.Context, batchRunID uuid.UUID) (*HistoryRecord, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	record := &HistoryRecord{}
	err = trx.QueryRow(ctx,
		`SELECT id, status, triggered_by, source, started_at, completed_at,
		        COALESCE(total_jobs, 0), COALESCE(successful, 0), COALESCE(failed, 0),
		        COALESCE(error_summary, '')
		 FROM batch_run_history WHERE id = $1`, batchRunID).Scan(
		&record.ID, &record.Status, &record.TriggeredBy, &record.Source, &record.StartedAt,
		&record.CompletedAt, &record.TotalJobs, &record.Successful, &record.Failed,
		&record.ErrorSummary)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return record, nil
}
