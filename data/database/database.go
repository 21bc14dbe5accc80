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

package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// PgxIface is the subset of pgxpool used by the application; tests substitute
// a pgxmock connection via SetPool
type PgxIface interface {
	Begin(context.Context) (pgx.Tx, error)
}

var (
	ErrLockNotAcquired = errors.New("advisory lock is held by another batch invocation")
)

var pool PgxIface
var openTransactions map[string]string

// SetPool replaces the process-wide connection pool
func SetPool(myPool PgxIface) {
	openTransactions = make(map[string]string)
	pool = myPool
}

// Connect establishes the pgx connection pool from database.url
func Connect(ctx context.Context) error {
	myPool, err := pgxpool.Connect(ctx, viper.GetString("database.url"))
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not connect to pool")
		return err
	}
	if err = myPool.Ping(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not ping database server")
		return err
	}
	SetPool(myPool)
	return nil
}

// LogOpenTransactions writes an INFO log for each open transaction
func LogOpenTransactions() {
	for k, v := range openTransactions {
		log.Info().Str("TrxId", k).Str("Caller", v).Msg("open transaction")
	}
}

// batchLockKey identifies the orchestrator advisory lock; two overlapping
// batch invocations must be serialized
const batchLockKey = 0x5153_4254 // 'SSBT'

// AcquireBatchLock takes the process-wide advisory lock for batch processing.
// Returns ErrLockNotAcquired when another invocation holds the lock.
func AcquireBatchLock(ctx context.Context) (pgx.Tx, error) {
	trx, err := Trx(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	if err := trx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", batchLockKey).Scan(&acquired); err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if !acquired {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, ErrLockNotAcquired
	}

	return trx, nil
}
