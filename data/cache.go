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
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/data/database"
	"github.com/sigmasight/ss-api/observability/opentelemetry"
	"go.opentelemetry.io/otel"
)

// Cache is the content-addressed store of (symbol, date) OHLCV rows. Upserts
// are idempotent: two identical fetches over the same range produce the same
// cache content.
type Cache struct {
}

func NewCache() *Cache {
	return &Cache{}
}

// UpsertBars writes bars into market_data_cache with ON CONFLICT DO NOTHING
// and advances the symbol_universe date bounds. Returns the number of new
// rows inserted.
func (c *Cache) UpsertBars(ctx context.Context, bars []Bar) (int64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cache.UpsertBars")
	defer span.End()

	if len(bars) == 0 {
		return 0, nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction for bar upsert")
		return 0, err
	}

	var inserted int64
	for _, bar := range bars {
		tag, err := trx.Exec(ctx,
			`INSERT INTO market_data_cache (symbol, event_date, open, high, low, close, adj_close, volume, source_provider, ingested_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (symbol, event_date) DO NOTHING`,
			bar.Symbol, bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.AdjClose,
			bar.Volume, bar.Source, time.Now().UTC())
		if err != nil {
			log.Error().Stack().Err(err).Str("Symbol", bar.Symbol).Time("EventDate", bar.Date).
				Msg("could not upsert market data row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return 0, err
		}
		inserted += tag.RowsAffected()

		_, err = trx.Exec(ctx,
			`UPDATE symbol_universe
			 SET earliest_date = LEAST(earliest_date, $2), latest_date = GREATEST(latest_date, $2)
			 WHERE symbol = $1`,
			bar.Symbol, bar.Date)
		if err != nil {
			log.Error().Stack().Err(err).Str("Symbol", bar.Symbol).Msg("could not update universe date bounds")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return 0, err
		}
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit bar upsert")
		return 0, err
	}
	return inserted, nil
}

// ClosesOn returns the adjusted close for each symbol on the given date.
// Symbols with no cached row are absent from the map.
func (c *Cache) ClosesOn(ctx context.Context, symbols []string, date time.Time) (map[string]float64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cache.ClosesOn")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		"SELECT symbol, adj_close FROM market_data_cache WHERE symbol = ANY($1) AND event_date = $2",
		symbols, date)
	if err != nil {
		log.Error().Stack().Err(err).Time("Date", date).Msg("could not query closes")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	closes := make(map[string]float64, len(symbols))
	for rows.Next() {
		var symbol string
		var px float64
		if err := rows.Scan(&symbol, &px); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		closes[symbol] = px
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return closes, nil
}

// CloseHistory returns adjusted closes keyed by symbol then by midnight-UTC
// date over the closed range [begin, end]
func (c *Cache) CloseHistory(ctx context.Context, symbols []string, begin, end time.Time) (map[string]map[time.Time]float64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cache.CloseHistory")
	defer span.End()

	if end.Before(begin) {
		return nil, ErrInvalidTimeRange
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		`SELECT symbol, event_date, adj_close FROM market_data_cache
		 WHERE symbol = ANY($1) AND event_date BETWEEN $2 AND $3
		 ORDER BY symbol, event_date`,
		symbols, begin, end)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not query close history")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	history := make(map[string]map[time.Time]float64, len(symbols))
	for rows.Next() {
		var symbol string
		var eventDate time.Time
		var px float64
		if err := rows.Scan(&symbol, &eventDate, &px); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		if _, ok := history[symbol]; !ok {
			history[symbol] = make(map[time.Time]float64, 260)
		}
		history[symbol][eventDate.UTC().Truncate(24*time.Hour)] = px
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return history, nil
}

// CachedSymbols lists every symbol present in the market data cache; the
// global batch mode refreshes all of them
func (c *Cache) CachedSymbols(ctx context.Context) ([]string, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT DISTINCT symbol FROM market_data_cache ORDER BY symbol")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not query cached symbols")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	symbols := make([]string, 0, 1000)
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
