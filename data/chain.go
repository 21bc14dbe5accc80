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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/ss-api/observability/opentelemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Chain fetches OHLCV bars from an ordered list of providers. Each provider
// is tried for the subset of symbols earlier providers could not satisfy. A
// provider succeeds for a symbol iff it returns at least one valid bar in the
// requested range. Fetch never fails for missing symbols; it reports them.
type Chain struct {
	providers   []Provider
	limiters    map[string]*rate.Limiter
	batchSize   int
	concurrency int
	timeout     time.Duration
	maxRetries  uint64
}

// NewChain creates a provider chain with batching and concurrency settings
// pulled from viper (batch.symbol_batch_size, batch.fetch_concurrency,
// batch.fetch_timeout_seconds)
func NewChain(providers []Provider, limiters map[string]*rate.Limiter) *Chain {
	batchSize := viper.GetInt("batch.symbol_batch_size")
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := viper.GetInt("batch.fetch_concurrency")
	if concurrency <= 0 {
		concurrency = 3
	}
	timeout := viper.GetDuration("batch.fetch_timeout_seconds") * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Chain{
		providers:   providers,
		limiters:    limiters,
		batchSize:   batchSize,
		concurrency: concurrency,
		timeout:     timeout,
		maxRetries:  2,
	}
}

// Fetch retrieves bars for all symbols over [begin, end]. One symbol's
// failure never cascades to another; exhausting every provider for a symbol
// records it in FetchResult.Unavailable.
func (c *Chain) Fetch(ctx context.Context, symbols []string, begin time.Time, end time.Time) *FetchResult {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "chain.Fetch")
	defer span.End()

	result := &FetchResult{
		Bars:           make(map[string][]Bar, len(symbols)),
		ProviderCounts: make(map[string]int, len(c.providers)),
	}

	remaining := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		remaining[symbol] = true
	}

	for _, provider := range c.providers {
		if len(remaining) == 0 {
			break
		}

		pending := make([]string, 0, len(remaining))
		for symbol := range remaining {
			pending = append(pending, symbol)
		}
		sort.Strings(pending)

		fetched := c.fetchFromProvider(ctx, provider, pending, begin, end)
		for symbol, bars := range fetched {
			result.Bars[symbol] = bars
			result.ProviderCounts[provider.Name()]++
			delete(remaining, symbol)
		}
	}

	result.Unavailable = make([]string, 0, len(remaining))
	for symbol := range remaining {
		result.Unavailable = append(result.Unavailable, symbol)
	}
	sort.Strings(result.Unavailable)

	if len(result.Unavailable) > 0 {
		inline := result.Unavailable
		if len(inline) > 20 {
			inline = inline[:20]
		}
		log.Warn().Strs("Symbols", inline).Int("NumUnavailable", len(result.Unavailable)).
			Msg("no provider could satisfy symbols")
	}

	return result
}

// fetchFromProvider runs one provider over a symbol set in batches through a
// bounded worker pool. Provider clients are synchronous HTTP; the pool keeps
// their blocking calls off every other code path.
func (c *Chain) fetchFromProvider(ctx context.Context, provider Provider, symbols []string, begin, end time.Time) map[string][]Bar {
	var mu sync.Mutex
	fetched := make(map[string][]Bar, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(symbols); start += c.batchSize {
		stop := start + c.batchSize
		if stop > len(symbols) {
			stop = len(symbols)
		}
		batch := symbols[start:stop]

		g.Go(func() error {
			for _, symbol := range batch {
				if gctx.Err() != nil {
					// cancelled mid-run; finish the current unit and stop
					return nil
				}
				bars, err := c.fetchSymbol(gctx, provider, symbol, begin, end)
				if err != nil {
					log.Debug().Err(err).Str("Provider", provider.Name()).Str("Symbol", symbol).
						Msg("provider could not satisfy symbol")
					continue
				}
				mu.Lock()
				fetched[symbol] = bars
				mu.Unlock()
			}
			return nil
		})
	}

	// worker funcs never return errors; Wait only surfaces ctx cancellation
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("Provider", provider.Name()).Msg("fetch worker pool interrupted")
	}

	return fetched
}

// fetchSymbol applies the per-provider rate limit, per-symbol timeout and
// bounded exponential backoff (1s, 2s) around a single provider call
func (c *Chain) fetchSymbol(ctx context.Context, provider Provider, symbol string, begin, end time.Time) ([]Bar, error) {
	var bars []Bar

	operation := func() error {
		if limiter, ok := c.limiters[provider.Name()]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var err error
		bars, err = provider.FetchOHLCV(callCtx, symbol, begin, end)
		if err == ErrNoData || err == ErrInvalidTimeRange {
			// empty answers are authoritative; do not retry them
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), c.maxRetries))
	if err != nil {
		return nil, err
	}
	return bars, nil
}
