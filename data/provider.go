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
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// Provider retrieves OHLCV bars from an external market data service. All
// implementations are synchronous HTTP clients; the chain isolates them behind
// a bounded worker pool so a slow fetch never stalls anything else.
type Provider interface {
	Name() string
	FetchOHLCV(ctx context.Context, symbol string, begin time.Time, end time.Time) ([]Bar, error)
}

const (
	ProviderYahoo   = "yahoo"
	ProviderFMP     = "fmp"
	ProviderPolygon = "polygon"
)

// NewProviderChain builds the priority chain from viper configuration.
// providers.priority lists provider names in fallback order; a provider with
// no API key configured is skipped with a warning.
func NewProviderChain() (*Chain, error) {
	priority := viper.GetStringSlice("providers.priority")
	if len(priority) == 0 {
		priority = []string{ProviderYahoo, ProviderFMP, ProviderPolygon}
	}

	providers := make([]Provider, 0, len(priority))
	limiters := make(map[string]*rate.Limiter, len(priority))

	for _, name := range priority {
		switch name {
		case ProviderYahoo:
			providers = append(providers, NewYahoo())
			limiters[name] = rate.NewLimiter(rate.Limit(rateOrDefault("providers.yahoo.rps", 2)), 5)
		case ProviderFMP:
			token := viper.GetString("providers.fmp.token")
			if token == "" {
				log.Warn().Msg("no FMP API key provided; skipping provider")
				continue
			}
			providers = append(providers, NewFMP(token))
			// FMP documents a 300 req/min quota
			limiters[name] = rate.NewLimiter(rate.Limit(rateOrDefault("providers.fmp.rps", 5)), 5)
		case ProviderPolygon:
			token := viper.GetString("providers.polygon.token")
			if token == "" {
				log.Warn().Msg("no Polygon API key provided; skipping provider")
				continue
			}
			providers = append(providers, NewPolygon(token))
			// free tier allows 5 req/min
			limiters[name] = rate.NewLimiter(rate.Limit(rateOrDefault("providers.polygon.rps", 5.0/60.0)), 1)
		default:
			log.Error().Str("Provider", name).Msg("unknown provider in providers.priority")
			return nil, ErrUnknownProvider
		}
	}

	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	return NewChain(providers, limiters), nil
}

func rateOrDefault(key string, def float64) float64 {
	if viper.IsSet(key) {
		return viper.GetFloat64(key)
	}
	return def
}
