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

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ProfileFetcher enriches universe symbols with company profiles. Profile
// fetch failures are warnings, never batch failures.
type ProfileFetcher struct {
	fmp  *fmp
	memo *lru.Cache
}

// NewProfileFetcher returns a fetcher backed by FMP, or nil when no FMP key
// is configured (profiles are then skipped for the run)
func NewProfileFetcher() *ProfileFetcher {
	token := viper.GetString("providers.fmp.token")
	if token == "" {
		return nil
	}

	memo, err := lru.New(2048)
	if err != nil {
		log.Panic().Err(err).Msg("could not create profile cache")
	}

	return &ProfileFetcher{
		fmp:  NewFMP(token),
		memo: memo,
	}
}

// FetchAndStore retrieves profiles for any symbols not seen this process
// lifetime and persists them. Returns the count of profiles stored.
func (pf *ProfileFetcher) FetchAndStore(ctx context.Context, symbols []string) int {
	stored := 0
	for _, symbol := range symbols {
		if _, ok := pf.memo.Get(symbol); ok {
			continue
		}

		profile, err := pf.fmp.FetchProfile(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("Symbol", symbol).Msg("could not fetch company profile")
			continue
		}

		if err := UpdateProfile(ctx, profile); err != nil {
			log.Warn().Err(err).Str("Symbol", symbol).Msg("could not store company profile")
			continue
		}

		pf.memo.Add(symbol, true)
		stored++
	}
	return stored
}
