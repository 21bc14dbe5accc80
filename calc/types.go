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

// Package calc holds the eight stateless calculation engines. Engines read
// the market data cache pinned at a calculation date plus outputs of engines
// earlier in the fixed order: Greeks, MarketValues, SymbolFactors,
// FactorAggregation, Correlations, StressTests, Snapshot. A later engine
// never mutates the inputs of an earlier one.
package calc

import (
	"errors"
	"sort"
	"time"
)

// Data quality flags; a skip payload records absence of data as a success
// state, not a failure
const (
	FlagFullHistory         = "full_history"
	FlagLimitedHistory      = "limited_history"
	FlagNoPublicPositions   = "no_public_positions"
	FlagInsufficientData    = "insufficient_data"
	FlagInsufficientHistory = "insufficient_history"
	FlagNoFactorExposures   = "no_factor_exposures"
	FlagNoCalculations      = "NO_CALCULATIONS"
)

var (
	ErrNoFactors = errors.New("no active factor definitions")
)

// DataQuality describes why (or how completely) a calculation ran. It is
// persisted as JSON alongside engine outputs and surfaced verbatim by the
// API layer.
type DataQuality struct {
	Flag              string `json:"flag"`
	Message           string `json:"message,omitempty"`
	PositionsAnalyzed *int   `json:"positions_analyzed,omitempty"`
	PositionsTotal    *int   `json:"positions_total,omitempty"`
	PositionsSkipped  *int   `json:"positions_skipped,omitempty"`
	DataDays          *int   `json:"data_days,omitempty"`
}

func intPtr(v int) *int {
	return &v
}

// Factor is a global configuration row loaded once per run and treated as
// immutable input
type Factor struct {
	ID     int
	Name   string
	ETF    string
	Active bool
}

// alignedReturns computes daily log-free simple returns for two close series
// on their common dates, ascending. Used by the correlation and factor
// engines.
func alignedReturns(a, b map[time.Time]float64) (retA, retB []float64) {
	dates := make([]time.Time, 0, len(a))
	for dt := range a {
		if _, ok := b[dt]; ok {
			dates = append(dates, dt)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	retA = make([]float64, 0, len(dates))
	retB = make([]float64, 0, len(dates))
	for idx := 1; idx < len(dates); idx++ {
		prevA, curA := a[dates[idx-1]], a[dates[idx]]
		prevB, curB := b[dates[idx-1]], b[dates[idx]]
		if prevA == 0 || prevB == 0 {
			continue
		}
		retA = append(retA, curA/prevA-1)
		retB = append(retB, curB/prevB-1)
	}
	return retA, retB
}

// returnSeries converts a close series map into ascending date-aligned simple
// returns; the returned dates are those of the later observation in each pair
func returnSeries(closes map[time.Time]float64) (dates []time.Time, rets []float64) {
	ordered := make([]time.Time, 0, len(closes))
	for dt := range closes {
		ordered = append(ordered, dt)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	dates = make([]time.Time, 0, len(ordered))
	rets = make([]float64, 0, len(ordered))
	for idx := 1; idx < len(ordered); idx++ {
		prev := closes[ordered[idx-1]]
		if prev == 0 {
			continue
		}
		dates = append(dates, ordered[idx])
		rets = append(rets, closes[ordered[idx]]/prev-1)
	}
	return dates, rets
}
