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
	"time"
)

// Bar is a single OHLCV observation for a symbol on a trading day. Close
// prices are provider-adjusted; the presence of a row in the market data
// cache means it is the authoritative close for that (symbol, date).
type Bar struct {
	Symbol   string
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   int64
	Source   string
}

// FetchResult is the outcome of a provider-chain fetch. The chain always
// returns a result; symbols no provider could satisfy are listed in
// Unavailable rather than surfaced as an error.
type FetchResult struct {
	Bars           map[string][]Bar
	ProviderCounts map[string]int
	Unavailable    []string
}

// Profile describes a company; sector/industry/country feed the symbol
// universe. Values are never truncated to fit a column.
type Profile struct {
	Symbol   string
	Name     string
	Sector   string
	Industry string
	Country  string
}

// Scope controls which symbols a batch run must have data for
type Scope struct {
	// PortfolioID limits the run to a single portfolio's symbols; empty
	// means global
	PortfolioID string
}

// Global reports whether the scope covers all active portfolios
func (s Scope) Global() bool {
	return s.PortfolioID == ""
}
