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

// Package tradecal classifies calendar dates as NYSE trading days. Dates are
// evaluated in US/Eastern; callers store and compare them as UTC dates.
package tradecal

import (
	"time"

	"github.com/sigmasight/ss-api/common"
)

// IsTradingDay returns true if the NYSE is open on the date of t
func IsTradingDay(t time.Time) bool {
	tz := common.GetTimezone()
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tz)

	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	return !IsMarketHoliday(d)
}

// TradingDays enumerates the trading days in the closed range [begin, end],
// ascending. Each entry is a midnight-UTC calendar date.
func TradingDays(begin time.Time, end time.Time) []time.Time {
	days := make([]time.Time, 0, 252)
	if end.Before(begin) {
		return days
	}

	cur := common.MidnightUTC(begin)
	last := common.MidnightUTC(end)
	for !cur.After(last) {
		if IsTradingDay(cur) {
			days = append(days, cur)
		}
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}
