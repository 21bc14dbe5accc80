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

package tradecal

import (
	"sync"
	"time"

	"github.com/sigmasight/ss-api/common"
)

var (
	holidayLock  sync.Mutex
	holidayCache = map[int]map[time.Time]bool{}
)

// IsMarketHoliday returns true if the specified date is an NYSE holiday
// (observed date when the holiday falls on a weekend)
func IsMarketHoliday(t time.Time) bool {
	tz := common.GetTimezone()
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tz)

	holidayLock.Lock()
	defer holidayLock.Unlock()

	year := d.Year()
	if _, ok := holidayCache[year]; !ok {
		holidayCache[year] = computeHolidays(year)
	}
	return holidayCache[year][d]
}

// computeHolidays builds the observed NYSE holiday set for a year
func computeHolidays(year int) map[time.Time]bool {
	tz := common.GetTimezone()
	set := make(map[time.Time]bool, 10)

	add := func(t time.Time) {
		set[observed(t)] = true
	}

	// New Year's Day; when Jan 1 is a Saturday the NYSE does not observe it
	// in the prior year, so no Dec 31 holiday is produced here
	newYears := time.Date(year, time.January, 1, 0, 0, 0, 0, tz)
	if newYears.Weekday() != time.Saturday {
		add(newYears)
	}

	add(nthWeekday(year, time.January, time.Monday, 3))   // MLK Jr. Day
	add(nthWeekday(year, time.February, time.Monday, 3))  // Washington's Birthday
	add(goodFriday(year))                                 // Good Friday
	add(lastWeekday(year, time.May, time.Monday))         // Memorial Day
	if year >= 2022 {
		add(time.Date(year, time.June, 19, 0, 0, 0, 0, tz)) // Juneteenth
	}
	add(time.Date(year, time.July, 4, 0, 0, 0, 0, tz))    // Independence Day
	add(nthWeekday(year, time.September, time.Monday, 1)) // Labor Day
	add(nthWeekday(year, time.November, time.Thursday, 4)) // Thanksgiving
	add(time.Date(year, time.December, 25, 0, 0, 0, 0, tz)) // Christmas

	return set
}

// observed shifts weekend holidays to the adjacent weekday: Sat -> Fri,
// Sun -> Mon
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

// nthWeekday returns the n-th weekday of the given month, e.g. the third
// Monday of January
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	tz := common.GetTimezone()
	t := time.Date(year, month, 1, 0, 0, 0, 0, tz)
	count := 0
	for {
		if t.Weekday() == weekday {
			count++
			if count == n {
				return t
			}
		}
		t = t.AddDate(0, 0, 1)
	}
}

// lastWeekday returns the final weekday of the given month, e.g. the last
// Monday of May
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	tz := common.GetTimezone()
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, tz).AddDate(0, 0, -1)
	for t.Weekday() != weekday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// goodFriday is two days before Easter Sunday (Anonymous Gregorian algorithm)
func goodFriday(year int) time.Time {
	tz := common.GetTimezone()

	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1

	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, tz)
	return easter.AddDate(0, 0, -2)
}
