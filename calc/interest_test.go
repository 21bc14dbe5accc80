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

package calc_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sigmasight/ss-api/calc"
	"github.com/sigmasight/ss-api/portfolio"
)

var _ = Describe("Position interest engine", func() {
	var date time.Time

	BeforeEach(func() {
		date = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		viper.Set("interest.coupon_rate", 0.0365)
	})

	AfterEach(func() {
		viper.Reset()
	})

	fixedIncome := func(subtype string) *portfolio.Position {
		return &portfolio.Position{
			ID:                uuid.New(),
			Symbol:            "T-2030",
			Quantity:          100,
			EntryPrice:        1000,
			EntryDate:         time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
			InvestmentClass:   portfolio.ClassPublic,
			InvestmentSubtype: subtype,
		}
	}

	It("accrues one day of coupon on face value", func() {
		accruals := calc.RunPositionInterest([]*portfolio.Position{fixedIncome(calc.SubtypeBond)}, date)
		Expect(accruals).To(HaveLen(1))
		// 100 * 1000 * 0.0365 / 365 = 10 per day
		Expect(accruals[0].Amount).To(BeNumerically("~", 10.0, 1e-9))
		Expect(accruals[0].AccrualDate).To(Equal(date))
	})

	It("accrues for treasury and money market subtypes", func() {
		positions := []*portfolio.Position{
			fixedIncome(calc.SubtypeTreasury),
			fixedIncome(calc.SubtypeMoneyMarket),
		}
		Expect(calc.RunPositionInterest(positions, date)).To(HaveLen(2))
	})

	It("ignores equity positions", func() {
		equity := fixedIncome("")
		Expect(calc.RunPositionInterest([]*portfolio.Position{equity}, date)).To(BeEmpty())
	})

	It("ignores positions not active on the date", func() {
		pos := fixedIncome(calc.SubtypeBond)
		exit := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
		pos.ExitDate = &exit
		Expect(calc.RunPositionInterest([]*portfolio.Position{pos}, date)).To(BeEmpty())
	})
})
