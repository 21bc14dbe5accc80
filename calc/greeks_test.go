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
	"context"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sigmasight/ss-api/calc"
	"github.com/sigmasight/ss-api/portfolio"
)

var _ = Describe("Greeks engine", func() {
	var (
		ctx  context.Context
		date time.Time
		pos  *portfolio.Position
	)

	optionPosition := func(optType string) *portfolio.Position {
		underlying := "AAPL"
		strike := 100.0
		// exactly 365 days to expiry
		expiry := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		return &portfolio.Position{
			ID:               uuid.New(),
			Symbol:           "AAPL260310C00100000",
			Quantity:         1,
			EntryPrice:       5,
			EntryDate:        time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
			InvestmentClass:  portfolio.ClassOptions,
			UnderlyingSymbol: &underlying,
			StrikePrice:      &strike,
			ExpirationDate:   &expiry,
			OptionType:       &optType,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		date = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		pos = optionPosition(portfolio.OptionCall)

		viper.Set("greeks.risk_free_rate", 0.05)
		viper.Set("greeks.default_iv", 0.20)
	})

	AfterEach(func() {
		viper.Reset()
	})

	Context("when inputs are complete", func() {
		It("computes call greeks at the money", func() {
			// S=100 K=100 t=1 r=5% sigma=20%
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{"AAPL": 100}, nil)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))

			set := sets[0]
			Expect(set.Valid).To(BeTrue())
			Expect(set.Delta).To(BeNumerically("~", 0.6368, 1e-3))
			Expect(set.Gamma).To(BeNumerically("~", 0.01876, 1e-4))
			Expect(set.Vega).To(BeNumerically("~", 0.3752, 1e-3))
			Expect(set.Theta).To(BeNumerically("~", -0.01757, 1e-4))
			Expect(set.Rho).To(BeNumerically("~", 0.5323, 1e-3))
			Expect(set.IV).To(Equal(0.20))
		})

		It("computes put greeks with put-call parity on delta", func() {
			put := optionPosition(portfolio.OptionPut)
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{put}, date, map[string]float64{"AAPL": 100}, nil)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].Delta).To(BeNumerically("~", 0.6368-1, 1e-3))
			Expect(sets[0].Rho).To(BeNumerically("<", 0))
		})

		It("derives volatility from the underlying's return history", func() {
			// alternating +1%/-1% daily returns over 60 observations:
			// daily stdev ~0.01, annualized ~0.16
			closes := map[time.Time]float64{}
			px := 100.0
			day := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
			for idx := 0; idx < 61; idx++ {
				closes[day] = px
				if idx%2 == 0 {
					px *= 1.01
				} else {
					px *= 0.99
				}
				day = day.AddDate(0, 0, 1)
			}
			history := map[string]map[time.Time]float64{"AAPL": closes}

			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{"AAPL": 100}, history)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].Valid).To(BeTrue())
			Expect(sets[0].IV).NotTo(Equal(0.20))
			Expect(sets[0].IV).To(BeNumerically("~", 0.01*math.Sqrt(252), 0.02))
		})

		It("falls back to the default volatility on a short history", func() {
			short := map[string]map[time.Time]float64{"AAPL": {
				time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC): 99,
				time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC): 100,
			}}
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{"AAPL": 100}, short)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].IV).To(Equal(0.20))
		})
	})

	Context("when inputs are missing", func() {
		It("records a null set when the underlying spot is absent", func() {
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{}, nil)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].Valid).To(BeFalse())
		})

		It("records a null set for an expired option", func() {
			past := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
			*pos.ExpirationDate = past
			pos.EntryDate = time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{"AAPL": 100}, nil)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].Valid).To(BeFalse())
		})

		It("records a null set when option fields are missing", func() {
			pos.StrikePrice = nil
			sets, err := calc.RunGreeks(ctx, []*portfolio.Position{pos}, date, map[string]float64{"AAPL": 100}, nil)
			Expect(err).To(BeNil())
			Expect(sets).To(HaveLen(1))
			Expect(sets[0].Valid).To(BeFalse())
		})
	})

	It("ignores non-options positions", func() {
		equity := &portfolio.Position{
			ID:              uuid.New(),
			Symbol:          "AAPL",
			Quantity:        100,
			EntryPrice:      100,
			EntryDate:       time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
			InvestmentClass: portfolio.ClassPublic,
		}
		sets, err := calc.RunGreeks(ctx, []*portfolio.Position{equity}, date, map[string]float64{"AAPL": 100}, nil)
		Expect(err).To(BeNil())
		Expect(sets).To(BeEmpty())
	})
})
