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

	"github.com/sigmasight/ss-api/calc"
)

var _ = Describe("Stress test engine", func() {
	portfolioID := "11111111-1111-1111-1111-111111111111"

	factors := []calc.Factor{
		{ID: 1, Name: "Market", ETF: "SPY", Active: true},
		{ID: 2, Name: "Value", ETF: "VTV", Active: true},
	}

	exposureSet := func() *calc.FactorExposureSet {
		return &calc.FactorExposureSet{
			PortfolioID:    portfolioID,
			Betas:          map[int]float64{1: 1.0, 2: 0.5},
			DollarExposure: map[int]float64{1: 100000, 2: 40000},
		}
	}

	// uncorrelated factors isolate the direct arithmetic
	zeroCorr := map[string]map[string]float64{
		"Market": {"Market": 1, "Value": 0},
		"Value":  {"Value": 1, "Market": 0},
	}

	It("computes direct P&L as shock times dollar exposure", func() {
		scenarios := []calc.Scenario{{
			ID: "market_down_10", Name: "Market -10%", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -0.10}, Active: true,
		}}

		set := calc.RunStressTests(portfolioID, exposureSet(), factors, zeroCorr, scenarios, 500000)
		Expect(set.Quality).To(BeNil())
		Expect(set.Results).To(HaveLen(1))
		Expect(set.Results[0].DirectPnL).To(BeNumerically("~", -10000, 1e-9))
		Expect(set.Results[0].CorrelatedPnL).To(BeNumerically("~", -10000, 1e-9))
	})

	It("propagates shocks to unshocked factors through the correlation matrix", func() {
		corr := map[string]map[string]float64{
			"Market": {"Market": 1, "Value": 0.6},
			"Value":  {"Value": 1, "Market": 0.6},
		}
		scenarios := []calc.Scenario{{
			ID: "market_down_10", Name: "Market -10%", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -0.10}, Active: true,
		}}

		set := calc.RunStressTests(portfolioID, exposureSet(), factors, corr, scenarios, 500000)
		Expect(set.Results[0].DirectPnL).To(BeNumerically("~", -10000, 1e-9))
		// correlated adds 0.6 * -0.10 * 40000 through the value factor
		Expect(set.Results[0].CorrelatedPnL).To(BeNumerically("~", -10000-2400, 1e-9))
	})

	It("caps losses at 99% of the baseline value", func() {
		scenarios := []calc.Scenario{{
			ID: "catastrophe", Name: "Catastrophe", Category: "hypothetical",
			Shocks: map[string]float64{"Market": -2.0}, Active: true,
		}}

		set := calc.RunStressTests(portfolioID, exposureSet(), factors, zeroCorr, scenarios, 100000)
		Expect(set.Results[0].CorrelatedPnL).To(Equal(-99000.0))
		Expect(set.Results[0].DirectPnL).To(Equal(-99000.0))
	})

	It("only moves spread factors when the scenario allows it", func() {
		spreadFactors := []calc.Factor{
			{ID: 1, Name: "Market", ETF: "SPY", Active: true},
			{ID: 3, Name: "Value-Growth Spread", ETF: "VTV", Active: true},
		}
		exposures := &calc.FactorExposureSet{
			PortfolioID:    portfolioID,
			Betas:          map[int]float64{1: 1.0, 3: 0.2},
			DollarExposure: map[int]float64{1: 100000, 3: 20000},
		}
		corr := map[string]map[string]float64{
			"Market":              {"Market": 1, "Value-Growth Spread": 0.5},
			"Value-Growth Spread": {"Value-Growth Spread": 1, "Market": 0.5},
		}
		shock := map[string]float64{"Market": -0.10}

		gated := calc.RunStressTests(portfolioID, exposures, spreadFactors, corr,
			[]calc.Scenario{{ID: "a", Name: "a", Shocks: shock, Active: true}}, 1e9)
		open := calc.RunStressTests(portfolioID, exposures, spreadFactors, corr,
			[]calc.Scenario{{ID: "b", Name: "b", Shocks: shock, SpreadResponse: true, Active: true}}, 1e9)

		Expect(gated.Results[0].CorrelatedPnL).To(BeNumerically("~", -10000, 1e-9))
		Expect(open.Results[0].CorrelatedPnL).To(BeNumerically("~", -10000-1000, 1e-9))
	})

	It("skips inactive scenarios", func() {
		scenarios := []calc.Scenario{{
			ID: "disabled", Name: "Disabled", Shocks: map[string]float64{"Market": -0.10},
		}}
		set := calc.RunStressTests(portfolioID, exposureSet(), factors, zeroCorr, scenarios, 500000)
		Expect(set.Results).To(BeEmpty())
	})

	It("emits the no_factor_exposures skip payload when the portfolio has none", func() {
		empty := &calc.FactorExposureSet{PortfolioID: portfolioID}
		scenarios, err := calc.LoadScenarios()
		Expect(err).To(BeNil())
		set := calc.RunStressTests(portfolioID, empty, factors, zeroCorr, scenarios, 500000)
		Expect(set.Results).To(BeEmpty())
		Expect(set.Quality).NotTo(BeNil())
		Expect(set.Quality.Flag).To(Equal(calc.FlagNoFactorExposures))
	})

	It("builds a symmetric factor correlation matrix with a unit diagonal", func() {
		history := map[string]map[time.Time]float64{
			"SPY": series(60, 1),
			"VTV": series(60, 0.5),
		}
		corr := calc.FactorCorrelations(factors, history)
		Expect(corr["Market"]["Market"]).To(Equal(1.0))
		Expect(corr["Value"]["Value"]).To(Equal(1.0))
		Expect(corr["Market"]["Value"]).To(Equal(corr["Value"]["Market"]))
		Expect(corr["Market"]["Value"]).To(BeNumerically("~", 1.0, 1e-9))
	})
})
