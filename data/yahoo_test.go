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

package data_test

import (
	"context"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sigmasight/ss-api/data"
)

const yahooChartURL = "https://query1.finance.yahoo.com/v8/finance/chart/AAPL"

const yahooChartFixture = `{
  "chart": {
    "result": [
      {
        "timestamp": [1741564800, 1741651200],
        "indicators": {
          "quote": [
            {
              "open": [227.5, 229.1],
              "high": [230.0, 231.4],
              "low": [226.2, 228.0],
              "close": [229.0, 230.5],
              "volume": [51230000, 48210000]
            }
          ],
          "adjclose": [
            {
              "adjclose": [228.4, 229.9]
            }
          ]
        }
      }
    ],
    "error": null
  }
}`

const yahooNotFoundFixture = `{
  "chart": {
    "result": null,
    "error": {
      "code": "Not Found",
      "description": "No data found, symbol may be delisted"
    }
  }
}`

var _ = Describe("Yahoo provider", func() {
	var (
		ctx      context.Context
		provider data.Provider
		begin    time.Time
		end      time.Time
	)

	BeforeEach(func() {
		httpmock.Activate()
		ctx = context.Background()
		provider = data.NewYahoo()
		begin = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		end = time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	It("parses the chart response into daily bars", func() {
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, yahooChartFixture))

		bars, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(BeNil())
		Expect(bars).To(HaveLen(2))

		Expect(bars[0].Symbol).To(Equal("AAPL"))
		Expect(bars[0].Date).To(Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
		Expect(bars[0].Open).To(Equal(227.5))
		Expect(bars[0].Close).To(Equal(229.0))
		Expect(bars[0].AdjClose).To(Equal(228.4))
		Expect(bars[0].Volume).To(Equal(int64(51230000)))
		Expect(bars[0].Source).To(Equal(data.ProviderYahoo))

		Expect(bars[1].Date).To(Equal(time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)))
		Expect(bars[1].Close).To(Equal(230.5))
	})

	It("falls back to the raw close when no adjusted close is present", func() {
		fixture := `{"chart":{"result":[{"timestamp":[1741564800],"indicators":{"quote":[{"open":[227.5],"high":[230.0],"low":[226.2],"close":[229.0],"volume":[51230000]}]}}],"error":null}}`
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, fixture))

		bars, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(BeNil())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].AdjClose).To(Equal(229.0))
	})

	It("drops indexes missing from any quote series", func() {
		// two timestamps but only one open; the second index is unusable
		fixture := `{"chart":{"result":[{"timestamp":[1741564800, 1741651200],"indicators":{"quote":[{"open":[227.5],"high":[230.0, 231.4],"low":[226.2, 228.0],"close":[229.0, 230.5],"volume":[51230000, 48210000]}]}}],"error":null}}`
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, fixture))

		bars, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(BeNil())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Date).To(Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
		Expect(bars[0].Close).To(Equal(229.0))
	})

	It("reports a fully ragged payload as no data", func() {
		fixture := `{"chart":{"result":[{"timestamp":[1741564800],"indicators":{"quote":[{"open":[],"high":[230.0],"low":[226.2],"close":[229.0],"volume":[51230000]}]}}],"error":null}}`
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, fixture))

		_, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(MatchError(data.ErrNoData))
	})

	It("reports a chart error as no data", func() {
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, yahooNotFoundFixture))

		_, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(MatchError(data.ErrNoData))
	})

	It("reports an empty result set as no data", func() {
		fixture := `{"chart":{"result":[],"error":null}}`
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusOK, fixture))

		_, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(MatchError(data.ErrNoData))
	})

	It("surfaces http error status codes", func() {
		httpmock.RegisterResponder("GET", yahooChartURL,
			httpmock.NewStringResponder(http.StatusTooManyRequests, "rate limited"))

		_, err := provider.FetchOHLCV(ctx, "AAPL", begin, end)
		Expect(err).To(MatchError(data.ErrProviderStatus))
	})

	It("rejects an inverted time range without calling the api", func() {
		_, err := provider.FetchOHLCV(ctx, "AAPL", end, begin)
		Expect(err).To(MatchError(data.ErrInvalidTimeRange))
		Expect(httpmock.GetTotalCallCount()).To(Equal(0))
	})
})
