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
	"fmt"
	"io"
	"net/http"
	"time"

	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var yahooAPI = "https://query1.finance.yahoo.com"

type yahoo struct {
	client *http.Client
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// NewYahoo creates the Yahoo Finance chart-API provider. No API key required.
func NewYahoo() Provider {
	return &yahoo{
		client: http.DefaultClient,
	}
}

func (y *yahoo) Name() string {
	return ProviderYahoo
}

func (y *yahoo) FetchOHLCV(ctx context.Context, symbol string, begin time.Time, end time.Time) ([]Bar, error) {
	subLog := log.With().Str("Provider", ProviderYahoo).Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	if end.Before(begin) {
		return nil, ErrInvalidTimeRange
	}

	// period2 is exclusive; extend a day so `end` itself is covered
	url := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d&events=div%%7Csplit",
		yahooAPI, symbol, begin.Unix(), end.AddDate(0, 0, 1).Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "ssapi/"+ProviderYahoo)

	resp, err := y.client.Do(req)
	if err != nil {
		subLog.Warn().Err(err).Msg("yahoo http request failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		subLog.Warn().Int("StatusCode", resp.StatusCode).Msg("yahoo returned invalid response code")
		return nil, fmt.Errorf("%w: %d", ErrProviderStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not read yahoo response body")
		return nil, err
	}

	jsonResp := yahooChartResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		subLog.Warn().Err(err).Msg("could not unmarshal yahoo json")
		return nil, err
	}

	if jsonResp.Chart.Error != nil {
		subLog.Debug().Str("Code", jsonResp.Chart.Error.Code).Msg("yahoo chart error")
		return nil, ErrNoData
	}

	if len(jsonResp.Chart.Result) == 0 {
		return nil, ErrNoData
	}

	result := jsonResp.Chart.Result[0]
	if len(result.Timestamp) == 0 || len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	quote := result.Indicators.Quote[0]
	var adj []float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	// yahoo occasionally returns ragged series; only indexes present in
	// every array form a bar
	numBars := len(result.Timestamp)
	for _, length := range []int{len(quote.Open), len(quote.High), len(quote.Low), len(quote.Close), len(quote.Volume)} {
		if length < numBars {
			numBars = length
		}
	}

	bars := make([]Bar, 0, numBars)
	for idx := 0; idx < numBars; idx++ {
		bar := Bar{
			Symbol:   symbol,
			Date:     time.Unix(result.Timestamp[idx], 0).UTC().Truncate(24 * time.Hour),
			Open:     quote.Open[idx],
			High:     quote.High[idx],
			Low:      quote.Low[idx],
			Close:    quote.Close[idx],
			AdjClose: quote.Close[idx],
			Volume:   quote.Volume[idx],
			Source:   ProviderYahoo,
		}
		if idx < len(adj) && adj[idx] != 0 {
			bar.AdjClose = adj[idx]
		}
		bars = append(bars, bar)
	}

	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}
