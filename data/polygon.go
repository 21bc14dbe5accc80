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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var polygonAPI = "https://api.polygon.io"

type polygon struct {
	apikey string
	client *http.Client
}

type polygonAggsResponse struct {
	Ticker       string `json:"ticker"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		Timestamp int64   `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
	Status string `json:"status"`
}

// NewPolygon creates the Polygon.io aggregates provider
func NewPolygon(key string) Provider {
	return &polygon{
		apikey: key,
		client: http.DefaultClient,
	}
}

func (p *polygon) Name() string {
	return ProviderPolygon
}

func (p *polygon) FetchOHLCV(ctx context.Context, symbol string, begin time.Time, end time.Time) ([]Bar, error) {
	subLog := log.With().Str("Provider", ProviderPolygon).Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	if end.Before(begin) {
		return nil, ErrInvalidTimeRange
	}

	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=asc&limit=50000&apiKey=%s",
		polygonAPI, symbol, begin.Format("2006-01-02"), end.Format("2006-01-02"), p.apikey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		subLog.Warn().Err(err).Msg("polygon http request failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		subLog.Warn().Int("StatusCode", resp.StatusCode).Msg("polygon returned invalid response code")
		return nil, fmt.Errorf("%w: %d", ErrProviderStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not read polygon response body")
		return nil, err
	}

	jsonResp := polygonAggsResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		subLog.Warn().Err(err).Msg("could not unmarshal polygon json")
		return nil, err
	}

	if jsonResp.ResultsCount == 0 || len(jsonResp.Results) == 0 {
		return nil, ErrNoData
	}

	bars := make([]Bar, 0, len(jsonResp.Results))
	for _, row := range jsonResp.Results {
		// polygon aggregates are already split/dividend adjusted
		bars = append(bars, Bar{
			Symbol:   symbol,
			Date:     time.UnixMilli(row.Timestamp).UTC().Truncate(24 * time.Hour),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			AdjClose: row.Close,
			Volume:   int64(row.Volume),
			Source:   ProviderPolygon,
		})
	}

	return bars, nil
}
