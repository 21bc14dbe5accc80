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

var fmpAPI = "https://financialmodelingprep.com"

type fmp struct {
	apikey string
	client *http.Client
}

type fmpHistoricalResponse struct {
	Symbol     string `json:"symbol"`
	Historical []struct {
		Date     string  `json:"date"`
		Open     float64 `json:"open"`
		High     float64 `json:"high"`
		Low      float64 `json:"low"`
		Close    float64 `json:"close"`
		AdjClose float64 `json:"adjClose"`
		Volume   int64   `json:"volume"`
	} `json:"historical"`
}

type fmpProfileResponse []struct {
	Symbol      string `json:"symbol"`
	CompanyName string `json:"companyName"`
	Sector      string `json:"sector"`
	Industry    string `json:"industry"`
	Country     string `json:"country"`
}

// NewFMP creates the Financial Modeling Prep provider
func NewFMP(key string) *fmp {
	return &fmp{
		apikey: key,
		client: http.DefaultClient,
	}
}

func (f *fmp) Name() string {
	return ProviderFMP
}

func (f *fmp) FetchOHLCV(ctx context.Context, symbol string, begin time.Time, end time.Time) ([]Bar, error) {
	subLog := log.With().Str("Provider", ProviderFMP).Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	if end.Before(begin) {
		return nil, ErrInvalidTimeRange
	}

	url := fmt.Sprintf("%s/api/v3/historical-price-full/%s?from=%s&to=%s&apikey=%s",
		fmpAPI, symbol, begin.Format("2006-01-02"), end.Format("2006-01-02"), f.apikey)

	body, err := f.get(ctx, url)
	if err != nil {
		subLog.Warn().Err(err).Msg("fmp http request failed")
		return nil, err
	}

	jsonResp := fmpHistoricalResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		subLog.Warn().Err(err).Msg("could not unmarshal fmp json")
		return nil, err
	}

	if len(jsonResp.Historical) == 0 {
		return nil, ErrNoData
	}

	bars := make([]Bar, 0, len(jsonResp.Historical))
	for _, row := range jsonResp.Historical {
		dt, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			subLog.Warn().Err(err).Str("Date", row.Date).Msg("could not parse fmp date")
			continue
		}
		bars = append(bars, Bar{
			Symbol:   symbol,
			Date:     dt.UTC(),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			AdjClose: row.AdjClose,
			Volume:   row.Volume,
			Source:   ProviderFMP,
		})
	}

	if len(bars) == 0 {
		return nil, ErrNoData
	}

	// FMP returns newest first; callers expect ascending dates
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// FetchProfile retrieves the company profile for symbol
func (f *fmp) FetchProfile(ctx context.Context, symbol string) (*Profile, error) {
	subLog := log.With().Str("Provider", ProviderFMP).Str("Symbol", symbol).Logger()

	url := fmt.Sprintf("%s/api/v3/profile/%s?apikey=%s", fmpAPI, symbol, f.apikey)
	body, err := f.get(ctx, url)
	if err != nil {
		subLog.Warn().Err(err).Msg("fmp profile request failed")
		return nil, err
	}

	jsonResp := fmpProfileResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		subLog.Warn().Err(err).Msg("could not unmarshal fmp profile json")
		return nil, err
	}

	if len(jsonResp) == 0 {
		return nil, ErrNoData
	}

	return &Profile{
		Symbol:   jsonResp[0].Symbol,
		Name:     jsonResp[0].CompanyName,
		Sector:   jsonResp[0].Sector,
		Industry: jsonResp[0].Industry,
		Country:  jsonResp[0].Country,
	}, nil
}

func (f *fmp) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %d", ErrProviderStatus, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
