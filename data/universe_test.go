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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"
	"github.com/spf13/viper"

	"github.com/sigmasight/ss-api/data"
	"github.com/sigmasight/ss-api/data/database"
)

var _ = Describe("Universe resolver", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
		cache  *data.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		cache = data.NewCache()
		viper.Set("factors.etfs", []string{"SPY"})
	})

	AfterEach(func() {
		viper.Reset()
		Expect(dbPool.ExpectationsWereMet()).To(BeNil())
	})

	Context("in scoped mode", func() {
		It("resolves only the portfolio's position symbols plus the factor etfs", func() {
			scope := data.Scope{PortfolioID: "11111111-1111-1111-1111-111111111111"}

			// no market_data_cache query may appear here: a scoped run must
			// never widen to the cached universe
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT DISTINCT COALESCE\\(underlying_symbol, symbol\\) FROM positions").
				WithArgs(scope.PortfolioID).
				WillReturnRows(pgxmock.NewRows([]string{"symbol"}).AddRow("AAPL").AddRow("MSFT"))
			dbPool.ExpectCommit()

			universe, err := data.ResolveUniverse(ctx, scope, cache)
			Expect(err).To(BeNil())
			Expect(universe).To(Equal([]string{"AAPL", "MSFT", "SPY"}))
		})
	})

	Context("in global mode", func() {
		It("unions position symbols, factor etfs and the cached universe", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT DISTINCT COALESCE\\(underlying_symbol, symbol\\) FROM positions").
				WillReturnRows(pgxmock.NewRows([]string{"symbol"}).AddRow("AAPL"))
			dbPool.ExpectCommit()

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT DISTINCT symbol FROM market_data_cache").
				WillReturnRows(pgxmock.NewRows([]string{"symbol"}).AddRow("DELISTED"))
			dbPool.ExpectCommit()

			universe, err := data.ResolveUniverse(ctx, data.Scope{}, cache)
			Expect(err).To(BeNil())
			Expect(universe).To(Equal([]string{"AAPL", "DELISTED", "SPY"}))
		})
	})
})
