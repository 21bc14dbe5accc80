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

// Package portfolio holds the portfolio and position domain model read by
// every calculation engine. Positions are immutable once imported; the batch
// core only reads them.
package portfolio

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	ClassPublic  = "PUBLIC"
	ClassOptions = "OPTIONS"
	ClassPrivate = "PRIVATE"

	OptionCall = "CALL"
	OptionPut  = "PUT"
)

var (
	ErrZeroQuantity       = errors.New("position quantity must be non-zero")
	ErrNonPositivePrice   = errors.New("entry price must be positive")
	ErrOptionFieldsAtomic = errors.New("options positions carry underlying, strike, expiration and option type together")
	ErrExitBeforeEntry    = errors.New("exit date must be after entry date")
)

type Portfolio struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	AccountName   string
	AccountType   string
	EquityBalance float64
}

// Position header fields are immutable. The sign of Quantity determines the
// long/short side. OPTIONS positions carry the four option fields atomically.
type Position struct {
	ID                uuid.UUID
	PortfolioID       uuid.UUID
	Symbol            string
	Quantity          float64
	EntryPrice        float64
	EntryDate         time.Time
	InvestmentClass   string
	InvestmentSubtype string

	UnderlyingSymbol *string
	StrikePrice      *float64
	ExpirationDate   *time.Time
	OptionType       *string

	ExitDate  *time.Time
	ExitPrice *float64
}

// ActiveOn reports whether the position is held on date d
func (p *Position) ActiveOn(d time.Time) bool {
	if p.EntryDate.After(d) {
		return false
	}
	if p.ExitDate != nil && !p.ExitDate.After(d) {
		return false
	}
	return true
}

// Long reports whether the position is on the long side
func (p *Position) Long() bool {
	return p.Quantity > 0
}

// Multiplier is the contract multiplier applied to market value; equity
// options settle 100 shares per contract
func (p *Position) Multiplier() float64 {
	if p.InvestmentClass == ClassOptions {
		return 100
	}
	return 1
}

// PriceSymbol is the symbol whose cached close prices the position; options
// are valued against their underlying
func (p *Position) PriceSymbol() string {
	if p.InvestmentClass == ClassOptions && p.UnderlyingSymbol != nil {
		return *p.UnderlyingSymbol
	}
	return p.Symbol
}

// Validate checks the position header invariants
func (p *Position) Validate() error {
	if p.Quantity == 0 {
		return ErrZeroQuantity
	}
	if p.EntryPrice <= 0 {
		return ErrNonPositivePrice
	}
	if p.ExitDate != nil && !p.ExitDate.After(p.EntryDate) {
		return ErrExitBeforeEntry
	}

	hasAll := p.UnderlyingSymbol != nil && p.StrikePrice != nil && p.ExpirationDate != nil && p.OptionType != nil
	hasAny := p.UnderlyingSymbol != nil || p.StrikePrice != nil || p.ExpirationDate != nil || p.OptionType != nil

	if p.InvestmentClass == ClassOptions && !hasAll {
		return ErrOptionFieldsAtomic
	}
	if p.InvestmentClass != ClassOptions && hasAny {
		return ErrOptionFieldsAtomic
	}
	return nil
}
