// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds the mutable cash balance of one trading account.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Transaction is an immutable record of an executed order.
// Once created, these are never modified or deleted.
// Schema: {account, symbol, price, shares, timestamp}
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`   // per-share fill price, always positive
	Shares    int64           `json:"shares" db:"shares"` // signed: +buy, -sell
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// IsBuy reports whether the transaction added shares.
func (t Transaction) IsBuy() bool { return t.Shares > 0 }

// Amount is the signed cash value of the transaction (price * shares).
// The account's cash moved by the negation of this amount.
func (t Transaction) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Shares))
}

// Holding is the derived position of one account in one symbol.
type Holding struct {
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	CostBasis decimal.Decimal `json:"cost_basis"` // avg_cost * shares
}

// Quote is a price observation for a symbol at the moment of lookup.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name,omitempty"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Position is a holding marked to market.
type Position struct {
	Symbol        string           `json:"symbol"`
	Shares        int64            `json:"shares"`
	AvgCost       decimal.Decimal  `json:"avg_cost"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	Price         *decimal.Decimal `json:"price"`          // nil when no quote was available
	Estimated     bool             `json:"estimated"`      // true when valued at avg cost
	MarketValue   decimal.Decimal  `json:"market_value"`   // price * shares, or avg_cost * shares
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"` // market_value - cost_basis
}

// Portfolio aggregates all positions for an account with cash and equity.
type Portfolio struct {
	AccountID   string          `json:"account_id"`
	Positions   []Position      `json:"positions"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"market_value"`
	TotalEquity decimal.Decimal `json:"total_equity"` // cash + Σ market_value
	Estimated   bool            `json:"estimated"`    // any position valued without a quote
	AsOf        time.Time       `json:"as_of"`
}
