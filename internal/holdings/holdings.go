// Package holdings derives per-symbol positions from a ledger.
//
// Costing is weighted average: a buy folds its cost into the lot, a sell
// removes shares at the current average, and the remaining basis is
// recomputed as average * remaining so the average is unchanged to the last
// digit. Averages carry decimal.DivisionPrecision fractional digits. Lots
// are not tracked (no FIFO/LIFO).
package holdings

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
)

// ErrNegativeHoldings is returned when a ledger sells more shares of a
// symbol than it holds at that point.
var ErrNegativeHoldings = errors.New("holdings: sell exceeds shares held")

// ErrShareOverflow is returned when a buy would push net shares past
// math.MaxInt64.
var ErrShareOverflow = errors.New("holdings: net shares overflow")

// lot is the running state for one symbol.
type lot struct {
	shares    int64
	costBasis decimal.Decimal
}

func (l *lot) avgCost() decimal.Decimal {
	if l.shares <= 0 {
		return decimal.Zero
	}
	return l.costBasis.Div(decimal.NewFromInt(l.shares))
}

func (l *lot) apply(t model.Transaction) error {
	switch {
	case t.Shares > 0:
		if l.shares > math.MaxInt64-t.Shares {
			return fmt.Errorf("%w: %s buys %d with %d held (tx %s)",
				ErrShareOverflow, t.Symbol, t.Shares, l.shares, t.ID)
		}
		l.costBasis = l.costBasis.Add(t.Price.Mul(decimal.NewFromInt(t.Shares)))
		l.shares += t.Shares
	case t.Shares < 0:
		sold := -t.Shares
		if sold > l.shares {
			return fmt.Errorf("%w: %s sells %d with %d held (tx %s)",
				ErrNegativeHoldings, t.Symbol, sold, l.shares, t.ID)
		}
		remaining := l.shares - sold
		if remaining == 0 {
			l.costBasis = decimal.Zero
		} else {
			l.costBasis = l.avgCost().Mul(decimal.NewFromInt(remaining))
		}
		l.shares = remaining
	}
	return nil
}

// Aggregate folds a transaction sequence into holdings keyed by symbol.
// Transactions must be in timestamp order, as returned by the store.
// Symbols whose net shares returned to zero are present with zero values.
func Aggregate(txs []model.Transaction) (map[string]model.Holding, error) {
	lots := make(map[string]*lot)
	for _, t := range txs {
		l, ok := lots[t.Symbol]
		if !ok {
			l = &lot{}
			lots[t.Symbol] = l
		}
		if err := l.apply(t); err != nil {
			return nil, err
		}
	}

	out := make(map[string]model.Holding, len(lots))
	for sym, l := range lots {
		out[sym] = model.Holding{
			Symbol:    sym,
			Shares:    l.shares,
			AvgCost:   l.avgCost(),
			CostBasis: l.costBasis,
		}
	}
	return out, nil
}

// Position returns the holding for one symbol. Transactions of other
// symbols are ignored.
func Position(txs []model.Transaction, symbol string) (model.Holding, error) {
	l := &lot{}
	for _, t := range txs {
		if t.Symbol != symbol {
			continue
		}
		if err := l.apply(t); err != nil {
			return model.Holding{}, err
		}
	}
	return model.Holding{
		Symbol:    symbol,
		Shares:    l.shares,
		AvgCost:   l.avgCost(),
		CostBasis: l.costBasis,
	}, nil
}

// Open returns the holdings with positive net shares, sorted by symbol.
func Open(h map[string]model.Holding) []model.Holding {
	out := make([]model.Holding, 0, len(h))
	for _, v := range h {
		if v.Shares > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
