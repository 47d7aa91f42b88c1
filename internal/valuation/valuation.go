// Package valuation marks holdings to market.
//
// A position whose quote is unavailable is valued at its average cost and
// flagged Estimated, so callers never mistake a fallback for a live number.
// The engine has no state and performs no writes.
package valuation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/engine/internal/holdings"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/quote"
)

// DefaultConcurrency bounds parallel quote lookups per valuation.
const DefaultConcurrency = 8

// Engine values holdings against a quote provider.
type Engine struct {
	quotes      quote.Provider
	concurrency int
	now         func() time.Time
}

// NewEngine creates a valuation engine. concurrency <= 0 selects
// DefaultConcurrency.
func NewEngine(quotes quote.Provider, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{
		quotes:      quotes,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Value prices every open holding and totals equity. Closed positions
// (zero shares) are omitted. It returns an error only if ctx ends.
func (e *Engine) Value(ctx context.Context, accountID string, cash decimal.Decimal, h map[string]model.Holding) (*model.Portfolio, error) {
	open := holdings.Open(h)
	positions := make([]model.Position, len(open))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, hold := range open {
		i, hold := i, hold
		g.Go(func() error {
			positions[i] = e.price(ctx, hold)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		AccountID:   accountID,
		Positions:   positions,
		Cash:        cash,
		MarketValue: decimal.Zero,
		AsOf:        e.now(),
	}
	estimated := 0
	for _, pos := range positions {
		p.MarketValue = p.MarketValue.Add(pos.MarketValue)
		if pos.Estimated {
			estimated++
		}
	}
	p.TotalEquity = cash.Add(p.MarketValue)
	p.Estimated = estimated > 0

	metrics.Valuations.Inc()
	metrics.EstimatedPositions.Add(float64(estimated))
	return p, nil
}

func (e *Engine) price(ctx context.Context, h model.Holding) model.Position {
	shares := decimal.NewFromInt(h.Shares)
	pos := model.Position{
		Symbol:    h.Symbol,
		Shares:    h.Shares,
		AvgCost:   h.AvgCost,
		CostBasis: h.CostBasis,
	}

	q, err := e.quotes.Lookup(ctx, h.Symbol)
	if err != nil {
		slog.Info("valuing position at average cost", "symbol", h.Symbol, "err", err)
		pos.Estimated = true
		pos.MarketValue = h.AvgCost.Mul(shares)
	} else {
		price := q.Price
		pos.Price = &price
		pos.MarketValue = price.Mul(shares)
	}
	pos.UnrealizedPnL = pos.MarketValue.Sub(h.CostBasis)
	return pos
}
