package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
)

// StaticProvider serves prices from an in-memory table. Used for
// development without an API key and as the quote source in tests.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	down   bool
}

// NewStaticProvider creates a provider seeded with prices.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, price := range prices {
		p.prices[sym] = price
	}
	return p
}

// Set changes (or adds) the price of a symbol.
func (p *StaticProvider) Set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Delete forgets a symbol; later lookups report it unknown.
func (p *StaticProvider) Delete(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, symbol)
}

// SetDown simulates an outage: every lookup fails with ErrUnavailable.
func (p *StaticProvider) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *StaticProvider) Lookup(_ context.Context, symbol string) (model.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.down {
		return model.Quote{}, fmt.Errorf("%w: static source down", ErrUnavailable)
	}
	price, ok := p.prices[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return model.Quote{Symbol: symbol, Price: price, AsOf: time.Now().UTC()}, nil
}
