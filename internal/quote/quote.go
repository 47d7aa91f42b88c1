// Package quote provides price lookups for ticker symbols.
//
// A Provider answers with a current price or reports the symbol unknown or
// the source unavailable. The engine never caches quotes: every order and
// every valuation asks again.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
)

var (
	// ErrUnavailable covers every way a price can fail to arrive.
	ErrUnavailable = errors.New("quote: price unavailable")

	// ErrUnknownSymbol is returned when the source does not know the
	// symbol. It matches ErrUnavailable under errors.Is.
	ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", ErrUnavailable)

	// ErrTimeout is returned by Bounded when the lookup overran its budget.
	ErrTimeout = fmt.Errorf("%w: lookup timed out", ErrUnavailable)
)

// Provider looks up the current price of a normalized symbol.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (model.Quote, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, symbol string) (model.Quote, error)

func (f ProviderFunc) Lookup(ctx context.Context, symbol string) (model.Quote, error) {
	return f(ctx, symbol)
}

// bounded enforces a deadline on every lookup and records metrics.
type bounded struct {
	next    Provider
	timeout time.Duration
}

// Bounded wraps p so that a lookup not answered within timeout returns
// ErrTimeout, even when p ignores its context. Any other failure from p is
// reported as ErrUnavailable. Nothing is retried.
func Bounded(p Provider, timeout time.Duration) Provider {
	return &bounded{next: p, timeout: timeout}
}

type lookupResult struct {
	q   model.Quote
	err error
}

func (b *bounded) Lookup(ctx context.Context, symbol string) (model.Quote, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// Buffered so an abandoned lookup can still finish and exit.
	done := make(chan lookupResult, 1)
	go func() {
		q, err := b.next.Lookup(ctx, symbol)
		done <- lookupResult{q, err}
	}()

	var res lookupResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ErrTimeout
	}
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())

	switch {
	case res.err == nil && !res.q.Price.IsPositive():
		metrics.QuoteLookups.WithLabelValues("unavailable").Inc()
		return model.Quote{}, fmt.Errorf("%w: non-positive price %s for %s", ErrUnavailable, res.q.Price, symbol)
	case res.err == nil:
		metrics.QuoteLookups.WithLabelValues("ok").Inc()
		return res.q, nil
	case errors.Is(res.err, ErrTimeout), errors.Is(res.err, context.DeadlineExceeded):
		metrics.QuoteLookups.WithLabelValues("timeout").Inc()
		return model.Quote{}, fmt.Errorf("%s: %w", symbol, ErrTimeout)
	case errors.Is(res.err, ErrUnknownSymbol):
		metrics.QuoteLookups.WithLabelValues("unknown").Inc()
		return model.Quote{}, res.err
	case errors.Is(res.err, ErrUnavailable):
		metrics.QuoteLookups.WithLabelValues("unavailable").Inc()
		return model.Quote{}, res.err
	default:
		metrics.QuoteLookups.WithLabelValues("unavailable").Inc()
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, res.err)
	}
}
