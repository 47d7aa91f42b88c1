package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/quote"
	"github.com/papertrade/engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	svc    *ledger.Service
	store  *store.MemoryStore
	quotes *quote.StaticProvider
}

func newEnv(t *testing.T, opts ...ledger.Option) env {
	t.Helper()
	ms := store.NewMemoryStore()
	sp := quote.NewStaticProvider(map[string]decimal.Decimal{
		"AAPL": d("50"),
		"MSFT": d("300"),
	})
	svc := ledger.NewService(ms, sp, opts...)
	_, err := svc.OpenAccount(context.Background(), "alice", nil)
	require.NoError(t, err)
	return env{svc: svc, store: ms, quotes: sp}
}

func (e env) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	c, err := e.store.ReadCash(context.Background(), "alice")
	require.NoError(t, err)
	return c
}

func (e env) txCount(t *testing.T) int {
	t.Helper()
	txs, err := e.store.ReadTransactions(context.Background(), "alice", "")
	require.NoError(t, err)
	return len(txs)
}

func position(t *testing.T, p *model.Portfolio, sym string) model.Position {
	t.Helper()
	for _, pos := range p.Positions {
		if pos.Symbol == sym {
			return pos
		}
	}
	t.Fatalf("no position for %s in %+v", sym, p.Positions)
	return model.Position{}
}

func TestOrders_WeightedAverageScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.svc.PlaceBuyOrder(ctx, "alice", "aapl", 10)
	require.NoError(t, err)
	assert.True(t, r.Cash.Equal(d("9500")), "cash = %s", r.Cash)
	assert.Equal(t, "AAPL", r.Transaction.Symbol)
	assert.Equal(t, int64(10), r.Transaction.Shares)
	assert.Equal(t, ledger.Buy, r.Side)

	e.quotes.Set("AAPL", d("70"))
	r, err = e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 10)
	require.NoError(t, err)
	assert.True(t, r.Cash.Equal(d("8800")), "cash = %s", r.Cash)

	p, err := e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	aapl := position(t, p, "AAPL")
	assert.Equal(t, int64(20), aapl.Shares)
	assert.True(t, aapl.AvgCost.Equal(d("60")), "avg = %s", aapl.AvgCost)

	e.quotes.Set("AAPL", d("80"))
	r, err = e.svc.PlaceSellOrder(ctx, "alice", "AAPL", 5)
	require.NoError(t, err)
	assert.True(t, r.Cash.Equal(d("9200")), "cash = %s", r.Cash)
	assert.Equal(t, int64(-5), r.Transaction.Shares)
	assert.True(t, r.Transaction.Price.Equal(d("80")))

	p, err = e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	aapl = position(t, p, "AAPL")
	assert.Equal(t, int64(15), aapl.Shares)
	assert.True(t, aapl.AvgCost.Equal(d("60")), "sell keeps avg, got %s", aapl.AvgCost)
	assert.True(t, aapl.MarketValue.Equal(d("1200")))
	assert.True(t, aapl.UnrealizedPnL.Equal(d("300")))
	assert.True(t, p.Cash.Equal(d("9200")))
	assert.True(t, p.TotalEquity.Equal(d("10400")), "equity = %s", p.TotalEquity)
	assert.False(t, p.Estimated)
}

func TestOrders_Conservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.quotes.Set("AAPL", d("12.34"))

	before := e.cash(t)
	r, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 7)
	require.NoError(t, err)
	assert.True(t, r.Cash.Equal(before.Sub(d("86.38"))), "cash = %s", r.Cash)
	assert.True(t, r.Transaction.Amount().Equal(d("86.38")))
	assert.Equal(t, 1, e.txCount(t))

	e.quotes.Set("AAPL", d("13.01"))
	before = e.cash(t)
	r, err = e.svc.PlaceSellOrder(ctx, "alice", "AAPL", 3)
	require.NoError(t, err)
	assert.True(t, r.Cash.Equal(before.Add(d("39.03"))), "cash = %s", r.Cash)
	assert.True(t, r.Transaction.Amount().Equal(d("-39.03")))
	assert.Equal(t, 2, e.txCount(t))
}

func TestOrders_RejectionsLeaveNoTrace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 15)
	require.NoError(t, err)
	cash, count := e.cash(t), e.txCount(t)

	tests := []struct {
		name  string
		place func() error
		want  error
		kind  ledger.Kind
	}{
		{"sell more than held", func() error {
			_, err := e.svc.PlaceSellOrder(ctx, "alice", "AAPL", 100)
			return err
		}, ledger.ErrInsufficientShares, ledger.KindInsufficientShares},
		{"sell never held", func() error {
			_, err := e.svc.PlaceSellOrder(ctx, "alice", "MSFT", 1)
			return err
		}, ledger.ErrInsufficientShares, ledger.KindInsufficientShares},
		{"buy beyond cash", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "alice", "MSFT", 1000)
			return err
		}, ledger.ErrInsufficientFunds, ledger.KindInsufficientFunds},
		{"unknown symbol buy", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "alice", "ZZZZ", 1)
			return err
		}, ledger.ErrQuoteUnavailable, ledger.KindQuoteUnavailable},
		{"unknown symbol sell", func() error {
			_, err := e.svc.PlaceSellOrder(ctx, "alice", "ZZZZ", 1)
			return err
		}, ledger.ErrQuoteUnavailable, ledger.KindQuoteUnavailable},
		{"zero shares", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 0)
			return err
		}, ledger.ErrInvalidInput, ledger.KindInvalidInput},
		{"negative shares", func() error {
			_, err := e.svc.PlaceSellOrder(ctx, "alice", "AAPL", -3)
			return err
		}, ledger.ErrInvalidInput, ledger.KindInvalidInput},
		{"bad symbol", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "alice", "not a ticker", 1)
			return err
		}, ledger.ErrInvalidInput, ledger.KindInvalidInput},
		{"empty account", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "  ", "AAPL", 1)
			return err
		}, ledger.ErrInvalidInput, ledger.KindInvalidInput},
		{"unknown account", func() error {
			_, err := e.svc.PlaceBuyOrder(ctx, "bob", "AAPL", 1)
			return err
		}, ledger.ErrAccountNotFound, ledger.KindAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.place()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, ledger.KindOf(err))
			assert.True(t, e.cash(t).Equal(cash), "cash moved to %s", e.cash(t))
			assert.Equal(t, count, e.txCount(t))
		})
	}
}

func TestOrders_ExactCashIsEnough(t *testing.T) {
	e := newEnv(t, ledger.WithStartingCash(d("500")))
	r, err := e.svc.PlaceBuyOrder(context.Background(), "alice", "AAPL", 10)
	require.NoError(t, err)
	assert.True(t, r.Cash.IsZero())
}

func TestOrders_InvalidInputSkipsQuotes(t *testing.T) {
	var lookups atomic.Int32
	counting := quote.ProviderFunc(func(_ context.Context, sym string) (model.Quote, error) {
		lookups.Add(1)
		return model.Quote{Symbol: sym, Price: d("50")}, nil
	})
	svc := ledger.NewService(store.NewMemoryStore(), counting)
	ctx := context.Background()
	_, err := svc.OpenAccount(ctx, "alice", nil)
	require.NoError(t, err)

	orders := map[string]func() error{
		"zero shares": func() error {
			_, err := svc.PlaceBuyOrder(ctx, "alice", "AAPL", 0)
			return err
		},
		"negative sell": func() error {
			_, err := svc.PlaceSellOrder(ctx, "alice", "AAPL", -1)
			return err
		},
		"bad symbol": func() error {
			_, err := svc.PlaceBuyOrder(ctx, "alice", "not a ticker", 1)
			return err
		},
		"empty symbol": func() error {
			_, err := svc.PlaceSellOrder(ctx, "alice", " ", 1)
			return err
		},
		"empty account": func() error {
			_, err := svc.PlaceBuyOrder(ctx, "", "AAPL", 1)
			return err
		},
	}
	for name, place := range orders {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, place(), ledger.ErrInvalidInput)
			assert.Zero(t, lookups.Load(), "quote provider was called")
		})
	}

	_, err = svc.PlaceBuyOrder(ctx, "alice", "AAPL", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookups.Load())
}

func TestOrders_BuyPastShareLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	sp := quote.NewStaticProvider(map[string]decimal.Decimal{"PENNY": d("0.0001")})
	svc := ledger.NewService(ms, sp)
	ctx := context.Background()
	rich := d("100000000000000000000")
	_, err := svc.OpenAccount(ctx, "alice", &rich)
	require.NoError(t, err)

	const lot = 5_000_000_000_000_000_000
	_, err = svc.PlaceBuyOrder(ctx, "alice", "PENNY", lot)
	require.NoError(t, err)
	cash, err := ms.ReadCash(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.PlaceBuyOrder(ctx, "alice", "PENNY", lot)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	after, err := ms.ReadCash(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, after.Equal(cash), "cash moved to %s", after)
	txs, err := ms.ReadTransactions(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	p, err := svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(lot), position(t, p, "PENNY").Shares)

	// Topping up to exactly the limit still commits.
	_, err = svc.PlaceBuyOrder(ctx, "alice", "PENNY", math.MaxInt64-lot)
	require.NoError(t, err)
	p, err = svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), position(t, p, "PENNY").Shares)
}

func TestOrders_QuoteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := quote.ProviderFunc(func(context.Context, string) (model.Quote, error) {
		<-release
		return model.Quote{}, errors.New("too late")
	})

	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, stuck, ledger.WithQuoteTimeout(20*time.Millisecond))
	ctx := context.Background()
	_, err := svc.OpenAccount(ctx, "alice", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.PlaceBuyOrder(ctx, "alice", "AAPL", 1)
	assert.ErrorIs(t, err, ledger.ErrQuoteUnavailable)
	assert.ErrorIs(t, err, quote.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	txs, err := ms.ReadTransactions(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestOrders_ProviderDown(t *testing.T) {
	e := newEnv(t)
	e.quotes.SetDown(true)

	_, err := e.svc.PlaceBuyOrder(context.Background(), "alice", "AAPL", 1)
	assert.Equal(t, ledger.KindQuoteUnavailable, ledger.KindOf(err))
	assert.Equal(t, 0, e.txCount(t))
}

func TestOrders_ConcurrentBuysNeverOverdraw(t *testing.T) {
	e := newEnv(t, ledger.WithStartingCash(d("1000")))
	e.quotes.Set("AAPL", d("100"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, funds := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.PlaceBuyOrder(context.Background(), "alice", "AAPL", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				funds++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, committed)
	assert.Equal(t, 15, funds)
	assert.True(t, e.cash(t).IsZero(), "cash = %s", e.cash(t))
	assert.Equal(t, 10, e.txCount(t))
}

func TestOrders_ConcurrentSellsNeverShort(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.svc.PlaceSellOrder(ctx, "alice", "AAPL", 1)
		}()
	}
	wg.Wait()

	held, err := e.svc.HeldSymbols(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.True(t, e.cash(t).Equal(d("10000")), "cash = %s", e.cash(t))
	assert.Equal(t, 6, e.txCount(t))
}

type recordingNotifier struct {
	mu       sync.Mutex
	receipts []ledger.Receipt
}

func (n *recordingNotifier) OrderCommitted(r ledger.Receipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, r)
}

func TestOrders_NotifiesOnlyCommits(t *testing.T) {
	n := &recordingNotifier{}
	e := newEnv(t, ledger.WithNotifier(n))
	ctx := context.Background()

	_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 2)
	require.NoError(t, err)
	_, err = e.svc.PlaceSellOrder(ctx, "alice", "AAPL", 3)
	require.Error(t, err)

	require.Len(t, n.receipts, 1)
	assert.Equal(t, ledger.Buy, n.receipts[0].Side)
	assert.True(t, n.receipts[0].Cash.Equal(d("9900")))
}

func TestOrders_UsesClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	e := newEnv(t, ledger.WithClock(func() time.Time { return at }))

	r, err := e.svc.PlaceBuyOrder(context.Background(), "alice", "AAPL", 1)
	require.NoError(t, err)
	assert.True(t, r.Transaction.Timestamp.Equal(at))
	assert.NotEmpty(t, r.Transaction.ID)
}

// failingStore passes reads through and fails every append.
type failingStore struct {
	store.Store
}

func (failingStore) AppendTransactionAndAdjustCash(context.Context, *model.Transaction, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("disk full")
}

func TestOrders_StorageFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	_, err := ms.OpenAccount(ctx, "alice", d("1000"))
	require.NoError(t, err)

	sp := quote.NewStaticProvider(map[string]decimal.Decimal{"AAPL": d("10")})
	svc := ledger.NewService(failingStore{ms}, sp)

	_, err = svc.PlaceBuyOrder(ctx, "alice", "AAPL", 1)
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	cash, err := ms.ReadCash(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("1000")))
}

func TestGetPortfolio_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 4)
	require.NoError(t, err)
	_, err = e.svc.PlaceBuyOrder(ctx, "alice", "MSFT", 2)
	require.NoError(t, err)

	first, err := e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	second, err := e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)

	require.Len(t, second.Positions, len(first.Positions))
	for i := range first.Positions {
		assert.Equal(t, first.Positions[i].Shares, second.Positions[i].Shares)
		assert.True(t, first.Positions[i].AvgCost.Equal(second.Positions[i].AvgCost))
	}
	assert.Equal(t, 2, e.txCount(t))
}

func TestGetPortfolio_EstimatesUnpricedPositions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.PlaceBuyOrder(ctx, "alice", "AAPL", 4)
	require.NoError(t, err)

	e.quotes.Delete("AAPL")
	p, err := e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)

	aapl := position(t, p, "AAPL")
	assert.True(t, aapl.Estimated)
	assert.Nil(t, aapl.Price)
	assert.True(t, aapl.MarketValue.Equal(d("200")))
	assert.True(t, p.Estimated)
	assert.True(t, p.TotalEquity.Equal(d("10000")))
}

func TestGetPortfolio_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.GetPortfolio(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = e.svc.GetPortfolio(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	p, err := e.svc.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, p.Positions)
	assert.True(t, p.TotalEquity.Equal(d("10000")))
}

func TestGetHistory_NewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	sp := quote.NewStaticProvider(map[string]decimal.Decimal{"AAPL": d("10"), "MSFT": d("20")})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc := ledger.NewService(ms, sp, ledger.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()
	_, err := svc.OpenAccount(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = svc.PlaceBuyOrder(ctx, "alice", "AAPL", 3)
	require.NoError(t, err)
	_, err = svc.PlaceBuyOrder(ctx, "alice", "MSFT", 1)
	require.NoError(t, err)
	_, err = svc.PlaceSellOrder(ctx, "alice", "AAPL", 2)
	require.NoError(t, err)

	hist, err := svc.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, int64(-2), hist[0].Shares)
	assert.Equal(t, "MSFT", hist[1].Symbol)
	assert.Equal(t, int64(3), hist[2].Shares)

	empty, err := svc.GetHistory(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestHeldSymbols(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, o := range []struct {
		sym    string
		shares int64
	}{{"MSFT", 1}, {"AAPL", 2}} {
		_, err := e.svc.PlaceBuyOrder(ctx, "alice", o.sym, o.shares)
		require.NoError(t, err)
	}
	syms, err := e.svc.HeldSymbols(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, syms)

	_, err = e.svc.PlaceSellOrder(ctx, "alice", "MSFT", 1)
	require.NoError(t, err)
	syms, err = e.svc.HeldSymbols(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, syms)
}

func TestGetQuote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	q, err := e.svc.GetQuote(ctx, " msft ")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", q.Symbol)
	assert.True(t, q.Price.Equal(d("300")))

	_, err = e.svc.GetQuote(ctx, "ZZZZ")
	assert.ErrorIs(t, err, ledger.ErrQuoteUnavailable)

	_, err = e.svc.GetQuote(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestOpenAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, quote.NewStaticProvider(nil), ledger.WithStartingCash(d("2500")))
	ctx := context.Background()

	a, err := svc.OpenAccount(ctx, "alice", nil)
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(d("2500")))

	custom := d("42.50")
	a, err = svc.OpenAccount(ctx, "bob", &custom)
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(custom))

	_, err = svc.OpenAccount(ctx, "alice", nil)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	neg := d("-1")
	_, err = svc.OpenAccount(ctx, "carol", &neg)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = svc.OpenAccount(ctx, "", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ledger.KindNone, ledger.KindOf(nil))
	assert.Equal(t, ledger.KindUnknown, ledger.KindOf(errors.New("boom")))
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(ledger.ErrStorage))
}
