package store_test

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func entry(account, sym string, price string, shares int64, at time.Time) *model.Transaction {
	return &model.Transaction{
		ID:        uuid.NewString(),
		AccountID: account,
		Symbol:    sym,
		Price:     d(price),
		Shares:    shares,
		Timestamp: at,
	}
}

// engines returns every store implementation available in this environment.
func engines(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	m := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			require.NoError(t, s.Migrate(context.Background()))
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		m["postgres"] = func(t *testing.T) store.Store {
			pool, err := pgxpool.New(context.Background(), url)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			s := store.NewPostgresStore(pool)
			require.NoError(t, s.Migrate(context.Background()))
			return s
		}
	}
	return m
}

// accountID returns an id unique per test so a shared Postgres database
// can be reused across runs.
func accountID(t *testing.T) string {
	return "acct-" + uuid.NewString()[:8]
}

func TestStore_OpenAccountAndReadCash(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)

			a, err := s.OpenAccount(ctx, id, d("10000"))
			require.NoError(t, err)
			assert.Equal(t, id, a.ID)

			cash, err := s.ReadCash(ctx, id)
			require.NoError(t, err)
			assert.True(t, cash.Equal(d("10000")), "cash = %s", cash)

			_, err = s.OpenAccount(ctx, id, d("5"))
			assert.ErrorIs(t, err, store.ErrAccountExists)

			_, err = s.ReadCash(ctx, "nobody-"+id)
			assert.ErrorIs(t, err, store.ErrAccountNotFound)
		})
	}
}

func TestStore_AppendAdjustsCashAtomically(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("10000"))
			require.NoError(t, err)

			now := time.Now().UTC()
			cash, err := s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "50", 10, now), d("-500"))
			require.NoError(t, err)
			assert.True(t, cash.Equal(d("9500")), "cash = %s", cash)

			cash, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "80", -5, now.Add(time.Second)), d("400"))
			require.NoError(t, err)
			assert.True(t, cash.Equal(d("9900")), "cash = %s", cash)

			txs, err := s.ReadTransactions(ctx, id, "")
			require.NoError(t, err)
			require.Len(t, txs, 2)
			assert.Equal(t, int64(10), txs[0].Shares)
			assert.Equal(t, int64(-5), txs[1].Shares)
			assert.True(t, txs[1].Price.Equal(d("80")))
		})
	}
}

func TestStore_GuardsLeaveNoTrace(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("100"))
			require.NoError(t, err)
			now := time.Now().UTC()

			// Overdraw.
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "50", 3, now), d("-150"))
			assert.ErrorIs(t, err, store.ErrInsufficientCash)

			// Short sale.
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "50", -1, now), d("50"))
			assert.ErrorIs(t, err, store.ErrInsufficientShares)

			// Delta that does not match price*shares.
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "50", 1, now), d("-49"))
			assert.ErrorIs(t, err, store.ErrUnbalanced)

			// Unknown account.
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry("ghost-"+id, "AAPL", "50", 1, now), d("-50"))
			assert.ErrorIs(t, err, store.ErrAccountNotFound)

			cash, err := s.ReadCash(ctx, id)
			require.NoError(t, err)
			assert.True(t, cash.Equal(d("100")), "cash = %s", cash)

			txs, err := s.ReadTransactions(ctx, id, "")
			require.NoError(t, err)
			assert.Empty(t, txs)
		})
	}
}

func TestStore_ShareOverflowLeavesNoTrace(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("100000000000000000000"))
			require.NoError(t, err)
			now := time.Now().UTC()

			const lot = 5_000_000_000_000_000_000
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "PENNY", "0.0001", lot, now), d("-500000000000000"))
			require.NoError(t, err)

			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "PENNY", "0.0001", lot, now.Add(time.Second)), d("-500000000000000"))
			assert.ErrorIs(t, err, store.ErrShareOverflow)

			// Filling up to the limit exactly is allowed.
			_, err = s.AppendTransactionAndAdjustCash(ctx,
				entry(id, "PENNY", "0.0001", math.MaxInt64-lot, now.Add(2*time.Second)), d("0.0001").Mul(decimal.NewFromInt(math.MaxInt64-lot)).Neg())
			require.NoError(t, err)

			txs, err := s.ReadTransactions(ctx, id, "PENNY")
			require.NoError(t, err)
			require.Len(t, txs, 2)
			assert.Equal(t, int64(math.MaxInt64), txs[0].Shares+txs[1].Shares)
		})
	}
}

func TestStore_RejectsUnnormalizedSymbol(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("100"))
			require.NoError(t, err)

			for _, sym := range []string{"aapl", "AA PL", "TOOLONGSYMBOL"} {
				_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, sym, "10", 1, time.Now().UTC()), d("-10"))
				assert.Error(t, err, sym)
			}

			cash, err := s.ReadCash(ctx, id)
			require.NoError(t, err)
			assert.True(t, cash.Equal(d("100")), "cash = %s", cash)
			txs, err := s.ReadTransactions(ctx, id, "")
			require.NoError(t, err)
			assert.Empty(t, txs)
		})
	}
}

func TestStore_ReadTransactionsOrderAndFilter(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("10000"))
			require.NoError(t, err)

			base := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
			// Appended out of timestamp order; two share a timestamp.
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "MSFT", "10", 1, base.Add(2*time.Minute)), d("-10"))
			require.NoError(t, err)
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "20", 1, base), d("-20"))
			require.NoError(t, err)
			_, err = s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "30", 1, base), d("-30"))
			require.NoError(t, err)

			all, err := s.ReadTransactions(ctx, id, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.True(t, all[0].Price.Equal(d("20")))
			assert.True(t, all[1].Price.Equal(d("30")), "equal timestamps keep commit order")
			assert.Equal(t, "MSFT", all[2].Symbol)
			assert.True(t, all[0].Timestamp.Equal(base))

			aapl, err := s.ReadTransactions(ctx, id, "AAPL")
			require.NoError(t, err)
			assert.Len(t, aapl, 2)
		})
	}
}

func TestStore_ConcurrentAppendsNeverOverdraw(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := accountID(t)
			_, err := s.OpenAccount(ctx, id, d("1000"))
			require.NoError(t, err)

			// 20 buys of 100 against 1000 cash: exactly 10 may commit.
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.AppendTransactionAndAdjustCash(ctx, entry(id, "AAPL", "100", 1, time.Now().UTC()), d("-100"))
				}()
			}
			wg.Wait()

			cash, err := s.ReadCash(ctx, id)
			require.NoError(t, err)
			assert.True(t, cash.IsZero(), "cash = %s", cash)

			txs, err := s.ReadTransactions(ctx, id, "AAPL")
			require.NoError(t, err)
			assert.Len(t, txs, 10)
		})
	}
}
