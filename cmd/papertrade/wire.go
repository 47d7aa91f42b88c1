package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/config"
	"github.com/papertrade/engine/internal/lock"
	"github.com/papertrade/engine/internal/quote"
	"github.com/papertrade/engine/internal/store"
)

// openStore picks PostgreSQL, then SQLite, then memory. The returned
// cleanup is always non-nil.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return store.NewPostgresStore(pool), pool.Close, nil

	case cfg.SQLitePath != "":
		st, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened SQLite ledger", "path", cfg.SQLitePath)
		return st, func() { st.Close() }, nil

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// newLocker returns a Redis lock when REDIS_URL is set so that several
// instances sharing one database serialize orders per account.
func newLocker(cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewKeyedMutex(), func() {}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	slog.Info("Redis account lock enabled", "ttl", cfg.LockTTL)
	return lock.NewRedisLocker(rdb, cfg.LockTTL), func() { rdb.Close() }, nil
}

// demoPrices seeds the static quote table used when no API key is set.
var demoPrices = map[string]string{
	"AAPL":  "187.12",
	"AMZN":  "178.25",
	"GOOGL": "141.80",
	"MSFT":  "415.50",
	"NFLX":  "610.00",
	"TSLA":  "175.34",
}

func newQuoteProvider(cfg *config.Config) quote.Provider {
	if cfg.APIKey != "" {
		return quote.NewHTTPProvider(cfg.QuoteAPIURL, cfg.APIKey)
	}
	slog.Warn("API_KEY not set, serving quotes from a static demo table")
	prices := make(map[string]decimal.Decimal, len(demoPrices))
	for sym, p := range demoPrices {
		prices[sym] = decimal.RequireFromString(p)
	}
	return quote.NewStaticProvider(prices)
}
