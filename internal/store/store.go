// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL and SQLite (durable sources of truth)
// and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/symbol"
)

var (
	ErrAccountNotFound    = errors.New("store: account not found")
	ErrAccountExists      = errors.New("store: account already exists")
	ErrInsufficientCash   = errors.New("store: cash balance would go negative")
	ErrInsufficientShares = errors.New("store: net shares would go negative")
	ErrShareOverflow      = errors.New("store: net shares would overflow")
	ErrUnbalanced         = errors.New("store: cash delta does not match transaction amount")
)

// Store is the ledger persistence interface. Transactions are append-only;
// the cash balance is the only mutable field and changes only together with
// a new transaction.
type Store interface {
	// --- Accounts ---

	// OpenAccount creates an account with the given starting cash.
	OpenAccount(ctx context.Context, accountID string, cash decimal.Decimal) (*model.Account, error)

	// ReadCash returns the current cash balance of an account.
	ReadCash(ctx context.Context, accountID string) (decimal.Decimal, error)

	// --- Immutable ledger ---

	// ReadTransactions returns an account's transactions ordered by
	// timestamp ascending, ties in commit order. An empty symbol means all
	// symbols.
	ReadTransactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error)

	// AppendTransactionAndAdjustCash inserts tx and adds cashDelta to the
	// account balance as one atomic unit, returning the new balance. Either
	// both happen or neither does. The resulting cash and net shares are
	// re-checked inside the unit.
	AppendTransactionAndAdjustCash(ctx context.Context, tx *model.Transaction, cashDelta decimal.Decimal) (decimal.Decimal, error)
}

// Migrator is implemented by stores that own a database schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// checkEntry validates the shape of an append request. The cash delta must
// be the exact negation of price*shares.
func checkEntry(tx *model.Transaction, cashDelta decimal.Decimal) error {
	if tx.AccountID == "" || tx.Symbol == "" || tx.ID == "" {
		return fmt.Errorf("store: incomplete transaction %+v", *tx)
	}
	if !symbol.Valid(tx.Symbol) {
		return fmt.Errorf("store: symbol %q is not normalized", tx.Symbol)
	}
	if !tx.Price.IsPositive() {
		return fmt.Errorf("store: non-positive price %s", tx.Price)
	}
	if tx.Shares == 0 {
		return errors.New("store: zero-share transaction")
	}
	if !cashDelta.Equal(tx.Amount().Neg()) {
		return fmt.Errorf("%w: delta %s, amount %s", ErrUnbalanced, cashDelta, tx.Amount())
	}
	return nil
}

// checkShares verifies that applying shares to held keeps the net position
// within 0..math.MaxInt64.
func checkShares(sym string, held, shares int64) error {
	if shares < 0 && held+shares < 0 {
		return fmt.Errorf("%w: %s holds %d, selling %d", ErrInsufficientShares, sym, held, -shares)
	}
	if shares > 0 && held > math.MaxInt64-shares {
		return fmt.Errorf("%w: %s holds %d, buying %d", ErrShareOverflow, sym, held, shares)
	}
	return nil
}
