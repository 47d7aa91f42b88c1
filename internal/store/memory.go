package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/papertrade/engine/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	ledger   []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) OpenAccount(_ context.Context, accountID string, cash decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, accountID)
	}
	if cash.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance %s", ErrInsufficientCash, cash)
	}

	a := &model.Account{ID: accountID, Cash: cash, CreatedAt: time.Now().UTC()}
	s.accounts[accountID] = a
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ReadCash(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return a.Cash, nil
}

func (s *MemoryStore) ReadTransactions(_ context.Context, accountID, symbol string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.AccountID != accountID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		result = append(result, t)
	}
	// The ledger slice is already in commit order; a stable sort keeps it
	// for equal timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) AppendTransactionAndAdjustCash(_ context.Context, tx *model.Transaction, cashDelta decimal.Decimal) (decimal.Decimal, error) {
	if err := checkEntry(tx, cashDelta); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tx.AccountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, tx.AccountID)
	}

	newCash := a.Cash.Add(cashDelta)
	if newCash.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s + %s", ErrInsufficientCash, a.Cash, cashDelta)
	}

	var held int64
	for _, t := range s.ledger {
		if t.AccountID == tx.AccountID && t.Symbol == tx.Symbol {
			held += t.Shares
		}
	}
	if err := checkShares(tx.Symbol, held, tx.Shares); err != nil {
		return decimal.Zero, err
	}

	// Both mutations happen under the same lock: no reader can observe one
	// without the other.
	s.ledger = append(s.ledger, *tx)
	a.Cash = newCash
	return newCash, nil
}
