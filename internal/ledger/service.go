// Package ledger is the order executor and portfolio query surface.
//
// Orders are validated, priced once, then checked and committed inside a
// per-account lock with a single atomic store append. Quote lookups happen
// before the lock is taken. Nothing is cached between calls and nothing is
// retried: every rejection is returned to the caller.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/holdings"
	"github.com/papertrade/engine/internal/lock"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/quote"
	"github.com/papertrade/engine/internal/store"
	"github.com/papertrade/engine/internal/symbol"
	"github.com/papertrade/engine/internal/valuation"
)

const (
	// DefaultStartingCash is the balance of a newly opened account.
	DefaultStartingCash = 10000

	// DefaultQuoteTimeout bounds each quote lookup.
	DefaultQuoteTimeout = 5 * time.Second

	maxAccountIDLen = 64
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Receipt describes a committed order.
type Receipt struct {
	Side        Side              `json:"side"`
	Transaction model.Transaction `json:"transaction"`
	Cash        decimal.Decimal   `json:"cash"` // balance after the commit
}

// Notifier is told about every committed order, after the account lock is
// released. Implementations must not block.
type Notifier interface {
	OrderCommitted(r Receipt)
}

// Service executes orders and answers portfolio queries.
type Service struct {
	store        store.Store
	quotes       quote.Provider
	locker       lock.Locker
	valuer       *valuation.Engine
	notifier     Notifier
	startingCash decimal.Decimal
	quoteTimeout time.Duration
	concurrency  int
	now          func() time.Time
	newID        func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the default in-process KeyedMutex, e.g. with a
// RedisLocker when several instances share one database.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

// WithNotifier registers a receiver for committed orders.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithStartingCash sets the balance used by OpenAccount when none is given.
func WithStartingCash(c decimal.Decimal) Option { return func(s *Service) { s.startingCash = c } }

// WithQuoteTimeout bounds every quote lookup.
func WithQuoteTimeout(d time.Duration) Option { return func(s *Service) { s.quoteTimeout = d } }

// WithValuationConcurrency bounds parallel lookups per portfolio valuation.
func WithValuationConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a ledger service over a store and a quote provider.
func NewService(st store.Store, quotes quote.Provider, opts ...Option) *Service {
	s := &Service{
		store:        st,
		locker:       lock.NewKeyedMutex(),
		startingCash: decimal.NewFromInt(DefaultStartingCash),
		quoteTimeout: DefaultQuoteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.quoteTimeout <= 0 {
		s.quoteTimeout = DefaultQuoteTimeout
	}
	s.quotes = quote.Bounded(quotes, s.quoteTimeout)
	s.valuer = valuation.NewEngine(s.quotes, s.concurrency)
	return s
}

// --- Orders ---

// PlaceBuyOrder buys shares of symbol at the current quote.
func (s *Service) PlaceBuyOrder(ctx context.Context, accountID, sym string, shares int64) (*Receipt, error) {
	return s.placeOrder(ctx, Buy, accountID, sym, shares)
}

// PlaceSellOrder sells shares of symbol at the current quote.
func (s *Service) PlaceSellOrder(ctx context.Context, accountID, sym string, shares int64) (*Receipt, error) {
	return s.placeOrder(ctx, Sell, accountID, sym, shares)
}

func (s *Service) placeOrder(ctx context.Context, side Side, accountID, rawSymbol string, shares int64) (*Receipt, error) {
	start := time.Now()
	r, err := s.execute(ctx, side, accountID, rawSymbol, shares)
	metrics.OrderLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := KindOf(err)
		metrics.OrdersTotal.WithLabelValues(string(side), string(kind)).Inc()
		if kind == KindStorage || kind == KindUnknown {
			slog.Error("order failed", "side", side, "account", accountID, "symbol", rawSymbol, "shares", shares, "err", err)
		} else {
			slog.Info("order rejected", "side", side, "account", accountID, "symbol", rawSymbol, "shares", shares, "kind", kind, "reason", err.Error())
		}
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(side), "committed").Inc()
	slog.Info("order committed",
		"tx_id", r.Transaction.ID,
		"side", side,
		"account", accountID,
		"symbol", r.Transaction.Symbol,
		"shares", r.Transaction.Shares,
		"price", r.Transaction.Price.String(),
		"cash", r.Cash.String(),
	)
	if s.notifier != nil {
		s.notifier.OrderCommitted(*r)
	}
	return r, nil
}

func (s *Service) execute(ctx context.Context, side Side, accountID, rawSymbol string, shares int64) (*Receipt, error) {
	// 1. Input shape, before touching storage or quotes.
	accountID, err := checkAccountID(accountID)
	if err != nil {
		return nil, err
	}
	sym, err := symbol.Normalize(rawSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if shares <= 0 {
		return nil, invalid("shares must be a positive integer, got %d", shares)
	}

	// 2. Price, resolved once and reused for the commit. No lock is held
	// while the provider is slow.
	q, err := s.quotes.Lookup(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQuoteUnavailable, sym, err)
	}
	price := q.Price
	amount := price.Mul(decimal.NewFromInt(shares))

	// 3. Check and commit against a snapshot no other order can change.
	unlock, err := s.locker.Lock(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock account %s: %w", ErrStorage, accountID, err)
	}
	defer unlock()

	cash, err := s.store.ReadCash(ctx, accountID)
	if err != nil {
		return nil, fromStore(err)
	}

	txs, err := s.store.ReadTransactions(ctx, accountID, sym)
	if err != nil {
		return nil, fromStore(err)
	}
	pos, err := holdings.Position(txs, sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	var signed int64
	var delta decimal.Decimal
	switch side {
	case Buy:
		if amount.GreaterThan(cash) {
			return nil, fmt.Errorf("%w: %d %s @ %s costs %s, cash is %s",
				ErrInsufficientFunds, shares, sym, price, amount, cash)
		}
		if pos.Shares > math.MaxInt64-shares {
			return nil, invalid("buying %d %s would overflow the %d already held", shares, sym, pos.Shares)
		}
		signed, delta = shares, amount.Neg()

	case Sell:
		if shares > pos.Shares {
			return nil, fmt.Errorf("%w: selling %d %s, holding %d",
				ErrInsufficientShares, shares, sym, pos.Shares)
		}
		signed, delta = -shares, amount

	default:
		return nil, invalid("unknown side %q", side)
	}

	tx := &model.Transaction{
		ID:        s.newID(),
		AccountID: accountID,
		Symbol:    sym,
		Price:     price,
		Shares:    signed,
		Timestamp: s.now(),
	}
	newCash, err := s.store.AppendTransactionAndAdjustCash(ctx, tx, delta)
	if err != nil {
		return nil, fromStore(err)
	}

	return &Receipt{Side: side, Transaction: *tx, Cash: newCash}, nil
}

// --- Queries ---

// GetPortfolio values the account's open positions at current quotes.
// Cash and transactions are read together under the account lock so the
// snapshot is consistent; quotes are fetched after the lock is released.
func (s *Service) GetPortfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	accountID, err := checkAccountID(accountID)
	if err != nil {
		return nil, err
	}

	cash, txs, err := s.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	h, err := holdings.Aggregate(txs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	p, err := s.valuer.Value(ctx, accountID, cash, h)
	if err != nil {
		return nil, fmt.Errorf("%w: valuation: %w", ErrStorage, err)
	}
	return p, nil
}

func (s *Service) snapshot(ctx context.Context, accountID string) (decimal.Decimal, []model.Transaction, error) {
	unlock, err := s.locker.Lock(ctx, accountID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("%w: lock account %s: %w", ErrStorage, accountID, err)
	}
	defer unlock()

	cash, err := s.store.ReadCash(ctx, accountID)
	if err != nil {
		return decimal.Zero, nil, fromStore(err)
	}
	txs, err := s.store.ReadTransactions(ctx, accountID, "")
	if err != nil {
		return decimal.Zero, nil, fromStore(err)
	}
	return cash, txs, nil
}

// GetHistory returns the account's transactions, newest first.
func (s *Service) GetHistory(ctx context.Context, accountID string) ([]model.Transaction, error) {
	accountID, err := checkAccountID(accountID)
	if err != nil {
		return nil, err
	}

	txs, err := s.store.ReadTransactions(ctx, accountID, "")
	if err != nil {
		return nil, fromStore(err)
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

// HeldSymbols lists the symbols the account currently holds, sorted.
func (s *Service) HeldSymbols(ctx context.Context, accountID string) ([]string, error) {
	accountID, err := checkAccountID(accountID)
	if err != nil {
		return nil, err
	}

	txs, err := s.store.ReadTransactions(ctx, accountID, "")
	if err != nil {
		return nil, fromStore(err)
	}
	h, err := holdings.Aggregate(txs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	syms := make([]string, 0, len(h))
	for sym, hold := range h {
		if hold.Shares > 0 {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)
	return syms, nil
}

// GetQuote looks up the current price of a symbol.
func (s *Service) GetQuote(ctx context.Context, rawSymbol string) (model.Quote, error) {
	sym, err := symbol.Normalize(rawSymbol)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	q, err := s.quotes.Lookup(ctx, sym)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %w", ErrQuoteUnavailable, sym, err)
	}
	return q, nil
}

// --- Accounts ---

// OpenAccount creates an account. A nil cash opens it with the configured
// starting balance.
func (s *Service) OpenAccount(ctx context.Context, accountID string, cash *decimal.Decimal) (*model.Account, error) {
	accountID, err := checkAccountID(accountID)
	if err != nil {
		return nil, err
	}
	opening := s.startingCash
	if cash != nil {
		opening = *cash
	}
	if opening.IsNegative() {
		return nil, invalid("opening cash must not be negative, got %s", opening)
	}

	a, err := s.store.OpenAccount(ctx, accountID, opening)
	if err != nil {
		return nil, fromStore(err)
	}
	slog.Info("account opened", "account", a.ID, "cash", a.Cash.String())
	return a, nil
}

func checkAccountID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid("account id is required")
	}
	if len(id) > maxAccountIDLen {
		return "", invalid("account id longer than %d characters", maxAccountIDLen)
	}
	return id, nil
}
