package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store/migrations"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrations.Postgres); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) OpenAccount(ctx context.Context, accountID string, cash decimal.Decimal) (*model.Account, error) {
	if cash.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance %s", ErrInsufficientCash, cash)
	}

	a := &model.Account{ID: accountID, Cash: cash, CreatedAt: time.Now().UTC()}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash, created_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Cash.String(), a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, accountID)
	}
	return a, nil
}

func (s *PostgresStore) ReadCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var cashS string
	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT FROM accounts WHERE id = $1`, accountID).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read cash %s: %w", accountID, err)
	}
	return decimal.NewFromString(cashS)
}

func (s *PostgresStore) ReadTransactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if symbol == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id::TEXT, account_id, symbol, price::TEXT, shares, executed_at
			 FROM transactions WHERE account_id = $1
			 ORDER BY executed_at, seq`, accountID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id::TEXT, account_id, symbol, price::TEXT, shares, executed_at
			 FROM transactions WHERE account_id = $1 AND symbol = $2
			 ORDER BY executed_at, seq`, accountID, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("read transactions %s: %w", accountID, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// AppendTransactionAndAdjustCash runs the insert and the balance update in
// one database transaction. The account row is locked FOR UPDATE so that
// concurrent appends for the same account serialize in the database too.
func (s *PostgresStore) AppendTransactionAndAdjustCash(ctx context.Context, t *model.Transaction, cashDelta decimal.Decimal) (decimal.Decimal, error) {
	if err := checkEntry(t, cashDelta); err != nil {
		return decimal.Zero, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin append: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	var cashS string
	err = tx.QueryRow(ctx,
		`SELECT cash::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, t.AccountID).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, t.AccountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", t.AccountID, err)
	}

	cash, err := decimal.NewFromString(cashS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse cash %q: %w", cashS, err)
	}
	newCash := cash.Add(cashDelta)
	if newCash.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s + %s", ErrInsufficientCash, cash, cashDelta)
	}

	var held int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0)::BIGINT FROM transactions
		 WHERE account_id = $1 AND symbol = $2`, t.AccountID, t.Symbol).Scan(&held)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum shares %s/%s: %w", t.AccountID, t.Symbol, err)
	}
	if err := checkShares(t.Symbol, held, t.Shares); err != nil {
		return decimal.Zero, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, symbol, price, shares, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		t.ID, t.AccountID, t.Symbol, t.Price.String(), t.Shares, t.Timestamp,
	); err != nil {
		return decimal.Zero, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET cash = $2::NUMERIC WHERE id = $1`,
		t.AccountID, newCash.String(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("update cash: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit append: %w", err)
	}
	return newCash, nil
}

// scanTransactions reads rows into Transaction slices.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows rowScanner) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var priceS string

		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &priceS, &t.Shares, &t.Timestamp); err != nil {
			return nil, err
		}

		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceS, err)
		}
		t.Price = price
		t.Timestamp = t.Timestamp.UTC()

		txs = append(txs, t)
	}
	return txs, rows.Err()
}
