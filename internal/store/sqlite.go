package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store/migrations"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and timestamps as unix nanoseconds. The pool is capped at one
// connection, so every write is serialized by the database handle itself.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = absPath
	}

	// Ledger profile: the transaction log is the audit trail, fsync every
	// commit and never shrink.
	connStr := path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations.SQLite); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OpenAccount(ctx context.Context, accountID string, cash decimal.Decimal) (*model.Account, error) {
	if cash.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance %s", ErrInsufficientCash, cash)
	}

	a := &model.Account{ID: accountID, Cash: cash, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, cash, created_at) VALUES (?, ?, ?)`,
		a.ID, a.Cash.String(), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", accountID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, accountID)
	}
	return a, nil
}

func (s *SQLiteStore) ReadCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return readCashSQL(ctx, s.db, accountID)
}

func (s *SQLiteStore) ReadTransactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error) {
	query := `SELECT id, account_id, symbol, price, shares, executed_at
	          FROM transactions WHERE account_id = ?`
	args := []interface{}{accountID}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY executed_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read transactions %s: %w", accountID, err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var priceS string
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &priceS, &t.Shares, &executedAt); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceS, err)
		}
		t.Timestamp = time.Unix(0, executedAt).UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) AppendTransactionAndAdjustCash(ctx context.Context, t *model.Transaction, cashDelta decimal.Decimal) (decimal.Decimal, error) {
	if err := checkEntry(t, cashDelta); err != nil {
		return decimal.Zero, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	cash, err := readCashSQL(ctx, tx, t.AccountID)
	if err != nil {
		return decimal.Zero, err
	}
	newCash := cash.Add(cashDelta)
	if newCash.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s + %s", ErrInsufficientCash, cash, cashDelta)
	}

	var held int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(shares), 0) FROM transactions
		 WHERE account_id = ? AND symbol = ?`, t.AccountID, t.Symbol).Scan(&held)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum shares %s/%s: %w", t.AccountID, t.Symbol, err)
	}
	if err := checkShares(t.Symbol, held, t.Shares); err != nil {
		return decimal.Zero, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, account_id, symbol, price, shares, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Symbol, t.Price.String(), t.Shares, t.Timestamp.UnixNano(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET cash = ? WHERE id = ?`, newCash.String(), t.AccountID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("update cash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit append: %w", err)
	}
	return newCash, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func readCashSQL(ctx context.Context, q queryRower, accountID string) (decimal.Decimal, error) {
	var cashS string
	err := q.QueryRowContext(ctx, `SELECT cash FROM accounts WHERE id = ?`, accountID).Scan(&cashS)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read cash %s: %w", accountID, err)
	}
	return decimal.NewFromString(cashS)
}
