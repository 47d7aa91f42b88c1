package ledger

import (
	"errors"
	"fmt"

	"github.com/papertrade/engine/internal/store"
)

// Failure kinds. Every error returned by Service wraps exactly one of these;
// branch on them with errors.Is or KindOf.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrStorage            = errors.New("storage error")
)

// Kind names a failure kind for logs, metrics and API payloads.
type Kind string

const (
	KindNone               Kind = ""
	KindInvalidInput       Kind = "invalid_input"
	KindAccountNotFound    Kind = "account_not_found"
	KindAccountExists      Kind = "account_exists"
	KindQuoteUnavailable   Kind = "quote_unavailable"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindInsufficientShares Kind = "insufficient_shares"
	KindStorage            Kind = "storage_error"
	KindUnknown            Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrAccountExists, KindAccountExists},
	{ErrQuoteUnavailable, KindQuoteUnavailable},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientShares, KindInsufficientShares},
	{ErrStorage, KindStorage},
}

// KindOf returns the failure kind carried by err, KindNone for nil and
// KindUnknown for errors that did not come from Service.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// fromStore maps store errors onto failure kinds. The store's guards are a
// second line of defence: they fire only if something bypassed the
// per-account lock.
func fromStore(err error) error {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	case errors.Is(err, store.ErrAccountExists):
		return fmt.Errorf("%w: %w", ErrAccountExists, err)
	case errors.Is(err, store.ErrInsufficientCash):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrInsufficientShares):
		return fmt.Errorf("%w: %w", ErrInsufficientShares, err)
	case errors.Is(err, store.ErrShareOverflow):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}
