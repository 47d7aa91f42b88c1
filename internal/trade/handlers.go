// Package trade provides the HTTP handlers for opening accounts, placing
// orders and querying portfolios, history and quotes.
//
// Handlers only decode, delegate to ledger.Service and encode. Every money
// field is sent as an exact decimal string plus a *_display USD rendering.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/usd"
)

// Handlers exposes ledger.Service over HTTP.
type Handlers struct {
	ledger *ledger.Service
	wsHub  *WSHub // optional WebSocket feed of committed orders
}

// NewHandlers creates the HTTP handlers.
// Pass nil for hub if the WebSocket feed is not needed.
func NewHandlers(svc *ledger.Service, hub *WSHub) *Handlers {
	return &Handlers{ledger: svc, wsHub: hub}
}

// Register mounts the API routes on r. Callers mount r under /api/v1.
func (h *Handlers) Register(r chi.Router) {
	r.Post("/accounts", h.OpenAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/buy", h.Buy)
		r.Post("/sell", h.Sell)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/history", h.GetHistory)
		r.Get("/symbols", h.HeldSymbols)
	})
	r.Get("/quotes/{symbol}", h.GetQuote)
	if h.wsHub != nil {
		r.Get("/ws", h.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	AccountID string           `json:"account_id"`
	Cash      *decimal.Decimal `json:"cash,omitempty"` // nil → configured starting cash
}

// OrderRequest is the JSON body for POST /accounts/{accountID}/buy|sell.
type OrderRequest struct {
	Symbol string `json:"symbol"`
	Shares int64  `json:"shares"`
}

// AccountResponse is returned from POST /accounts.
type AccountResponse struct {
	AccountID   string          `json:"account_id"`
	Cash        decimal.Decimal `json:"cash"`
	CashDisplay string          `json:"cash_display"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionView is one ledger entry as sent to clients.
type TransactionView struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         ledger.Side     `json:"side"`
	Shares       int64           `json:"shares"` // signed: +buy, -sell
	Price        decimal.Decimal `json:"price"`
	PriceDisplay string          `json:"price_display"`
	Total        decimal.Decimal `json:"total"` // price * |shares|
	TotalDisplay string          `json:"total_display"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ReceiptResponse is returned from a committed order.
type ReceiptResponse struct {
	Side        ledger.Side     `json:"side"`
	Transaction TransactionView `json:"transaction"`
	Cash        decimal.Decimal `json:"cash"`
	CashDisplay string          `json:"cash_display"`
}

// PositionView is one valued holding.
type PositionView struct {
	Symbol               string           `json:"symbol"`
	Shares               int64            `json:"shares"`
	AvgCost              decimal.Decimal  `json:"avg_cost"`
	AvgCostDisplay       string           `json:"avg_cost_display"`
	CostBasis            decimal.Decimal  `json:"cost_basis"`
	CostBasisDisplay     string           `json:"cost_basis_display"`
	Price                *decimal.Decimal `json:"price"`
	PriceDisplay         string           `json:"price_display"`
	Estimated            bool             `json:"estimated"`
	MarketValue          decimal.Decimal  `json:"market_value"`
	MarketValueDisplay   string           `json:"market_value_display"`
	UnrealizedPnL        decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLDisplay string           `json:"unrealized_pnl_display"`
}

// PortfolioResponse is returned from GET /accounts/{accountID}/portfolio.
type PortfolioResponse struct {
	AccountID          string          `json:"account_id"`
	Positions          []PositionView  `json:"positions"`
	Cash               decimal.Decimal `json:"cash"`
	CashDisplay        string          `json:"cash_display"`
	MarketValue        decimal.Decimal `json:"market_value"`
	MarketValueDisplay string          `json:"market_value_display"`
	TotalEquity        decimal.Decimal `json:"total_equity"`
	TotalEquityDisplay string          `json:"total_equity_display"`
	Estimated          bool            `json:"estimated"`
	AsOf               time.Time       `json:"as_of"`
}

// QuoteResponse is returned from GET /quotes/{symbol}.
type QuoteResponse struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	Price        decimal.Decimal `json:"price"`
	PriceDisplay string          `json:"price_display"`
	AsOf         time.Time       `json:"as_of"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  ledger.Kind `json:"kind"`
}

// --- HTTP Handlers ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handlers) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", ledger.KindInvalidInput, http.StatusBadRequest)
		return
	}

	a, err := h.ledger.OpenAccount(r.Context(), req.AccountID, req.Cash)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AccountResponse{
		AccountID:   a.ID,
		Cash:        a.Cash,
		CashDisplay: usd.Format(a.Cash),
		CreatedAt:   a.CreatedAt,
	})
}

// Buy handles POST /api/v1/accounts/{accountID}/buy
func (h *Handlers) Buy(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.ledger.PlaceBuyOrder)
}

// Sell handles POST /api/v1/accounts/{accountID}/sell
func (h *Handlers) Sell(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.ledger.PlaceSellOrder)
}

type placeFunc func(ctx context.Context, accountID, symbol string, shares int64) (*ledger.Receipt, error)

func (h *Handlers) placeOrder(w http.ResponseWriter, r *http.Request, place placeFunc) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: shares must be a whole number", ledger.KindInvalidInput, http.StatusBadRequest)
		return
	}

	receipt, err := place(r.Context(), chi.URLParam(r, "accountID"), req.Symbol, req.Shares)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReceiptResponse{
		Side:        receipt.Side,
		Transaction: transactionView(receipt.Transaction),
		Cash:        receipt.Cash,
		CashDisplay: usd.Format(receipt.Cash),
	})
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
// Returns every open position marked to market plus cash and equity.
func (h *Handlers) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.GetPortfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	positions := make([]PositionView, 0, len(p.Positions))
	for _, pos := range p.Positions {
		positions = append(positions, PositionView{
			Symbol:               pos.Symbol,
			Shares:               pos.Shares,
			AvgCost:              pos.AvgCost,
			AvgCostDisplay:       usd.Format(pos.AvgCost),
			CostBasis:            pos.CostBasis,
			CostBasisDisplay:     usd.Format(pos.CostBasis),
			Price:                pos.Price,
			PriceDisplay:         usd.FormatPtr(pos.Price),
			Estimated:            pos.Estimated,
			MarketValue:          pos.MarketValue,
			MarketValueDisplay:   usd.Format(pos.MarketValue),
			UnrealizedPnL:        pos.UnrealizedPnL,
			UnrealizedPnLDisplay: usd.Format(pos.UnrealizedPnL),
		})
	}

	writeJSON(w, http.StatusOK, PortfolioResponse{
		AccountID:          p.AccountID,
		Positions:          positions,
		Cash:               p.Cash,
		CashDisplay:        usd.Format(p.Cash),
		MarketValue:        p.MarketValue,
		MarketValueDisplay: usd.Format(p.MarketValue),
		TotalEquity:        p.TotalEquity,
		TotalEquityDisplay: usd.Format(p.TotalEquity),
		Estimated:          p.Estimated,
		AsOf:               p.AsOf,
	})
}

// GetHistory handles GET /api/v1/accounts/{accountID}/history
// Returns ledger entries, newest first.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.GetHistory(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	views := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, transactionView(tx))
	}
	writeJSON(w, http.StatusOK, views)
}

// HeldSymbols handles GET /api/v1/accounts/{accountID}/symbols
func (h *Handlers) HeldSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := h.ledger.HeldSymbols(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"symbols": syms})
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.ledger.GetQuote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Symbol:       q.Symbol,
		Name:         q.Name,
		Price:        q.Price,
		PriceDisplay: usd.Format(q.Price),
		AsOf:         q.AsOf,
	})
}

func transactionView(tx model.Transaction) TransactionView {
	side := ledger.Sell
	if tx.IsBuy() {
		side = ledger.Buy
	}
	total := tx.Amount().Abs()
	return TransactionView{
		ID:           tx.ID,
		AccountID:    tx.AccountID,
		Symbol:       tx.Symbol,
		Side:         side,
		Shares:       tx.Shares,
		Price:        tx.Price,
		PriceDisplay: usd.Format(tx.Price),
		Total:        total,
		TotalDisplay: usd.Format(total),
		Timestamp:    tx.Timestamp,
	}
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidInput:
		return http.StatusBadRequest
	case ledger.KindAccountNotFound:
		return http.StatusNotFound
	case ledger.KindAccountExists, ledger.KindInsufficientFunds, ledger.KindInsufficientShares:
		return http.StatusConflict
	case ledger.KindQuoteUnavailable:
		return http.StatusFailedDependency
	case ledger.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind, "err", err)
		// Don't leak storage internals.
		msg = "service unavailable"
		if errors.Is(err, ledger.ErrStorage) {
			msg = "storage unavailable, retry later"
		}
	}
	writeError(w, msg, kind, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, kind ledger.Kind, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
