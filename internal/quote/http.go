package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
)

// DefaultBaseURL is the IEX Cloud stable API root.
const DefaultBaseURL = "https://cloud.iexapis.com/stable"

// HTTPProvider looks up quotes from an IEX-style JSON endpoint:
// GET {base}/stock/{symbol}/quote?token={token}
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the given API root and token.
// An empty baseURL selects DefaultBaseURL.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// iexQuote is the subset of the IEX quote payload we read. latestPrice is
// decoded straight into a decimal so the number never passes through a
// float.
type iexQuote struct {
	Symbol      string              `json:"symbol"`
	CompanyName string              `json:"companyName"`
	LatestPrice decimal.NullDecimal `json:"latestPrice"`
}

func (p *HTTPProvider) Lookup(ctx context.Context, symbol string) (model.Quote, error) {
	addr := fmt.Sprintf("%s/stock/%s/quote?token=%s",
		p.baseURL, url.PathEscape(symbol), url.QueryEscape(p.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	case resp.StatusCode != http.StatusOK:
		return model.Quote{}, fmt.Errorf("%w: %s: http %s", ErrUnavailable, symbol, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var q iexQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return model.Quote{}, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, symbol, err)
	}
	if !q.LatestPrice.Valid || !q.LatestPrice.Decimal.IsPositive() {
		return model.Quote{}, fmt.Errorf("%s: no price: %w", symbol, ErrUnknownSymbol)
	}

	sym := strings.ToUpper(q.Symbol)
	if sym == "" {
		sym = symbol
	}
	return model.Quote{
		Symbol: sym,
		Name:   q.CompanyName,
		Price:  q.LatestPrice.Decimal,
		AsOf:   time.Now().UTC(),
	}, nil
}
