// Package quotes fetches display-only market prices from the chart API.
// Nothing in the session or wallet lifecycle depends on these values.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://query1.finance.yahoo.com"
	defaultSuffix  = ".NS"
	requestTimeout = 5 * time.Second
)

var (
	ErrInvalidSymbol  = errors.New("invalid symbol")
	ErrQuoteNotFound  = errors.New("quote not found")
	ErrUpstreamFailed = errors.New("quote upstream failed")
)

// Quote is the latest trade snapshot for one symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	PreviousClose float64 `json:"previous_close"`
	Currency      string  `json:"currency"`
}

// Client is a thin chart-endpoint client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the upstream endpoint, used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		if baseURL != "" {
			client.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient returns a quote client against the default chart API.
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"previousClose"`
			} `json:"meta"`
		} `json:"result"`
	} `json:"chart"`
}

// Latest returns the last trade price for the symbol. Symbols without an
// exchange suffix default to the NSE listing.
func (client *Client) Latest(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, ErrInvalidSymbol
	}
	if !strings.Contains(symbol, ".") {
		symbol += defaultSuffix
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", client.baseURL, url.PathEscape(symbol))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return Quote{}, ErrQuoteNotFound
	}
	if response.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: status %d", ErrUpstreamFailed, response.StatusCode)
	}

	var payload chartResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	if len(payload.Chart.Result) == 0 || payload.Chart.Result[0].Meta.RegularMarketPrice == 0 {
		return Quote{}, ErrQuoteNotFound
	}

	meta := payload.Chart.Result[0].Meta
	return Quote{
		Symbol:        meta.Symbol,
		Price:         meta.RegularMarketPrice,
		PreviousClose: meta.PreviousClose,
		Currency:      meta.Currency,
	}, nil
}
