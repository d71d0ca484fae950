package marketdata

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// APIError represents a historical-data API error with status and body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// RetryConfig tunes the fetch retry loop.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is used when no override is supplied.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Client fetches historical bars and option chains from a Tradier-style
// REST API. Requests run through a circuit breaker so a flapping upstream
// fails the preload fast instead of grinding through every (symbol, date)
// pair, and transient failures are retried with exponential backoff.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	baseURL string
	apiKey  string
}

// NewClient creates a historical-data API client.
func NewClient(baseURL, apiKey string, retry ...RetryConfig) *Client {
	rc := DefaultRetryConfig
	if len(retry) > 0 {
		rc = retry[0]
	}
	settings := gobreaker.Settings{
		Name:    "marketdata-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   rc,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// historyResponse mirrors the API's daily-history payload.
type historyResponse struct {
	History struct {
		Day []struct {
			Date       string  `json:"date"`
			Open       float64 `json:"open"`
			High       float64 `json:"high"`
			Low        float64 `json:"low"`
			Close      float64 `json:"close"`
			Volume     int64   `json:"volume"`
			ImpliedVol float64 `json:"implied_vol"`
		} `json:"day"`
	} `json:"history"`
}

// chainResponse mirrors the API's chain-snapshot payload.
type chainResponse struct {
	Options struct {
		Option []struct {
			Strike     float64 `json:"strike"`
			Expiration string  `json:"expiration_date"`
			Type       string  `json:"option_type"`
			Bid        float64 `json:"bid"`
			Ask        float64 `json:"ask"`
			ImpliedVol float64 `json:"implied_vol"`
		} `json:"option"`
	} `json:"options"`
}

// FetchBars implements Provider.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.MarketBar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))

	var resp historyResponse
	if err := c.getJSON(ctx, "/v1/markets/history", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.History.Day) == 0 {
		return nil, fmt.Errorf("history for %s: %w", symbol, ErrNoData)
	}

	bars := make([]models.MarketBar, 0, len(resp.History.Day))
	for _, d := range resp.History.Day {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return nil, fmt.Errorf("history for %s: bad date %q: %w", symbol, d.Date, err)
		}
		bars = append(bars, models.MarketBar{
			Symbol:     symbol,
			Date:       date.UTC(),
			Open:       d.Open,
			High:       d.High,
			Low:        d.Low,
			Close:      d.Close,
			Volume:     d.Volume,
			ImpliedVol: d.ImpliedVol,
		})
	}
	return bars, nil
}

// FetchOptionChain implements Provider.
func (c *Client) FetchOptionChain(ctx context.Context, symbol string, date time.Time) (*models.OptionChain, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("date", date.Format("2006-01-02"))

	var resp chainResponse
	if err := c.getJSON(ctx, "/v1/markets/options/chains", params, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("chain for %s on %s: %w", symbol, date.Format("2006-01-02"), ErrNoData)
		}
		return nil, err
	}
	if len(resp.Options.Option) == 0 {
		return nil, fmt.Errorf("chain for %s on %s: %w", symbol, date.Format("2006-01-02"), ErrNoData)
	}

	chain := &models.OptionChain{Symbol: symbol, Date: date.UTC()}
	for _, o := range resp.Options.Option {
		exp, err := time.Parse("2006-01-02", o.Expiration)
		if err != nil {
			return nil, fmt.Errorf("chain for %s: bad expiration %q: %w", symbol, o.Expiration, err)
		}
		right := models.Put
		if o.Type == "call" {
			right = models.Call
		}
		chain.Quotes = append(chain.Quotes, models.OptionQuote{
			Strike:     o.Strike,
			Expiration: exp.UTC(),
			Right:      right,
			Bid:        o.Bid,
			Ask:        o.Ask,
			ImpliedVol: o.ImpliedVol,
		})
	}
	return chain, nil
}

// getJSON performs a GET with retry and breaker protection, decoding the
// JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch canceled: %w", ctx.Err())
		}

		body, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, path, params)
		})
		if err == nil {
			return json.Unmarshal(body.([]byte), out)
		}

		lastErr = err
		if !isTransient(err) || attempt == c.retry.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, c.retry.MaxBackoff)
		case <-ctx.Done():
			return fmt.Errorf("fetch canceled during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("GET %s: %w", path, lastErr)
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// isTransient reports whether the error is worth retrying: network errors
// and 429/5xx statuses are, other API errors are permanent.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}

// nextBackoff doubles the delay with jitter, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	// Up to 10% jitter to avoid synchronized retries.
	if j, err := rand.Int(rand.Reader, big.NewInt(int64(next/10)+1)); err == nil {
		next += time.Duration(j.Int64())
	}
	if next > max {
		next = max
	}
	return next
}
