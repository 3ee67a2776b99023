// Package gmo implements the signed GMO Coin FX REST client. Every
// other component reaches the exchange exclusively through it: requests
// are rate-limited, signed, retried with backoff on transient failure,
// and response shapes are normalized at this boundary.
package gmo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/retry"
)

var (
	// Base URLs can be overridden for testing.
	privateBaseURL = "https://forex-api.coin.z.com/private"
	publicBaseURL  = "https://forex-api.coin.z.com/public"
)

// SetBaseURLs redirects the client to mock servers. Intended for tests.
func SetBaseURLs(private, public string) {
	privateBaseURL = private
	publicBaseURL = public
}

// BaseURLs returns the current private and public base URLs.
func BaseURLs() (string, string) {
	return privateBaseURL, publicBaseURL
}

// CallRecorder counts API traffic for the performance metrics.
type CallRecorder interface {
	RecordCall()
	RecordError()
}

// Client provides methods to interact with the GMO Coin FX API.
type Client struct {
	apiKey     string
	secretKey  string
	httpClient *http.Client
	limiter    *Limiter
	cache      *tickerCache
	policy     retry.Policy
	recorder   CallRecorder
	logger     *zap.Logger
	clk        clock.Clock
}

// NewClient creates a new GMO Coin API client.
func NewClient(apiKey, secretKey string, recorder CallRecorder, logger *zap.Logger, clk clock.Clock) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewLimiter(clk),
		cache:      newTickerCache(clk),
		policy:     retry.NewPolicy(3, time.Second, time.Minute),
		recorder:   recorder,
		logger:     logger,
		clk:        clk,
	}
}

// RateLimit returns the limiter's current requests-per-second limit,
// surfaced in the operator status report.
func (c *Client) RateLimit() int { return c.limiter.Limit() }

// timestamp returns the API timestamp in milliseconds. Generated
// immediately before each attempt; a stale one is rejected as ERR-5008.
func (c *Client) timestamp() string {
	return strconv.FormatInt(c.clk.Now().Unix(), 10) + "000"
}

// sign computes hex(HMAC-SHA256(secret, timestamp+method+path+body)).
func (c *Client) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs one rate-limited, signed, retried API call and hands the
// envelope's data field to decode.
func (c *Client) do(ctx context.Context, method, path string, private bool, query url.Values, body any, decode func(json.RawMessage) error) error {
	var bodyJSON []byte
	if body != nil {
		var err error
		if bodyJSON, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s %s body: %w", method, path, err)
		}
	}

	attempt := func() error {
		c.limiter.Wait(method)
		if c.recorder != nil {
			c.recorder.RecordCall()
		}

		raw, err := c.once(ctx, method, path, private, query, bodyJSON)
		if err != nil {
			if c.recorder != nil {
				c.recorder.RecordError()
			}
			if IsRateLimited(err) {
				c.limiter.OnThrottle()
				c.logger.Warn("exchange throttling detected",
					zap.String("path", path),
					zap.Int("rate_limit", c.limiter.Limit()))
			} else {
				c.limiter.OnSuccess()
			}
			return err
		}
		c.limiter.OnSuccess()
		return decode(raw)
	}

	if err := c.policy.Do(ctx, attempt); err != nil {
		if IsTransient(err) {
			return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.policy.MaxAttempts, err)
		}
		return err
	}
	return nil
}

// SetRetryPolicy overrides the client's retry schedule. Intended for
// tests that cannot afford real backoff delays.
func (c *Client) SetRetryPolicy(policy retry.Policy) {
	c.policy = policy
}

// once issues a single HTTP request and normalizes the envelope.
func (c *Client) once(ctx context.Context, method, path string, private bool, query url.Values, bodyJSON []byte) (json.RawMessage, error) {
	base := publicBaseURL
	if private {
		base = privateBaseURL
	}
	reqURL := base + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if bodyJSON != nil {
		bodyReader = bytes.NewReader(bodyJSON)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s request: %w", method, path, err)
	}

	timestamp := c.timestamp()
	req.Header.Set("API-TIMESTAMP", timestamp)
	if private {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("API-KEY", c.apiKey)
		req.Header.Set("API-SIGN", c.sign(timestamp, method, path, string(bodyJSON)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("failed to execute %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("failed to read %s %s response (status %d): %w", method, path, resp.StatusCode, err)}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s response (status %d, body %s): %w", method, path, resp.StatusCode, string(respBody), err)
	}
	if env.Status != 0 {
		return nil, env.apiError(resp.StatusCode)
	}
	return env.Data, nil
}

// Assets retrieves the FX account balance and available margin.
func (c *Client) Assets(ctx context.Context) (*AccountAssets, error) {
	var assets *AccountAssets
	err := c.do(ctx, http.MethodGet, "/v1/account/assets", true, nil, nil, func(raw json.RawMessage) error {
		var err error
		assets, err = decodeAssets(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account assets: %w", err)
	}
	return assets, nil
}

// Tickers returns current quotes for symbols, serving unexpired cache
// entries and batch-fetching only the remainder.
func (c *Client) Tickers(ctx context.Context, symbols []string) (map[string]Ticker, error) {
	fresh, missing := c.cache.get(symbols)
	if len(missing) == 0 {
		return fresh, nil
	}

	query := url.Values{"symbol": {strings.Join(missing, ",")}}
	var fetched []Ticker
	err := c.do(ctx, http.MethodGet, "/v1/ticker", false, query, nil, func(raw json.RawMessage) error {
		return json.Unmarshal(raw, &fetched)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tickers for %s: %w", strings.Join(missing, ","), err)
	}

	c.cache.put(fetched)
	for _, t := range fetched {
		fresh[t.Symbol] = t
	}
	return fresh, nil
}

// Ticker returns the current quote for one symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	tickers, err := c.Tickers(ctx, []string{symbol})
	if err != nil {
		return Ticker{}, err
	}
	t, ok := tickers[symbol]
	if !ok {
		return Ticker{}, fmt.Errorf("no quote returned for %s", symbol)
	}
	return t, nil
}

// SendOrder submits a market order and returns the accepted order ids.
func (c *Client) SendOrder(ctx context.Context, req OrderRequest) ([]Order, error) {
	var orders []Order
	err := c.do(ctx, http.MethodPost, "/v1/order", true, nil, req, func(raw json.RawMessage) error {
		var err error
		orders, err = decodeOrders(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send %s %s order: %w", req.Symbol, req.Side, err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order response for %s %s contained no orders", req.Symbol, req.Side)
	}
	return orders, nil
}

// CloseOrder submits a settlement market order against named positions.
func (c *Client) CloseOrder(ctx context.Context, req CloseOrderRequest) ([]Order, error) {
	var orders []Order
	err := c.do(ctx, http.MethodPost, "/v1/closeOrder", true, nil, req, func(raw json.RawMessage) error {
		var err error
		orders, err = decodeOrders(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send close order for %s: %w", req.Symbol, err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("close order response for %s contained no orders", req.Symbol)
	}
	return orders, nil
}

// Executions returns the fills recorded for an order id.
func (c *Client) Executions(ctx context.Context, orderID int64) ([]Execution, error) {
	query := url.Values{"orderId": {strconv.FormatInt(orderID, 10)}}
	var executions []Execution
	err := c.do(ctx, http.MethodGet, "/v1/executions", true, query, nil, func(raw json.RawMessage) error {
		var err error
		executions, err = decodeList[Execution](raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get executions for order %d: %w", orderID, err)
	}
	return executions, nil
}

// OpenPositions returns the open positions, optionally restricted to
// one symbol.
func (c *Client) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	var query url.Values
	if symbol != "" {
		query = url.Values{"symbol": {symbol}}
	}
	var positions []Position
	err := c.do(ctx, http.MethodGet, "/v1/openPositions", true, query, nil, func(raw json.RawMessage) error {
		var err error
		positions, err = decodeList[Position](raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	return positions, nil
}

// AveragePrice returns the size-weighted average fill price.
func AveragePrice(executions []Execution) (float64, error) {
	var notional, size float64
	for _, e := range executions {
		notional += e.Price * e.Size
		size += e.Size
	}
	if size == 0 {
		return 0, fmt.Errorf("no executed size in %d executions", len(executions))
	}
	return notional / size, nil
}

// TotalFee sums the fees across fills.
func TotalFee(executions []Execution) float64 {
	var fee float64
	for _, e := range executions {
		fee += e.Fee
	}
	return fee
}
