// Package binance implements the exchange source for the Binance spot REST
// API, plus the optional kline WebSocket stream used by follow mode.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veiloq/candle-downloader/pkg/exchange"
	"github.com/veiloq/candle-downloader/pkg/httpclient"
	"github.com/veiloq/candle-downloader/pkg/logging"
	"github.com/veiloq/candle-downloader/pkg/ratelimit"
)

const (
	// DefaultBaseURL is the Binance spot REST endpoint.
	DefaultBaseURL = "https://api.binance.com"

	// DefaultWSBaseURL is the Binance raw stream endpoint.
	DefaultWSBaseURL = "wss://stream.binance.com:9443"

	// maxKlineLimit is the largest batch Binance serves per klines request.
	maxKlineLimit = 1000
)

// Options configures a Binance connector.
type Options struct {
	BaseURL   string
	WSBaseURL string

	HTTPTimeout time.Duration

	// RateLimit is the request budget applied when no shared Limiter is
	// provided.
	RateLimit ratelimit.Rate

	// Limiter, when non-nil, is the shared token bucket this connector draws
	// from. Pass the same limiter to every connector of a run so parallel
	// jobs respect one exchange quota.
	Limiter ratelimit.RateLimiter

	MaxRetries uint
	RetryDelay time.Duration

	Logger logging.Logger
}

// DefaultOptions returns options with reasonable values for public endpoint
// access.
func DefaultOptions() *Options {
	return &Options{
		BaseURL:     DefaultBaseURL,
		WSBaseURL:   DefaultWSBaseURL,
		HTTPTimeout: 15 * time.Second,
		RateLimit: ratelimit.Rate{
			Limit:    10,
			Interval: time.Second,
		},
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logging.NewNop(),
	}
}

// Connector implements exchange.Source and exchange.Streamer for Binance.
type Connector struct {
	baseURL   string
	wsBaseURL string
	http      *httpclient.Client
	logger    logging.Logger
}

// NewConnector creates a new Binance connector with the given options. A nil
// options selects DefaultOptions.
func NewConnector(opts *Options) *Connector {
	if opts == nil {
		opts = DefaultOptions()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	wsBaseURL := opts.WSBaseURL
	if wsBaseURL == "" {
		wsBaseURL = DefaultWSBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	rate := opts.RateLimit
	if rate.Limit == 0 {
		rate = ratelimit.Rate{Limit: 10, Interval: time.Second}
	}
	timeout := opts.HTTPTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}

	return &Connector{
		baseURL:   strings.TrimRight(baseURL, "/"),
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		http: httpclient.New(&httpclient.Config{
			Timeout:    timeout,
			RateLimit:  rate,
			Limiter:    opts.Limiter,
			MaxRetries: maxRetries,
			RetryDelay: retryDelay,
			Logger:     logger,
		}),
		logger: logger,
	}
}

// Name implements exchange.Source.
func (c *Connector) Name() string { return "binance" }

// apiError is the JSON error body Binance returns on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Fetch implements exchange.Source over GET /api/v3/klines. Candles are
// returned sorted ascending; prices keep the exchange's decimal text form.
func (c *Connector) Fetch(ctx context.Context, req exchange.FetchRequest) ([]exchange.Candle, error) {
	if req.Pair.Base == "" || req.Pair.Quote == "" {
		return nil, fmt.Errorf("%w: %q", exchange.ErrInvalidSymbol, req.Pair.String())
	}
	if req.Timeframe.Key == "" {
		return nil, exchange.ErrInvalidInterval
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	u, err := url.Parse(c.baseURL + "/api/v3/klines")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbol", req.Pair.Symbol())
	q.Set("interval", req.Timeframe.Key)
	q.Set("limit", strconv.Itoa(limit))
	if req.Since > 0 {
		q.Set("startTime", strconv.FormatInt(req.Since, 10))
	}
	u.RawQuery = q.Encode()

	resp, err := c.http.Get(ctx, u.String())
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyAPIError(resp, req.Pair)
	}

	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding klines response: %w", err)
	}

	out := make([]exchange.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("parsing kline row: %w", err)
		}
		out = append(out, candle)
	}
	return out, nil
}

// exchangeInfo is the subset of GET /api/v3/exchangeInfo we consume.
type exchangeInfo struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		BaseAsset            string `json:"baseAsset"`
		QuoteAsset           string `json:"quoteAsset"`
		IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
	} `json:"symbols"`
}

// ListMarkets implements exchange.Source. Only active spot markets are
// returned.
func (c *Connector) ListMarkets(ctx context.Context) ([]exchange.Pair, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/api/v3/exchangeInfo")
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyAPIError(resp, exchange.Pair{})
	}

	var info exchangeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding exchangeInfo response: %w", err)
	}

	pairs := make([]exchange.Pair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed {
			continue
		}
		pairs = append(pairs, exchange.Pair{Base: s.BaseAsset, Quote: s.QuoteAsset})
	}
	return pairs, nil
}

// classifyTransportError maps httpclient failures onto the error taxonomy.
// Exhausted retries on 429/418/5xx and plain connectivity failures are
// transient; a cancelled context passes through untouched.
func (c *Connector) classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == 418 {
			return exchange.Transient(fmt.Errorf("%w: %v", exchange.ErrRateLimitExceeded, err))
		}
		return exchange.Transient(fmt.Errorf("%w: %v", exchange.ErrExchangeUnavailable, err))
	}
	return exchange.Transient(err)
}

// classifyAPIError decodes a non-2xx Binance error body into a permanent
// error from the taxonomy.
func (c *Connector) classifyAPIError(resp *http.Response, pair exchange.Pair) error {
	var apiErr apiError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)

	switch {
	case apiErr.Code == -1121:
		return exchange.NewMarketError(pair, apiErr.Msg, exchange.ErrInvalidSymbol)
	case apiErr.Code == -1120:
		return fmt.Errorf("%w: %s", exchange.ErrInvalidInterval, apiErr.Msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", exchange.ErrInvalidCredentials, apiErr.Msg)
	default:
		return fmt.Errorf("binance returned status %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
	}
}

// parseKline converts one raw kline row. Binance encodes the open time as a
// number and everything else as decimal strings.
func parseKline(row []any) (exchange.Candle, error) {
	ts, err := toInt64(row[0])
	if err != nil {
		return exchange.Candle{}, err
	}
	values := make([]decimal.Decimal, 5)
	for i, field := range row[1:6] {
		v, err := toDecimal(field)
		if err != nil {
			return exchange.Candle{}, err
		}
		values[i] = v
	}
	return exchange.Candle{
		Timestamp: ts,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected price type %T", v)
	}
}
