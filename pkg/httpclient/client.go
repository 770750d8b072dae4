// Package httpclient provides the rate-limited, retrying HTTP transport used
// by exchange connectors.
//
// Every request waits on a ratelimit.RateLimiter before hitting the wire, so
// a limiter shared between connectors bounds the combined request rate of all
// running fetch jobs. Responses with retryable status codes (429, 418 and
// 5xx) and transport-level failures are retried with backoff up to a ceiling;
// other status codes are returned to the caller untouched so exchange-specific
// error bodies can be decoded.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/veiloq/candle-downloader/pkg/logging"
	"github.com/veiloq/candle-downloader/pkg/ratelimit"
)

// StatusError reports a retryable HTTP status code that persisted after the
// retry budget was exhausted.
type StatusError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.StatusCode, e.URL)
}

// Config holds configuration for the HTTP client.
type Config struct {
	Timeout   time.Duration
	RateLimit ratelimit.Rate

	// Limiter, when non-nil, overrides RateLimit with a shared limiter
	// instance. Connectors of one run pass the same limiter here so they
	// draw from a single request budget.
	Limiter ratelimit.RateLimiter

	MaxRetries uint
	RetryDelay time.Duration

	Logger logging.Logger
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		RateLimit: ratelimit.Rate{
			Limit:    10,
			Interval: time.Second,
		},
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logging.NewNop(),
	}
}

// Client executes HTTP requests with rate limiting and bounded retries.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.RateLimiter
	logger     logging.Logger
	maxRetries uint
	retryDelay time.Duration
}

// New creates a new HTTP client with the given configuration. A nil config
// selects DefaultConfig.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	limiter := config.Limiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucketLimiter(config.RateLimit)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		logger:     logger,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}
}

// Do executes the request, retrying on transport errors and retryable status
// codes. The rate limiter is consulted before every attempt, retries included.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			var err error
			resp, err = c.httpClient.Do(req.Clone(ctx))
			if err != nil {
				return fmt.Errorf("http request error: %w", err)
			}

			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
				// Drain so the connection can be reused for the retry.
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return &StatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
			}
			return nil
		},
		retry.Attempts(c.maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying request",
				logging.Int("attempt", int(n)),
				logging.String("url", req.URL.String()),
				logging.Error(err),
			)
		}),
	)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}
		return nil, err
	}
	return resp, nil
}

// Get is a convenience method for making GET requests.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	return c.Do(ctx, req)
}
