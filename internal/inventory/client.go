package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/naginator/internal/logging"
)

const (
	defaultTimeout        = 20 * time.Second
	defaultRequestsPerSec = 10
	userAgent             = "naginator/0.1.0"
)

// Config holds the static configuration shared by every inventory backend.
type Config struct {
	// BaseURL is scheme://host:port of the inventory API.
	BaseURL string
	// Path is the document path used by the JSON backend.
	Path              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Environment       string
	Query             map[string]string
	ExcludedTypes     []string
	// Resources are looked up per node and reported in Host.Resources.
	Resources []ResourceRef
}

// Dependencies allow test overrides for HTTP client, throttling, retry
// policy and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	Limiter    *rate.Limiter
	NewBackOff func() backoff.BackOff
}

// BaseURL joins scheme, host and port.
func BaseURL(scheme, host string, port int) string {
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// client performs throttled GET requests with retries on transient failures.
type client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

func newClient(cfg Config, deps Dependencies) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inventory base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse inventory base URL: %w", err)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := deps.Limiter
	if limiter == nil {
		rps := cfg.RequestsPerSecond
		if rps <= 0 {
			rps = defaultRequestsPerSec
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	newBackOff := deps.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		timeout:    timeout,
		limiter:    limiter,
		newBackOff: newBackOff,
		logger:     logging.OrNop(deps.Logger),
	}, nil
}

// withTimeout bounds a whole fetch, not a single request.
func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// getJSON fetches path and decodes the body into out. Network errors, 429 and
// 5xx responses are retried until the context expires.
func (c *client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	target := joinURL(c.baseURL, path)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return backoff.Permanent(fmt.Errorf("throttle %s: %w", path, context.DeadlineExceeded))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request %s: %w", path, err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("query %s: %w", path, err))
			}
			c.logger.Debug("inventory request failed, retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("query %s: %w", path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", path, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Debug("inventory request rejected, retrying", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			return fmt.Errorf("query %s: status %s", path, resp.Status)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("query %s: status %s", path, resp.Status))
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
