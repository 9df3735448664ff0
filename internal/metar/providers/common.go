package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

// BackoffConfig controls exponential backoff behaviour. MaxRetries of zero disables retries.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Jitter adds a random delay in [0, Jitter) to every backoff wait.
	Jitter time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig

	// Timeout bounds one Fetch call, retries included. Zero means no extra bound.
	Timeout time.Duration

	// Limiter throttles outbound requests; nil means unlimited.
	Limiter *rate.Limiter
}

// DefaultHTTPClientConfig returns settings suited to the interactive request path: no
// retries, no rate limit and a 3s per-call timeout.
func DefaultHTTPClientConfig(client *http.Client) HTTPClientConfig {
	return HTTPClientConfig{
		Client:  client,
		Timeout: DefaultTimeout,
		Backoff: BackoffConfig{
			MaxRetries:      0,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     time.Second,
		},
	}
}

// DefaultTimeout bounds one upstream call when nothing else is configured.
const DefaultTimeout = 3 * time.Second

const (
	maxBodyBytes     = 1 << 20
	maxFeedBodyBytes = 16 << 20
)

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
}

// newCircuitBreaker trips after consecutive upstream failures. Calls ended by their own
// context (an abandoned source, an expired deadline) say nothing about upstream health and
// are not counted.
func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  5,
		Interval:     1 * time.Minute,
		Timeout:      30 * time.Second,
		IsSuccessful: notUpstreamFailure,
	})
}

func notUpstreamFailure(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// newRequest builds a GET request carrying the headers every upstream expects.
func newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgents[rand.IntN(len(userAgents))])
	req.Header.Set("Accept", "text/plain,application/json")
	return req, nil
}

// doRequestWithResilience executes the HTTP request with rate limiting, retries,
// exponential backoff and a circuit breaker. Transport failures, 429 and 5xx count against
// the breaker and are retried; every other status is handed back to the caller, which owns
// closing the body.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || (cfg.Backoff.MaxRetries > 0 && cfg.Backoff.InitialInterval <= 0) {
		return nil, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", errRateLimited, err)
			}
		}

		req, err := buildRequest(ctx)
		if err != nil {
			return nil, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				drainAndClose(resp)
				return nil, errRateLimited
			}
			if resp.StatusCode >= 500 {
				drainAndClose(resp)
				return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
			}

			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := backoffDelay(cfg.Backoff, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

func backoffDelay(b BackoffConfig, attempt int) time.Duration {
	delay := b.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if delay > b.MaxInterval && b.MaxInterval > 0 {
		delay = b.MaxInterval
	}
	if b.Jitter > 0 {
		delay += rand.N(b.Jitter)
	}
	return delay
}

// fetchWithTimeout wraps ctx with the configured per-call timeout.
func fetchWithTimeout(ctx context.Context, cfg HTTPClientConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}

// readBody reads at most limit bytes of the response body.
func readBody(resp *http.Response, limit int64) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", metar.ErrUpstreamUnavailable, err)
	}
	return string(body), nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}

// upstreamError classifies a transport-level failure.
func upstreamError(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", metar.ErrUpstreamUnavailable, name, err)
}

func joinCodes(codes []metar.AirportCode) string {
	b := make([]byte, 0, len(codes)*5)
	for i, c := range codes {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, string(c)...)
	}
	return string(b)
}
