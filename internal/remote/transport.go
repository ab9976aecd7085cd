package remote

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"imagestudio/internal/config"
)

// RetryPolicy bounds transport level retries. Only transport errors and the listed
// statuses are retried; application level failures never are.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor time.Duration
	MaxBackoff    time.Duration
	RetryStatuses []int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BackoffFactor: 500 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		RetryStatuses: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.BackoffFactor > 0 {
		policy.BackoffFactor = cfg.BackoffFactor
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.MaxBackoff
	}
	if len(cfg.RetryStatuses) > 0 {
		policy.RetryStatuses = cfg.RetryStatuses
	}
	return policy
}

func (p RetryPolicy) retryableStatus(code int) bool {
	for _, s := range p.RetryStatuses {
		if s == code {
			return true
		}
	}
	return false
}

func (p RetryPolicy) CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return p.retryableStatus(resp.StatusCode), nil
}

// Backoff waits factor * 2^attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
	wait := time.Duration(float64(p.BackoffFactor) * math.Pow(2, float64(attempt)))
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// NewRetryingClient returns a standard client whose transport applies policy. timeout bounds
// each whole request, body included.
func NewRetryingClient(policy RetryPolicy, timeout time.Duration, log zerolog.Logger) *http.Client {
	rc := newRetryable(policy, log)
	rc.HTTPClient.Timeout = timeout
	return rc.StandardClient()
}

// NewStreamingClient is NewRetryingClient for long-lived response bodies. timeout only bounds
// the wait for response headers; callers bound the body with their own idle timer.
func NewStreamingClient(policy RetryPolicy, timeout time.Duration, log zerolog.Logger) *http.Client {
	rc := newRetryable(policy, log)
	rc.HTTPClient.Timeout = 0
	if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		t.ResponseHeaderTimeout = timeout
	}
	return rc.StandardClient()
}

func newRetryable(policy RetryPolicy, log zerolog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = policy.MaxRetries
	rc.CheckRetry = policy.CheckRetry
	rc.Backoff = policy.Backoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log: log.With().Str("component", "http").Logger()}
	return rc
}

// NewPlainClient returns a client that never retries.
func NewPlainClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}
