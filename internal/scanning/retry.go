package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"
	"golang.org/x/time/rate"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

const (
	// DefaultTimeout bounds a single extraction attempt
	DefaultTimeout = 30 * time.Second
	// DefaultAttempts is how often a transient failure is tried
	DefaultAttempts = 3
)

// Retrying wraps an Extractor with a per-attempt timeout, bounded retries on
// transient failures and a per-caller rate limit
type Retrying struct {
	next     Extractor
	attempts int
	timeout  time.Duration
	backoff  gax.Backoff
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryOption configures Retrying
type RetryOption func(*Retrying)

// WithAttempts overrides DefaultAttempts
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) RetryOption {
	return func(r *Retrying) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBackoff overrides the retry backoff
func WithBackoff(bo gax.Backoff) RetryOption {
	return func(r *Retrying) { r.backoff = bo }
}

// WithRateLimit allows at most perMinute calls per minute
func WithRateLimit(perMinute int) RetryOption {
	return func(r *Retrying) {
		if perMinute > 0 {
			r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithSleep replaces the backoff sleep (for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) { r.sleep = sleep }
}

// NewRetrying wraps next
func NewRetrying(next Extractor, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:     next,
		attempts: DefaultAttempts,
		timeout:  DefaultTimeout,
		backoff: gax.Backoff{
			Initial:    2 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
		sleep: gax.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Extract calls the wrapped extractor. ParseErrors and other permanent
// failures are returned immediately.
func (r *Retrying) Extract(ctx context.Context, data []byte, mimeType string) (*Fields, error) {
	bo := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for extraction rate limit: %w", err)
			}
		}

		fields, err := r.attempt(ctx, data, mimeType)
		if err == nil {
			return fields, nil
		}
		if !failure.Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}

		pause := bo.Pause()
		slog.Warn("Retrying extraction",
			"attempt", attempt,
			"pause", pause,
			"error", err,
		)
		if err := r.sleep(ctx, pause); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("extraction failed after %d attempts: %w", r.attempts, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, data []byte, mimeType string) (*Fields, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.next.Extract(actx, data, mimeType)
	if err == nil {
		return fields, nil
	}
	// the attempt's own deadline fired while the caller is still waiting
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !failure.Retryable(err) && !failure.IsParse(err) {
		return nil, failure.NewService("extractor", failure.Timeout, err)
	}
	return nil, err
}

// Close closes the wrapped extractor
func (r *Retrying) Close() error {
	return r.next.Close()
}
