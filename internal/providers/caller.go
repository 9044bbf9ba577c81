package providers

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultAttempts    = 3
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// Caller bounds every adapter call with a timeout and retries
// provider-unavailable failures with exponential backoff.
type Caller struct {
	timeout     time.Duration
	attempts    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.ProviderMetrics
	logg        *logger.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	jitter *rand.Rand
}

func NewCaller(cfg config.PaymentsConfig, m *metrics.ProviderMetrics, logg *logger.Logger) *Caller {
	c := &Caller{
		timeout:     cfg.ProviderTimeout,
		attempts:    cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		metrics:     m,
		logg:        logg,
		sleep:       sleepContext,
		jitter:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.attempts <= 0 {
		c.attempts = defaultAttempts
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = defaultBaseBackoff
	}
	if c.maxBackoff < c.baseBackoff {
		c.maxBackoff = defaultMaxBackoff
	}
	return c
}

// Call runs fn through c. The result of the last attempt is returned.
func Call[T any](ctx context.Context, c *Caller, provider enums.PaymentProvider, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	backoff := c.baseBackoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, err = callOnce(ctx, c, provider, op, fn)
		if err == nil || !retryable(err) || attempt == c.attempts {
			break
		}
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"provider":  provider,
			"operation": op,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		c.logg.Warn(logCtx, "provider call failed, retrying")
		if sleepErr := c.sleep(ctx, c.withJitter(backoff)); sleepErr != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider call abandoned")
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
	return result, err
}

// Do is Call for operations without a result value.
func (c *Caller) Do(ctx context.Context, provider enums.PaymentProvider, op string, fn func(context.Context) error) error {
	_, err := Call(ctx, c, provider, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func callOnce[T any](ctx context.Context, c *Caller, provider enums.PaymentProvider, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	result, err := fn(callCtx)
	err = classify(ctx, err)
	c.metrics.Observe(string(provider), op, outcomeLabel(err), time.Since(started))
	return result, err
}

// classify turns untyped adapter failures into provider-unavailable errors.
func classify(parent context.Context, err error) error {
	if err == nil || errors.Is(err, ErrAlreadyConfirmed) {
		return err
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider call cancelled")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider call failed")
}

func retryable(err error) bool {
	return pkgerrors.CodeOf(err) == pkgerrors.CodeDependency
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "already_confirmed"
	default:
		return strings.ToLower(string(pkgerrors.CodeOf(err)))
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (c *Caller) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d + time.Duration(c.jitter.Int63n(int64(d/2)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
