package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// RetryConfig tunes the exponential backoff applied to transient failures.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultRetryConfig returns the production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		JitterRatio: 0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		c.JitterRatio = 0.2
	}
	return c
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// retryDo runs op, retrying transient errors with exponential backoff plus
// jitter. Permanent errors (auth, validation) return immediately.
func retryDo(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	var err error
	delay := cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !models.Transient(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, cfg.JitterRatio)):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func jittered(d time.Duration, ratio float64) time.Duration {
	if ratio == 0 {
		return d
	}
	jitterMu.Lock()
	f := jitterRng.Float64()
	jitterMu.Unlock()
	// Spread in [d*(1-ratio), d*(1+ratio)].
	return time.Duration(float64(d) * (1 - ratio + 2*ratio*f))
}
