package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gxo-labs/entrack/internal/secrets"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
)

// Operation is one attempt of a retried action.
type Operation func(ctx context.Context) error

// Config controls attempts and backoff. Opening a store connection is the
// main user.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is retried.
	Retryable func(error) bool
	Name      string
}

type Helper struct {
	log        entracklog.Logger
	randSource *rand.Rand
	tracker    *secrets.SecretTracker
}

func NewHelper(log entracklog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSecretTracker makes the helper scrub tracked secrets from the errors it
// logs and returns.
func (h *Helper) SetSecretTracker(t *secrets.SecretTracker) {
	h.tracker = t
}

func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}

	var lastErr error
	logPrefix := ""
	if cfg.Name != "" {
		logPrefix = fmt.Sprintf("op=%s ", cfg.Name)
	}

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				return ctx.Err()
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w (context: %w)",
				attempt-1, h.tracker.RedactError(lastErr), ctx.Err())
		default:
		}

		err := op(ctx)
		lastErr = err
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}

		if attempt == cfg.Attempts || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			break
		}

		wait := h.backoff(cfg, attempt)
		h.log.Warnf("%sOperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), h.tracker.RedactError(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("retry delay cancelled after attempt %d with error: %w (context: %w)",
				attempt, h.tracker.RedactError(lastErr), ctx.Err())
		}
	}

	redactedErr := h.tracker.RedactError(lastErr)
	h.log.Errorf("%sOperation failed definitively after %d attempts: %v", logPrefix, cfg.Attempts, redactedErr)
	return redactedErr
}

func (h *Helper) backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.Delay)
	if cfg.BackoffFactor > 1.0 {
		base *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)
	if cfg.Jitter > 0.0 {
		wait += time.Duration(float64(wait) * cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0))
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}
