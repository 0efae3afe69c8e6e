// Package retry runs operations with exponential backoff, retrying only
// errors classified as transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds a retry loop.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0 means no limit besides MaxRetries
	MaxRetries      uint64        // 0 means unlimited within MaxElapsedTime
}

// DefaultPolicy matches the RPC client defaults: 1s initial, 10s cap, 3 retries.
var DefaultPolicy = Policy{
	InitialInterval: 1 * time.Second,
	MaxInterval:     10 * time.Second,
	MaxElapsedTime:  time.Minute,
	MaxRetries:      3,
}

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Always retries every error.
func Always(error) bool { return true }

// Do runs op until it succeeds, returns a non-transient error, the policy is
// exhausted or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, transient Classifier, op func(ctx context.Context) error, log *zap.Logger) error {
	if transient == nil {
		transient = Always
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsedTime

	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if log != nil {
			log.Debug("retrying after transient error", zap.Error(err), zap.Duration("next", next))
		}
	}

	err := backoff.RetryNotify(attempt, b, notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
