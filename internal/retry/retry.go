// Package retry bounds and paces retries of remote calls. Classified
// auth and balance failures are surfaced immediately; everything else
// is retried with exponential backoff until the attempt or elapsed
// budget runs out, at which point the last observed error is returned.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/remote"
)

// Policy is an explicit retry schedule applied at each remote-call site.
// MaxAttempts counts the first attempt, so 3 means at most 2 retries.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	// RateLimitFloor is the minimum wait after a rate-limit response,
	// applied on top of the exponential schedule.
	RateLimitFloor time.Duration
}

// DefaultPolicy mirrors the documented limits of the remote services:
// three attempts within five minutes, throttle waits of at least 20s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      5 * time.Minute,
		RateLimitFloor:  20 * time.Second,
	}
}

// Do runs op under the policy. The call name labels retry logs and
// metrics. Fatal errors (auth, insufficient balance) are returned on
// the first occurrence without further attempts.
func (p Policy) Do(ctx context.Context, log zerolog.Logger, call string, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}
	expo.MaxElapsedTime = p.MaxElapsed

	var lastErr error
	floored := &rateLimitFloor{inner: expo, floor: p.RateLimitFloor, last: &lastErr}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithMaxRetries(backoff.WithContext(floored, ctx), uint64(attempts-1))

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if remote.Fatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.RemoteRetriesTotal.WithLabelValues(call).Inc()
		log.Warn().Err(err).Str("call", call).Int("attempt", attempt).
			Dur("next_retry_in", next).Msg("remote call failed, retrying")
	}
	return backoff.RetryNotify(wrapped, bo, notify)
}

// rateLimitFloor raises the next delay to floor when the most recent
// failure was a rate limit.
type rateLimitFloor struct {
	inner backoff.BackOff
	floor time.Duration
	last  *error
}

func (b *rateLimitFloor) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	if d == backoff.Stop || b.floor <= 0 {
		return d
	}
	if k, ok := remote.KindOf(*b.last); ok && k == remote.KindRateLimit && d < b.floor {
		return b.floor
	}
	return d
}

func (b *rateLimitFloor) Reset() { b.inner.Reset() }
