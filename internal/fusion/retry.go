package fusion

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAttempts       = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second

	backoffMultiplier = 2
)

// Policy bounds how often a device is reopened. The first attempt runs
// immediately; the wait after each failure starts at InitialBackoff and
// doubles up to MaxBackoff.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used for a zero Policy
var DefaultPolicy = Policy{
	Attempts:       DefaultAttempts,
	InitialBackoff: DefaultInitialBackoff,
	MaxBackoff:     DefaultMaxBackoff,
}

func (p *Policy) Validate() error {
	if p.Attempts < 0 {
		return fmt.Errorf("fusion.Policy: attempts must not be negative: %d", p.Attempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("fusion.Policy: backoff must not be negative")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return fmt.Errorf("fusion.Policy: initial backoff %s exceeds max backoff %s", p.InitialBackoff, p.MaxBackoff)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.Attempts == 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = max(DefaultPolicy.MaxBackoff, p.InitialBackoff)
	}
	return p
}

// BackOff returns the wait schedule between attempts. It stops after
// Attempts-1 waits or once ctx is done.
func (p Policy) BackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.Attempts-1, 0))), ctx)
}

// retry runs op until it succeeds, the policy is exhausted or ctx is done.
// notify sees every failed attempt that is followed by a wait. It returns
// the number of attempts made and the last error, or ctx.Err() when
// cancelled.
func (p Policy) retry(ctx context.Context, op func() error, notify func(attempt int, err error, next time.Duration)) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, p.BackOff(ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(attempts, err, next)
		}
	})
	return attempts, err
}
