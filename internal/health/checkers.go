package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/voiceform/internal/resilience"
)

// Pinger is implemented by dependencies that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that p answers a ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BreakerClosed fails while b is open so traffic is drained from an instance
// whose dependency is down. A half-open breaker counts as healthy.
func BreakerClosed(name string, b *resilience.Breaker) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if s := b.State(); s == resilience.StateOpen {
			return fmt.Errorf("circuit %s", s)
		}
		return nil
	}}
}

// Capacity fails once active reaches limit. A non-positive limit means
// unlimited. Both functions are read on every check so limits can change at
// runtime.
func Capacity(name string, active func() int64, limit func() int) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		n, max := active(), limit()
		if max > 0 && n >= int64(max) {
			return fmt.Errorf("at capacity: %d of %d sessions", n, max)
		}
		return nil
	}}
}
