package hostpool

import (
	"log/slog"
	"time"

	"github.com/buildfleet/hostpool/pkg/observability/xmetrics"
	"github.com/buildfleet/hostpool/pkg/resilience/xbreaker"
	"github.com/buildfleet/hostpool/pkg/resilience/xretry"
)

// RemoteHostOption configures a RemoteHost at construction time.
type RemoteHostOption func(*RemoteHost)

// WithDialer overrides the Dialer used to open SSH sessions to this host.
// Tests substitute a fake dialer talking to an in-process SSH server
// (pkg/hostpool/sshtest).
func WithDialer(d Dialer) RemoteHostOption {
	return func(h *RemoteHost) {
		if d != nil {
			h.dialer = d
		}
	}
}

// WithLogger overrides the *slog.Logger this host logs through. Defaults
// to slog.Default().
func WithLogger(logger *slog.Logger) RemoteHostOption {
	return func(h *RemoteHost) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithObserver attaches an xmetrics.Observer around every SSH-bound
// operation. Defaults to xmetrics.NoopObserver{}.
func WithObserver(observer xmetrics.Observer) RemoteHostOption {
	return func(h *RemoteHost) {
		if observer != nil {
			h.observer = observer
		}
	}
}

// WithBreaker overrides the circuit breaker guarding this host's SSH
// operations. Defaults to a breaker that trips after
// xbreaker.DefaultConsecutiveFailures consecutive failures and resets
// after xbreaker.DefaultTimeout (an enrichment beyond the original
// implementation: a host in an extended outage stops costing the pool
// SSH round trips and connect-retry budgets).
func WithBreaker(b *xbreaker.Breaker) RemoteHostOption {
	return func(h *RemoteHost) {
		if b != nil {
			h.breaker = b
		}
	}
}

// WithLockRetry overrides the retry policy around HostSlot.Lock/Unlock.
// Defaults to 3 attempts, exponential backoff with factor 3 and no
// jitter, matching the original's @backoff.on_exception decorator on
// RemoteHost.lock/unlock.
func WithLockRetry(r *xretry.Retryer) RemoteHostOption {
	return func(h *RemoteHost) {
		if r != nil {
			h.lockRetryer = r
		}
	}
}

func defaultBreaker(hostname string) *xbreaker.Breaker {
	return xbreaker.NewBreaker(
		"hostpool."+hostname,
		xbreaker.WithTimeout(xbreaker.DefaultTimeout),
	)
}

func defaultLockRetryer() *xretry.Retryer {
	return xretry.NewRetryer(
		xretry.WithRetryPolicy(xretry.NewFixedRetry(3)),
		xretry.WithBackoffPolicy(xretry.NewExponentialBackoff(
			xretry.WithInitialDelay(1*time.Second),
			xretry.WithMultiplier(3),
			xretry.WithJitter(0),
		)),
	)
}
