package stream

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"crowdwatch/config"
)

// ReconnectPolicy decides whether a closed connection is dialed again.
// attempt counts consecutive failed or closed sessions, starting at 1.
type ReconnectPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// NoReconnect leaves the connection closed after the first session ends.
type NoReconnect struct{}

func (NoReconnect) NextDelay(int) (time.Duration, bool) { return 0, false }

// ExponentialBackoff waits BaseDelay*Multiplier^(attempt-1), capped at
// MaxDelay. MaxAttempts of 0 retries forever.
type ExponentialBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

func (b ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	bo := backoff.Backoff{Min: b.BaseDelay, Max: b.MaxDelay, Factor: b.Multiplier}
	return bo.ForAttempt(float64(attempt - 1)), true
}

// PolicyFromConfig builds the policy selected by cfg. Backoff parameters
// are taken as configured; there are no built-in defaults.
func PolicyFromConfig(cfg config.ReconnectConfig) (ReconnectPolicy, error) {
	switch cfg.Policy {
	case "", config.ReconnectNone:
		return NoReconnect{}, nil
	case config.ReconnectExponential:
		if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay || cfg.BackoffMultiplier < 1 || cfg.MaxAttempts < 0 {
			return nil, fmt.Errorf("incomplete exponential reconnect settings: %+v", cfg)
		}
		return ExponentialBackoff{
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Multiplier:  cfg.BackoffMultiplier,
			MaxAttempts: cfg.MaxAttempts,
		}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect policy %q", cfg.Policy)
	}
}
