package mqtt

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

// Backoff computes reconnect delays.
//
// The delay before attempt n is Initial * Multiplier^(n-1), capped at Max,
// then spread by up to ±Jitter of itself. It is never negative and never
// above Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction in [0, 1].
	Jitter float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// BackoffFromConfig builds a Backoff from the reconnect section of the config.
func BackoffFromConfig(cfg config.MQTTReconnectConfig) Backoff {
	return Backoff{
		Initial:    time.Duration(cfg.InitialDelay) * time.Second,
		Max:        time.Duration(cfg.MaxDelay) * time.Second,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	limit := b.Max
	if limit <= 0 {
		limit = b.Initial
	}

	d := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(limit) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(limit)
	}

	if jitter := math.Min(math.Max(b.Jitter, 0), 1); jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		d += d * jitter * (2*r() - 1)
	}

	switch {
	case d < 0:
		return 0
	case d > float64(limit):
		return limit
	default:
		return time.Duration(d)
	}
}
