// Package backoff provides exponential backoff with jitter for the session
// reconnect loop and the time-series batch retry path.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	AddJitter    bool
}

// Default returns the bridge-wide backoff defaults: 500ms doubling to 30s,
// jittered, with a ten-attempt ceiling.
func Default() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		AddJitter:    true,
	}
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Delay computes the wait before the given retry attempt (1-based).
func (c Config) Delay(attempt int) time.Duration {
	c.applyDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if c.AddJitter {
		d = jitter(d)
	}
	return d
}

// Exhausted reports whether attempt has passed the retry ceiling.
func (c Config) Exhausted(attempt int) bool {
	c.applyDefaults()
	return attempt > c.MaxAttempts
}

// Sleep waits for the attempt's delay or until the context is cancelled.
// Returns false if the context won.
func (c Config) Sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(c.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter spreads the delay across [50%, 100%] to avoid thundering herds.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	randMu.Lock()
	f := randSource.Float64()
	randMu.Unlock()
	return d/2 + time.Duration(f*float64(d/2))
}
