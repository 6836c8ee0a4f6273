package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}

	if d := cfg.Delay(1); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: expected 100ms, got %s", d)
	}
	if d := cfg.Delay(2); d != 200*time.Millisecond {
		t.Fatalf("attempt 2: expected 200ms, got %s", d)
	}
	if d := cfg.Delay(10); d != time.Second {
		t.Fatalf("attempt 10: expected cap at 1s, got %s", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		AddJitter:    true,
	}

	for i := 0; i < 50; i++ {
		d := cfg.Delay(1)
		if d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay out of [50ms,100ms]: %s", d)
		}
	}
}

func TestExhausted(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	if cfg.Exhausted(3) {
		t.Fatalf("attempt 3 of 3 should not be exhausted")
	}
	if !cfg.Exhausted(4) {
		t.Fatalf("attempt 4 of 3 should be exhausted")
	}
}

func TestSleepCancellation(t *testing.T) {
	cfg := Config{InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2, MaxAttempts: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if cfg.Sleep(ctx, 1) {
		t.Fatalf("cancelled context should abort the sleep")
	}
}

func TestZeroConfigGetsDefaults(t *testing.T) {
	var cfg Config
	if d := cfg.Delay(1); d <= 0 {
		t.Fatalf("zero config should still produce a positive delay, got %s", d)
	}
	if cfg.Exhausted(1) {
		t.Fatalf("zero config should allow at least one retry")
	}
}
