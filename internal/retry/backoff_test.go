package retry

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoubling(t *testing.T) {
	b := NewBackoff(2*time.Second, 60*time.Second)

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second, // stays capped
	}

	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffResetAfterSuccess(t *testing.T) {
	b := NewBackoff(2*time.Second, 60*time.Second)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != 2*time.Second {
		t.Errorf("expected base delay 2s after reset, got %v", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)

	if b.Base != 2*time.Second {
		t.Errorf("expected default base 2s, got %v", b.Base)
	}
	if b.Max != 60*time.Second {
		t.Errorf("expected default max 60s, got %v", b.Max)
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, 10*time.Second)
	if err == nil {
		t.Error("expected context error from cancelled sleep")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled sleep took too long: %v", elapsed)
	}
}

func TestSleepCompletes(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
