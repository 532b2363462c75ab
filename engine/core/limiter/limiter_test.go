package limiter

import (
	"context"
	"testing"
	"time"
)

func TestNewShaperDisabled(t *testing.T) {
	s := NewShaper(0)
	if s != nil {
		t.Fatalf("expected nil shaper for non-positive rate")
	}
	if err := s.WaitN(context.Background(), 1000); err != nil {
		t.Fatalf("nil shaper should never error: %v", err)
	}
}

func TestShaperThrottles(t *testing.T) {
	s := NewShaper(1000) // 1000 bytes/sec, burst 100
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.WaitN(ctx, 500); err != nil {
			t.Fatalf("waitn: %v", err)
		}
	}
	if time.Since(start) <= 0 {
		t.Fatalf("expected some elapsed time while shaping")
	}
}

func TestShaperRespectsCancellation(t *testing.T) {
	s := NewShaper(10) // very slow, forces a long wait
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitN(ctx, 100000); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
