package system

import (
	"os"
	"testing"
	"time"
)

func TestSampleDoesNotError(t *testing.T) {
	s := New(os.Getpid())
	snap, err := s.Sample(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if snap.Timestamp.IsZero() {
		t.Fatalf("expected a timestamp on the snapshot")
	}
}
