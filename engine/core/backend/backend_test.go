package backend

import "testing"

func TestNewAndSnapshot(t *testing.T) {
	b, err := New([]string{"127.0.0.1"}, []string{"1080", "1081"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 backends, got %d", b.Len())
	}
	for _, s := range b.Snapshot() {
		if s.State != Red {
			t.Fatalf("expected initial state Red, got %s", s.State)
		}
	}
}

func TestSelectRoundRobinNoneHealthy(t *testing.T) {
	b, _ := New([]string{"127.0.0.1"}, []string{"1080"})
	if _, err := b.SelectRoundRobin(); err == nil {
		t.Fatalf("expected error when no backend is healthy")
	}
}

func TestHealthTransitions(t *testing.T) {
	b, _ := New([]string{"127.0.0.1"}, []string{"1080"})
	addr := b.Addrs()[0]

	b.UpdateSocksResult(addr, true, nil)
	b.UpdateInternetResult(addr, false, 0, 0, nil)
	snap := b.Snapshot()
	if snap[0].State != Yellow {
		t.Fatalf("expected Yellow after failed internet probe, got %s", snap[0].State)
	}
	if b.AnyHealthy() {
		t.Fatalf("yellow backend should not be healthy")
	}

	b.UpdateInternetResult(addr, true, 42.0, 58, nil)
	snap = b.Snapshot()
	if snap[0].State != Green {
		t.Fatalf("expected Green after successful internet probe, got %s", snap[0].State)
	}
	if !b.AnyHealthy() {
		t.Fatalf("expected AnyHealthy true")
	}

	picked, err := b.SelectRoundRobin()
	if err != nil || picked != addr {
		t.Fatalf("expected to select %s, got %s err=%v", addr, picked, err)
	}
}

func TestRTTIntegrity(t *testing.T) {
	b, _ := New([]string{"127.0.0.1"}, []string{"1080"})
	addr := b.Addrs()[0]
	b.UpdateSocksResult(addr, true, nil)
	for _, rtt := range []float64{100, 102, 98, 500, 101} {
		b.UpdateInternetResult(addr, true, rtt, 0, nil)
	}
	snap := b.Snapshot()
	if snap[0].RTTIntegrity >= 1.0 {
		t.Fatalf("expected an outlier to reduce RTT integrity below 1.0, got %f", snap[0].RTTIntegrity)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	b, _ := New([]string{"127.0.0.1"}, []string{"1080"})
	b.Add("127.0.0.1:1081")
	b.Add("127.0.0.1:1081")
	if b.Len() != 2 {
		t.Fatalf("expected add to be idempotent, got len %d", b.Len())
	}
	b.Remove("127.0.0.1:1081")
	b.Remove("127.0.0.1:1081")
	if b.Len() != 1 {
		t.Fatalf("expected remove to be idempotent, got len %d", b.Len())
	}
}
