package rules

import "testing"

func TestLoadBareArray(t *testing.T) {
	r, err := Load(`[{"when":{"port":443},"action":"direct"}]`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", r.Len())
	}
	a, ok := r.Decide("https", "example.com", 443, true, false)
	if !ok || a != ActionDirect {
		t.Fatalf("expected direct, got %v %v", a, ok)
	}
}

func TestLoadRulesObject(t *testing.T) {
	r, err := Load(`{"rules":[{"when":{"host_regex":"^ads\\."},"action":"drop"}]}`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, ok := r.Decide("https", "ads.example.com", 443, true, false)
	if !ok || a != ActionDrop {
		t.Fatalf("expected drop, got %v %v", a, ok)
	}
	_, ok = r.Decide("https", "good.example.com", 443, true, false)
	if ok {
		t.Fatalf("expected no match for non-ads host")
	}
}

func TestUnknownActionDropsRule(t *testing.T) {
	r, err := Load(`[{"action":"teleport"},{"action":"reset"}]`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected unknown action to be dropped, got %d rules", r.Len())
	}
}

func TestPortRangeMatch(t *testing.T) {
	r, err := Load(`[{"when":{"port_range":"8000-8100"},"action":"wait"}]`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a, ok := r.Decide("tcp", "h", 8050, false, false); !ok || a != ActionWait {
		t.Fatalf("expected wait in range, got %v %v", a, ok)
	}
	if _, ok := r.Decide("tcp", "h", 9000, false, false); ok {
		t.Fatalf("expected no match outside range")
	}
}

func TestClassifyProtocol(t *testing.T) {
	cases := map[uint16]string{80: "http", 8080: "http", 443: "https", 8443: "https", 53: "dns", 22: "tcp"}
	for port, want := range cases {
		if got := ClassifyProtocol(port); got != want {
			t.Fatalf("port %d: want %s got %s", port, want, got)
		}
	}
}

func TestEmptyRulesNoMatch(t *testing.T) {
	r, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := r.Decide("tcp", "h", 80, true, false); ok {
		t.Fatalf("expected no match for empty rule set")
	}
}
