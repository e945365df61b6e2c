// Copyright 2025 Kestrel Systems

package guard

import "testing"

func TestPressureMonitorFiresAtThreshold(t *testing.T) {
	var fired []float64
	mon, err := NewPressureMonitor(nil, 3, func(invariantID string, count float64) {
		if invariantID != "INV-ID-02" {
			t.Fatalf("unexpected invariantID: %s", invariantID)
		}
		fired = append(fired, count)
	})
	if err != nil {
		t.Fatalf("new pressure monitor: %v", err)
	}

	mon.Record("INV-ID-02")
	mon.Record("INV-ID-02")
	if len(fired) != 0 {
		t.Fatalf("expected no callback before threshold, got %v", fired)
	}

	mon.Record("INV-ID-02")
	if len(fired) != 1 || fired[0] != 3 {
		t.Fatalf("expected one callback at count 3, got %v", fired)
	}

	mon.Record("INV-ID-02")
	if len(fired) != 2 || fired[1] != 4 {
		t.Fatalf("expected callback to keep firing past threshold, got %v", fired)
	}
}

func TestPressureMonitorIgnoresEmptyInvariantID(t *testing.T) {
	called := false
	mon, err := NewPressureMonitor(nil, 1, func(string, float64) { called = true })
	if err != nil {
		t.Fatalf("new pressure monitor: %v", err)
	}
	mon.Record("")
	if called {
		t.Fatal("expected empty invariantID to be ignored")
	}
}

func TestPressureMonitorTracksDistinctInvariantsIndependently(t *testing.T) {
	counts := map[string]float64{}
	mon, err := NewPressureMonitor(nil, 2, func(id string, count float64) { counts[id] = count })
	if err != nil {
		t.Fatalf("new pressure monitor: %v", err)
	}
	mon.Record("INV-ID-02")
	mon.Record("INV-RES-01")
	mon.Record("INV-ID-02")
	if counts["INV-ID-02"] != 2 {
		t.Fatalf("expected INV-ID-02 to cross threshold, got %v", counts)
	}
	if _, ok := counts["INV-RES-01"]; ok {
		t.Fatalf("expected INV-RES-01 to not have crossed threshold yet, got %v", counts)
	}
}
