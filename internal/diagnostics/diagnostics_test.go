package diagnostics

import "testing"

func TestCaptureReturnsSnapshot(t *testing.T) {
	// gopsutil can fail in a sandboxed CI container for one metric or
	// another; Capture must still return a usable zero-valued Snapshot
	// rather than panicking.
	snap := Capture(nil)
	if snap.CPUPercent < 0 || snap.MemoryPercent < 0 {
		t.Fatalf("unexpected negative percentages: %+v", snap)
	}
}

func TestLogAttrsShape(t *testing.T) {
	snap := Snapshot{CPUPercent: 12.5, MemoryPercent: 50, DiskUsagePercent: 75, LoadAverage1: 1.2}
	attrs := snap.LogAttrs()
	if len(attrs) != 8 {
		t.Fatalf("len(attrs) = %d, want 8 (4 key/value pairs)", len(attrs))
	}
	for i := 0; i < len(attrs); i += 2 {
		if _, ok := attrs[i].(string); !ok {
			t.Fatalf("attrs[%d] = %v, want a string key", i, attrs[i])
		}
	}
}
