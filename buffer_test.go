package pulseopt

import (
	"fmt"
	"testing"
	"time"
)

func TestMetricBufferFIFOEviction(t *testing.T) {
	b := NewMetricBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(Metric{Name: fmt.Sprintf("m%d", i), Category: CategoryCache})
	}

	if b.Len() != 3 {
		t.Fatalf("expected 3 buffered metrics, got %d", b.Len())
	}
	snap := b.Snapshot()
	want := []string{"m2", "m3", "m4"}
	for i, name := range want {
		if snap[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, snap[i].Name)
		}
	}
}

func TestMetricBufferWindow(t *testing.T) {
	b := NewMetricBuffer(10)
	now := time.Now()
	b.Add(Metric{Name: "old", Timestamp: now.Add(-2 * time.Hour)})
	b.Add(Metric{Name: "recent", Timestamp: now.Add(-5 * time.Minute)})

	got := b.Window(now.Add(-time.Hour))
	if len(got) != 1 || got[0].Name != "recent" {
		t.Fatalf("expected only the recent metric, got %v", got)
	}
}

func TestMetricBufferDefaultCapacity(t *testing.T) {
	b := NewMetricBuffer(0)
	if b.Capacity() != 10_000 {
		t.Errorf("expected default capacity 10000, got %d", b.Capacity())
	}
}

func TestMetricBufferClear(t *testing.T) {
	b := NewMetricBuffer(5)
	b.Add(Metric{Name: "m"})
	b.Clear()
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("expected empty buffer after clear, got %d", b.Len())
	}
}
