package internaldefs

import (
	"strings"
	"testing"
)

func TestCounterDefsUniqueAndPrefixed(t *testing.T) {
	seenNames := map[string]bool{}
	seenIDs := map[int]bool{}
	for _, def := range CounterDefs {
		if !strings.HasPrefix(def.Name, "authcore_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter %q must be authcore_*_total", def.Name)
		}
		if seenNames[def.Name] {
			t.Fatalf("duplicate counter name %q", def.Name)
		}
		if seenIDs[int(def.ID)] {
			t.Fatalf("duplicate counter id %d", def.ID)
		}
		seenNames[def.Name] = true
		seenIDs[int(def.ID)] = true
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 0, 2}))
	want := [8]uint64{1, 1, 3, 3, 3, 3, 3, 3}
	if got != want {
		t.Fatalf("cumulative buckets: got %v want %v", got, want)
	}
	if len(HistogramBounds) != len(got) || len(HistogramBoundSuffix) != len(got) {
		t.Fatal("bucket bounds must match bucket count")
	}
}
