package dmalloc

import "testing"

func TestProvenanceInsertDeleteRoundTrip(t *testing.T) {
	tab := newProvenanceTable(16)
	key := CallerKey{File: "foo.go", Line: 10}
	tab.Insert(key, 100)
	tab.Insert(key, 50)
	if got := tab.TotalInUseBytes(); got != 150 {
		t.Fatalf("TotalInUseBytes = %d, want 150", got)
	}
	tab.Delete(key, 50)
	if got := tab.TotalInUseBytes(); got != 100 {
		t.Fatalf("TotalInUseBytes after delete = %d, want 100", got)
	}

	lines := tab.Report(0, true)
	if len(lines) != 1 {
		t.Fatalf("expected 1 report line, got %d", len(lines))
	}
	if lines[0].BytesEver != 150 {
		t.Fatalf("BytesEver = %d, want 150 (lifetime total untouched by Delete)", lines[0].BytesEver)
	}
	if lines[0].BytesInUse != 100 {
		t.Fatalf("BytesInUse = %d, want 100", lines[0].BytesInUse)
	}
}

func TestProvenanceDistinctKeysSeparated(t *testing.T) {
	tab := newProvenanceTable(16)
	a := CallerKey{File: "a.go", Line: 1}
	b := CallerKey{File: "b.go", Line: 2}
	tab.Insert(a, 10)
	tab.Insert(b, 20)

	lines := tab.Report(0, true)
	if len(lines) != 2 {
		t.Fatalf("expected 2 distinct entries, got %d", len(lines))
	}
	// Report is sorted by BytesEver descending.
	if lines[0].Key != b {
		t.Fatalf("expected b.go first (20 > 10), got %v", lines[0].Key)
	}
}

func TestProvenanceOverflowBucket(t *testing.T) {
	tab := newProvenanceTable(2) // table of 4 buckets, atCapacity once distinct > 2
	for i := 0; i < 10; i++ {
		tab.Insert(CallerKey{File: "f.go", Line: i + 1}, 1)
	}
	lines := tab.Report(0, true)
	found := false
	for _, l := range lines {
		if l.Key.File == "<other pointers>" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected overflow bucket to appear once distinct keys exceed capacity")
	}
}

func TestProvenanceReportTopN(t *testing.T) {
	tab := newProvenanceTable(16)
	for i := 0; i < 5; i++ {
		tab.Insert(CallerKey{File: "f.go", Line: i + 1}, uint64(i+1))
	}
	lines := tab.Report(2, true)
	if len(lines) != 2 {
		t.Fatalf("expected top-2 report, got %d lines", len(lines))
	}
	if lines[0].BytesEver < lines[1].BytesEver {
		t.Fatal("report lines not sorted descending by BytesEver")
	}
}

func TestProvenanceUnknownExcludedByDefault(t *testing.T) {
	tab := newProvenanceTable(16)
	tab.Insert(CallerKey{}, 7)
	if lines := tab.Report(0, false); len(lines) != 0 {
		t.Fatalf("expected unknown-key entry excluded, got %d lines", len(lines))
	}
	if lines := tab.Report(0, true); len(lines) != 1 {
		t.Fatalf("expected unknown-key entry included, got %d lines", len(lines))
	}
}
