package dmalloc

import (
	"encoding/binary"
	"sort"
)

// provenanceStats is the fourfold counter tracked for every
// (file,line)/return-address key: lifetime bytes and count, plus
// currently-in-use bytes and count.
type provenanceStats struct {
	BytesEver  uint64
	CountEver  uint64
	BytesInUse uint64
	CountInUse uint64
}

type provenanceEntry struct {
	used bool
	key  CallerKey
	provenanceStats
}

// ProvenanceReportLine is one row of a leak/high-water report.
type ProvenanceReportLine struct {
	Key CallerKey
	provenanceStats
}

// provenanceTable is a fixed-size open-addressed hash table, keyed by
// (file,line) or by a captured return address when line==0. Collisions
// probe linearly; once the number of distinct in-use keys exceeds half
// the table size, new distinct keys are redirected to a single overflow
// bucket rather than displacing existing entries.
type provenanceTable struct {
	entries  []provenanceEntry
	distinct int
	overflow provenanceStats
}

// newProvenanceTable sizes the bucket array to 2x the configured memory-
// table size, leaving headroom before the half-capacity overflow
// threshold kicks in.
func newProvenanceTable(configuredSize int) *provenanceTable {
	n := configuredSize * 2
	if n < 16 {
		n = 16
	}
	return &provenanceTable{entries: make([]provenanceEntry, n)}
}

func mix32(data []byte) uint32 {
	h := uint32(2166136261)
	for _, b := range data {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

func (t *provenanceTable) hash(key CallerKey) uint32 {
	if key.isAddr() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(key.Addr))
		return mix32(buf[:])
	}
	h := mix32([]byte(key.File))
	return h*31 + uint32(key.Line)
}

// find returns the index of key's bucket if present, or the first open
// bucket on its probe sequence if not (ok=false in that case).
func (t *provenanceTable) find(key CallerKey) (idx int, ok bool) {
	n := len(t.entries)
	start := int(t.hash(key)) % n
	if start < 0 {
		start += n
	}
	firstOpen := -1
	for i := 0; i < n; i++ {
		p := (start + i) % n
		e := &t.entries[p]
		if !e.used {
			if firstOpen == -1 {
				firstOpen = p
			}
			// An empty slot on the probe chain means key cannot be
			// present further along under standard linear-probe
			// semantics, but since entries are never tombstoned here
			// (keys persist for the process lifetime once inserted),
			// stop at the first open slot.
			return firstOpen, false
		}
		if e.key == key {
			return p, true
		}
	}
	return firstOpen, false
}

// atCapacity reports whether the table is already beyond half
// capacity in distinct in-use keys, the threshold at which new keys
// redirect to the overflow bucket.
func (t *provenanceTable) atCapacity() bool {
	return t.distinct*2 > len(t.entries)
}

// Insert records a new allocation under key, adding to both the "ever"
// and "in-use" counters.
func (t *provenanceTable) Insert(key CallerKey, size uint64) {
	idx, ok := t.find(key)
	if !ok {
		if idx == -1 || t.atCapacity() {
			t.overflow.BytesEver += size
			t.overflow.CountEver++
			t.overflow.BytesInUse += size
			t.overflow.CountInUse++
			return
		}
		t.entries[idx] = provenanceEntry{used: true, key: key}
		t.distinct++
	}
	e := &t.entries[idx]
	e.BytesEver += size
	e.CountEver++
	e.BytesInUse += size
	e.CountInUse++
}

// Delete subtracts from the in-use counters only; lifetime ("ever")
// counters are untouched so a leak report's historical totals remain
// meaningful. A key that was
// redirected to the overflow bucket at Insert time is, by construction,
// never found here and so correctly falls through to the overflow bucket.
func (t *provenanceTable) Delete(key CallerKey, size uint64) {
	idx, ok := t.find(key)
	if !ok {
		t.overflow.BytesInUse -= size
		t.overflow.CountInUse--
		return
	}
	e := &t.entries[idx]
	e.BytesInUse -= size
	e.CountInUse--
}

// TotalInUseBytes sums bytes-in-use across every entry plus the overflow
// bucket, for cross-checking against the allocator's own running total.
func (t *provenanceTable) TotalInUseBytes() uint64 {
	total := t.overflow.BytesInUse
	for _, e := range t.entries {
		if e.used {
			total += e.BytesInUse
		}
	}
	return total
}

// Report sorts entries by lifetime bytes descending and returns up to n
// lines. Because the sort operates on a derived slice of report lines
// rather than the storage array itself, the backing table is never
// reordered by generating a report.
func (t *provenanceTable) Report(n int, includeUnknown bool) []ProvenanceReportLine {
	lines := make([]ProvenanceReportLine, 0, len(t.entries)+1)
	for _, e := range t.entries {
		if !e.used {
			continue
		}
		if e.key.isUnknown() && !includeUnknown {
			continue
		}
		lines = append(lines, ProvenanceReportLine{Key: e.key, provenanceStats: e.provenanceStats})
	}
	if t.overflow.CountEver > 0 {
		lines = append(lines, ProvenanceReportLine{
			Key:             CallerKey{File: "<other pointers>"},
			provenanceStats: t.overflow,
		})
	}

	sort.Slice(lines, func(i, j int) bool {
		return lines[i].BytesEver > lines[j].BytesEver
	})
	if n > 0 && len(lines) > n {
		lines = lines[:n]
	}
	return lines
}
