package dmalloc

import (
	"math/rand"
	"os"
	"strings"
	"testing"
)

func newTestAllocator(t *testing.T, configure func(*Config)) *Allocator {
	t.Helper()
	cfg := DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}
	a, err := NewAllocator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestMallocFreeBasic(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Malloc(CallerKey{File: "main.go", Line: 5}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == 0 {
		t.Fatal("Malloc returned a nil pointer on success")
	}
	if got := a.ReadInfo(); got.BytesInUse != 100 || got.PointsOut != 1 {
		t.Fatalf("unexpected stats after malloc: %+v", got)
	}
	if err := a.Free(CallerKey{File: "main.go", Line: 6}, ptr); err != nil {
		t.Fatal(err)
	}
	if got := a.ReadInfo(); got.BytesInUse != 0 || got.PointsOut != 0 {
		t.Fatalf("unexpected stats after free: %+v", got)
	}
}

func TestCallocZerosMemory(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Calloc(CallerKey{File: "c.go", Line: 1}, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	b := a.ps.bytesAt(ptr, 40)
	for i, c := range b {
		if c != 0 {
			t.Fatalf("calloc byte %d = %#x, want 0", i, c)
		}
	}
}

func TestCallocOverflowRejected(t *testing.T) {
	a := newTestAllocator(t, nil)
	_, err := a.Calloc(CallerKey{}, 1<<40, 1<<40)
	if err == nil {
		t.Fatal("expected TooBig on nmemb*size overflow")
	}
}

func TestVallocReturnsBlockAligned(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Valloc(CallerKey{File: "v.go", Line: 1}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if ptr%uintptr(a.cfg.BlockSize) != 0 {
		t.Fatalf("Valloc pointer %#x is not block-aligned", ptr)
	}
}

func TestMemalignSmallAlignmentReusesPageAligned(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Memalign(CallerKey{File: "m.go", Line: 1}, 64, 40)
	if err != nil {
		t.Fatal(err)
	}
	if ptr%64 != 0 {
		t.Fatalf("pointer %#x not aligned to 64", ptr)
	}
}

func TestMemalignWideAlignment(t *testing.T) {
	a := newTestAllocator(t, nil)
	alignment := a.cfg.BlockSize * 4
	// Force the underlying page run to land at a non-alignment-multiple
	// offset first, so a correct implementation must actually skip a
	// variable number of leading blocks rather than relying on luck.
	if _, err := a.Malloc(CallerKey{File: "m.go", Line: 1}, a.cfg.BlockSize+1); err != nil {
		t.Fatal(err)
	}
	ptr, err := a.Memalign(CallerKey{File: "m.go", Line: 2}, alignment, 40)
	if err != nil {
		t.Fatal(err)
	}
	if ptr%uintptr(alignment) != 0 {
		t.Fatalf("pointer %#x not aligned to %d", ptr, alignment)
	}
}

func TestMemalignNonBlockMultipleWideAlignmentRejected(t *testing.T) {
	a := newTestAllocator(t, nil)
	alignment := a.cfg.BlockSize + 1
	if _, err := a.Memalign(CallerKey{}, alignment, 16); err == nil {
		t.Fatal("expected an error for a wide alignment that is not a multiple of block size")
	}
}

func TestFreeNilDefaultIsSilentNoop(t *testing.T) {
	a := newTestAllocator(t, nil)
	if err := a.Free(CallerKey{}, 0); err != nil {
		t.Fatalf("Free(nil) under IsNullIgnore should be a no-op, got %v", err)
	}
}

func TestFreeNilErrorMode(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.Flags.NullMode = IsNullError })
	err := a.Free(CallerKey{}, 0)
	if err == nil {
		t.Fatal("expected IsNull error")
	}
	if ae, ok := err.(*AllocError); !ok || ae.Kind != IsNull {
		t.Fatalf("expected IsNull, got %v", err)
	}
}

func TestReallocateZeroFreesAndReturnsNil(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Malloc(CallerKey{File: "r.go", Line: 1}, 32)
	if err != nil {
		t.Fatal(err)
	}
	newPtr, err := a.Reallocate(CallerKey{File: "r.go", Line: 2}, ptr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if newPtr != 0 {
		t.Fatalf("Reallocate(ptr, 0) should return a nil pointer, got %#x", newPtr)
	}
	if got := a.ReadInfo(); got.PointsOut != 0 {
		t.Fatalf("original allocation should have been freed, PointsOut=%d", got.PointsOut)
	}
}

func TestReallocateNilActsAsMalloc(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Reallocate(CallerKey{File: "r.go", Line: 1}, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == 0 {
		t.Fatal("Reallocate(nil, n) should behave like Malloc(n)")
	}
}

func TestRecallocPreservesPrefixAndZerosTail(t *testing.T) {
	a := newTestAllocator(t, nil)
	ptr, err := a.Malloc(CallerKey{File: "rc.go", Line: 1}, 8)
	if err != nil {
		t.Fatal(err)
	}
	b := a.ps.bytesAt(ptr, 8)
	for i := range b {
		b[i] = byte(i + 1)
	}
	newPtr, err := a.Recalloc(CallerKey{File: "rc.go", Line: 2}, ptr, 16, 1)
	if err != nil {
		t.Fatal(err)
	}
	nb := a.ps.bytesAt(newPtr, 16)
	for i := 0; i < 8; i++ {
		if nb[i] != byte(i+1) {
			t.Fatalf("prefix byte %d = %d, want %d", i, nb[i], i+1)
		}
	}
	for i := 8; i < 16; i++ {
		if nb[i] != 0 {
			t.Fatalf("tail byte %d = %d, want 0", i, nb[i])
		}
	}
}

// Transaction log entries carry (file,line) provenance, and stats track
// total-ever-allocated bytes plus bytes-in-use after a matching free.
func TestLogCarriesCallSiteAndStats(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "dmalloc-log-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()

	a := newTestAllocator(t, func(c *Config) {
		c.LogPath = path
		c.Flags.LogTrans = true
	})

	key := CallerKey{File: "site.go", Line: 42}
	ptr, err := a.Malloc(key, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(key, ptr); err != nil {
		t.Fatal(err)
	}
	a.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)
	if !strings.Contains(content, "alloc: site.go:42") {
		t.Fatalf("log missing alloc call-site line:\n%s", content)
	}
	if !strings.Contains(content, "free: site.go:42") {
		t.Fatalf("log missing free call-site line:\n%s", content)
	}

	stats := a.ReadInfo()
	if stats.BytesTotal != 100 {
		t.Fatalf("BytesTotal = %d, want 100", stats.BytesTotal)
	}
	if stats.BytesInUse != 0 {
		t.Fatalf("BytesInUse after free = %d, want 0", stats.BytesInUse)
	}
}

// Writing past the allocated range is caught by the full heap check,
// reporting OverFence.
func TestCheckHeapDetectsOverFence(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) {
		c.Flags.CheckFence = true
	})
	ptr, err := a.Malloc(CallerKey{File: "s2.go", Line: 1}, 16)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt one byte into the top fence.
	region := a.ps.bytesAt(ptr, 17)
	region[16] ^= 0xff

	err = a.CheckHeap()
	if err == nil {
		t.Fatal("expected CheckHeap to catch the corrupted top fence")
	}
	if ae, ok := err.(*AllocError); !ok || ae.Kind != OverFence {
		t.Fatalf("expected OverFence, got %v", err)
	}
}

// A second Free of the same pointer is rejected.
func TestDoubleFreeRejected(t *testing.T) {
	a := newTestAllocator(t, nil)
	key := CallerKey{File: "s3.go", Line: 1}
	ptr, err := a.Malloc(key, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(key, ptr); err != nil {
		t.Fatal(err)
	}
	err = a.Free(key, ptr)
	if err == nil {
		t.Fatal("expected an error on double free")
	}
	if ae, ok := err.(*AllocError); !ok || (ae.Kind != AlreadyFree && ae.Kind != NotStartBlock) {
		t.Fatalf("expected AlreadyFree or NotStartBlock, got %v", err)
	}
}

// Freeing a run and immediately allocating a same-class run reuses it
// without acquiring new memory from the page source.
func TestFreeThenAllocateSameClassReusesRun(t *testing.T) {
	a := newTestAllocator(t, nil)
	key := CallerKey{File: "s4.go", Line: 1}
	// A size large enough to route through the free-block index rather
	// than the divided-block engine.
	size := a.cfg.BlockSize + 100
	ptr, err := a.Malloc(key, size)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(key, ptr); err != nil {
		t.Fatal(err)
	}
	mappingsBefore := len(a.ps.mappings)

	ptr2, err := a.Malloc(key, size)
	if err != nil {
		t.Fatal(err)
	}
	if ptr2 != ptr {
		t.Fatalf("expected the freed run to be reused at the same address: got %#x want %#x", ptr2, ptr)
	}
	if len(a.ps.mappings) != mappingsBefore {
		t.Fatalf("reusing a freed run should not acquire new OS memory: mappings %d -> %d", mappingsBefore, len(a.ps.mappings))
	}
}

// With realloc-copy off, shrink-then-grow-back stays at the same
// address; with realloc-copy on, every realloc moves and frees the
// original.
func TestReallocCopyFlagControlsInPlaceResize(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		a := newTestAllocator(t, nil)
		key := CallerKey{File: "s5.go", Line: 1}
		p, err := a.Malloc(key, 10)
		if err != nil {
			t.Fatal(err)
		}
		p2, err := a.Reallocate(key, p, 20)
		if err != nil {
			t.Fatal(err)
		}
		p3, err := a.Reallocate(key, p2, 9)
		if err != nil {
			t.Fatal(err)
		}
		if p2 != p || p3 != p {
			t.Fatalf("realloc-copy off should preserve the pointer across resizes that still fit: p=%#x p2=%#x p3=%#x", p, p2, p3)
		}
	})

	t.Run("on", func(t *testing.T) {
		a := newTestAllocator(t, func(c *Config) { c.Flags.ReallocCopy = true })
		key := CallerKey{File: "s5.go", Line: 2}
		p, err := a.Malloc(key, 10)
		if err != nil {
			t.Fatal(err)
		}
		p2, err := a.Reallocate(key, p, 20)
		if err != nil {
			t.Fatal(err)
		}
		if p2 == p {
			t.Fatal("realloc-copy on should always move, even when the old chunk still fits")
		}
		// The original pointer must now be free; freeing it again should fail.
		if err := a.Free(key, p); err == nil {
			t.Fatal("original pointer should already have been freed by the forced move")
		}
	})
}

// A randomized allocate/free loop's final provenance report matches the
// allocate call sites and total bytes still in use.
func TestRandomizedLoopMatchesProvenance(t *testing.T) {
	a := newTestAllocator(t, nil)
	rng := rand.New(rand.NewSource(1))

	type liveAlloc struct {
		ptr  uintptr
		key  CallerKey
		size int
	}
	var live []liveAlloc
	expectedBytes := make(map[CallerKey]uint64)

	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			key := CallerKey{File: "loop.go", Line: rng.Intn(8) + 1}
			size := rng.Intn(200) + 1
			ptr, err := a.Malloc(key, size)
			if err != nil {
				t.Fatalf("malloc %d: %v", i, err)
			}
			live = append(live, liveAlloc{ptr: ptr, key: key, size: size})
			expectedBytes[key] += uint64(size)
		} else {
			j := rng.Intn(len(live))
			entry := live[j]
			if err := a.Free(entry.key, entry.ptr); err != nil {
				t.Fatalf("free %d: %v", i, err)
			}
			expectedBytes[entry.key] -= uint64(entry.size)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	var wantTotal uint64
	for _, b := range expectedBytes {
		wantTotal += b
	}
	if got := a.prov.TotalInUseBytes(); got != wantTotal {
		t.Fatalf("provenance total in-use bytes = %d, want %d", got, wantTotal)
	}
	if got := a.ReadInfo().BytesInUse; got != wantTotal {
		t.Fatalf("stats BytesInUse = %d, want %d", got, wantTotal)
	}

	for _, line := range a.prov.Report(0, true) {
		want := expectedBytes[line.Key]
		if line.BytesInUse != want {
			t.Fatalf("report for %v has BytesInUse=%d, want %d", line.Key, line.BytesInUse, want)
		}
	}
}

func TestInTwiceOnReentrantCall(t *testing.T) {
	a := newTestAllocator(t, nil)
	if err := a.enterGate(); err != nil {
		t.Fatal(err)
	}
	defer a.exitGate()

	_, err := a.Malloc(CallerKey{}, 16)
	if err == nil {
		t.Fatal("expected InTwice while the gate is already held")
	}
	if ae, ok := err.(*AllocError); !ok || ae.Kind != InTwice {
		t.Fatalf("expected InTwice, got %v", err)
	}
}

func TestTooBigRejected(t *testing.T) {
	a := newTestAllocator(t, nil)
	_, err := a.Malloc(CallerKey{}, a.cfg.LargestBlock*2)
	if err == nil {
		t.Fatal("expected TooBig for a request larger than LargestBlock")
	}
	if ae, ok := err.(*AllocError); !ok || ae.Kind != TooBig {
		t.Fatalf("expected TooBig, got %v", err)
	}
}

func TestNegativeSizeRejected(t *testing.T) {
	a := newTestAllocator(t, nil)
	_, err := a.Malloc(CallerKey{}, -1)
	if err == nil {
		t.Fatal("expected BadSize for a negative size")
	}
	if ae, ok := err.(*AllocError); !ok || ae.Kind != BadSize {
		t.Fatalf("expected BadSize, got %v", err)
	}
}
