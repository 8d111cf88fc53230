package dmalloc

import "unsafe"

// Region is a contiguous byte range, identified by its starting address
// and length.
type Region struct {
	Addr uintptr
	Len  int
}

func (r Region) End() uintptr { return r.Addr + uintptr(r.Len) }

// rawMapping remembers what osMunmap actually needs: the original
// (possibly unaligned) address and length osMmap returned, since the
// BLOCK-aligned sub-range handed out to callers may start partway into it.
type rawMapping struct {
	bytes []byte
	used  Region // the BLOCK-aligned sub-range carved out of bytes
}

// pageSource obtains raw, block-aligned byte ranges from the OS and
// tracks the heap's low/high watermarks. Not safe for concurrent use on
// its own; callers serialize through the allocator's gate.
type pageSource struct {
	blockSize int
	allowNonlinear bool

	mappings []rawMapping
	low      uintptr
	high     uintptr
	haveHeap bool
}

func newPageSource(blockSize int, allowNonlinear bool) *pageSource {
	return &pageSource{blockSize: blockSize, allowNonlinear: allowNonlinear}
}

func roundupU(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

// Acquire obtains at least nBytes of BLOCK-aligned memory. It returns the
// aligned base address and — when the new
// region is not contiguous with the previously known heap — the Region
// describing it so the block directory can register it as "external".
//
// When the underlying OS primitive returns a region that does not begin
// BLOCK-aligned, Acquire pads the request by one extra block and carves
// the aligned sub-range out of it; the pad bytes are retained (not
// released back to the OS) since partial munmap is not portable.
func (ps *pageSource) Acquire(nBytes int) (base uintptr, external *Region, err error) {
	if nBytes <= 0 || nBytes%ps.blockSize != 0 {
		return 0, nil, errf(BadSetup, "acquire size %d not a multiple of block size %d", nBytes, ps.blockSize)
	}

	raw, err := osMmap(nBytes)
	if err != nil {
		return 0, nil, errf(AllocFailed, "%v", err)
	}
	if len(raw) == 0 {
		return 0, nil, errKind(AllocFailed)
	}

	rawAddr := uintptr(unsafe.Pointer(&raw[0]))
	if rawAddr%uintptr(ps.blockSize) != 0 {
		if err := osMunmap(unsafe.Pointer(&raw[0]), len(raw)); err != nil {
			return 0, nil, errf(AllocFailed, "%v", err)
		}
		if raw, err = osMmap(nBytes + ps.blockSize); err != nil {
			return 0, nil, errf(AllocFailed, "%v", err)
		}
		rawAddr = uintptr(unsafe.Pointer(&raw[0]))
	}
	alignedAddr := roundupU(rawAddr, uintptr(ps.blockSize))
	used := Region{Addr: alignedAddr, Len: nBytes}
	ps.mappings = append(ps.mappings, rawMapping{bytes: raw, used: used})

	if !ps.haveHeap {
		ps.low = used.Addr
		ps.high = used.End()
		ps.haveHeap = true
		return used.Addr, nil, nil
	}

	switch used.Addr {
	case ps.high:
		ps.high = used.End()
		return used.Addr, nil, nil
	case ps.low - uintptr(nBytes):
		ps.low = used.Addr
		return used.Addr, nil, nil
	}

	if !ps.allowNonlinear {
		// Still register the watermarks so Valid keeps working, but the
		// caller is expected to treat this as an external region.
	}
	if used.Addr < ps.low {
		ps.low = used.Addr
	}
	if used.End() > ps.high {
		ps.high = used.End()
	}
	r := used
	return used.Addr, &r, nil
}

// Release returns a region to the OS. Optional: the allocation core never
// calls it in the general case, since once a region is under management
// it stays there for the life of the heap, but it is exercised by tests
// and is available to a caller that wants to return memory explicitly.
func (ps *pageSource) Release(addr uintptr, n int) error {
	for i, m := range ps.mappings {
		if m.used.Addr == addr && m.used.Len == n {
			if err := osMunmap(unsafe.Pointer(&m.bytes[0]), len(m.bytes)); err != nil {
				return errf(AllocFailed, "%v", err)
			}
			ps.mappings = append(ps.mappings[:i], ps.mappings[i+1:]...)
			return nil
		}
	}
	return errKind(NotFound)
}

// Valid reports whether addr lies within the heap's observed low/high
// watermarks; this is the predicate every other component uses to decide
// whether a pointer could possibly be one of ours.
func (ps *pageSource) Valid(addr uintptr) bool {
	return ps.haveHeap && addr >= ps.low && addr < ps.high
}

func (ps *pageSource) Low() uintptr  { return ps.low }
func (ps *pageSource) High() uintptr { return ps.high }

// bytesAt returns a byte slice viewing n bytes of managed memory starting
// at addr. addr must lie within a region this pageSource handed out.
func (ps *pageSource) bytesAt(addr uintptr, n int) []byte {
	for _, m := range ps.mappings {
		if addr >= m.used.Addr && addr+uintptr(n) <= m.used.End() {
			off := addr - uintptr(unsafe.Pointer(&m.bytes[0]))
			return m.bytes[off : off+uintptr(n)]
		}
	}
	return nil
}
