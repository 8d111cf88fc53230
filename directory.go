package dmalloc

// descriptorPageMagicTop and descriptorPageMagicBottom bracket every
// descriptorPage, letting the integrity checker detect administrative
// corruption.
const (
	descriptorPageMagicTop    = uint32(0x5A4D6150) // "ZMaP"
	descriptorPageMagicBottom = uint32(0x706D645A) // "pmdZ"
)

// blocksPerPage is how many basic block descriptors one descriptorPage
// covers. Descriptor storage here lives in ordinary Go memory rather than
// being cast over raw mmap'd bytes, so this is a logical
// capacity rather than a sizeof-derived one, but it still governs when a
// new administrative basic block must be reserved.
const blocksPerPage = 512

// descriptorPage is one administrative page: top/bottom magic, a
// position number (the index of its first basic block), and a next
// pointer chaining descriptor pages in position order.
type descriptorPage struct {
	magicTop    uint32
	magicBottom uint32
	position    int
	count       int // number of basic blocks actually covered so far
	next        *descriptorPage
}

func (p *descriptorPage) checkMagic() error {
	if p.magicTop != descriptorPageMagicTop {
		return errf(BadAdminMagic, "top magic corrupt at position %d", p.position)
	}
	if p.magicBottom != descriptorPageMagicBottom {
		return errf(BadAdminMagic, "bottom magic corrupt at position %d", p.position)
	}
	return nil
}

// blockDirectory maintains per-basic-block descriptors, the linked list of
// descriptor pages, and the heap-address-to-descriptor lookup. Descriptor
// records are stored in a flat, directly-indexed Go slice (blocks[i]
// describes the basic block at address low+i*BlockSize); descriptorPage
// records form a linked list over that same index space and own the
// page-level magic/position invariants the integrity checker verifies, but
// Find uses direct indexing rather than pointer-chasing for O(1) lookup
// without needing unsafe-pointer tricks to get there.
type blockDirectory struct {
	ps        *pageSource
	blockSize int

	blocks []bblockDescriptor
	pages  []*descriptorPage // indexed by page number, also next-chained
	head   *descriptorPage
	tail   *descriptorPage

	current   *descriptorPage
	freeSlots int

	externalCount int
}

func newBlockDirectory(ps *pageSource, blockSize int) *blockDirectory {
	return &blockDirectory{ps: ps, blockSize: blockSize}
}

// maxExternalRegions bounds how many non-contiguous regions the directory
// will track before failing with ExternalHuge.
const maxExternalRegions = 10

func (d *blockDirectory) blockIndex(addr uintptr) (int, bool) {
	if !d.ps.Valid(addr) {
		return 0, false
	}
	off := addr - d.ps.Low()
	idx := int(off / uintptr(d.blockSize))
	if off%uintptr(d.blockSize) != 0 {
		// Not block-aligned; callers needing exact alignment check this
		// themselves. Still return the containing block's index.
	}
	return idx, true
}

// Find locates the descriptor for addr in O(1).
func (d *blockDirectory) Find(addr uintptr) (*bblockDescriptor, int, error) {
	idx, ok := d.blockIndex(addr)
	if !ok {
		return nil, 0, errKind(NotInHeap)
	}
	if idx < 0 || idx >= len(d.blocks) {
		return nil, 0, errKind(NotInHeap)
	}
	return &d.blocks[idx], idx, nil
}

// BlockAt returns the descriptor at a known-good index, for walkers that
// already have the index (integrity checker, heap-map renderer).
func (d *blockDirectory) BlockAt(idx int) *bblockDescriptor {
	if idx < 0 || idx >= len(d.blocks) {
		return nil
	}
	return &d.blocks[idx]
}

func (d *blockDirectory) Len() int { return len(d.blocks) }

func (d *blockDirectory) addrOf(idx int) uintptr {
	return d.ps.Low() + uintptr(idx*d.blockSize)
}

// ensureDescriptorCapacity grows the directory so that blocks up to and
// including index `upTo` exist, creating new descriptorPages (and
// reserving one administrative basic block per page from the page
// source) as needed.
func (d *blockDirectory) ensureDescriptorCapacity(upTo int) error {
	for len(d.blocks) <= upTo {
		if d.current == nil || d.freeSlots == 0 {
			if err := d.newDescriptorPage(); err != nil {
				return err
			}
		}
		d.blocks = append(d.blocks, bblockDescriptor{role: RoleUnused})
		d.current.count++
		d.freeSlots--
	}
	return nil
}

func (d *blockDirectory) newDescriptorPage() error {
	adminAddr, external, err := d.ps.Acquire(d.blockSize)
	if err != nil {
		return err
	}
	if external != nil {
		if err := d.registerExternal(*external); err != nil {
			return err
		}
	}

	p := &descriptorPage{
		magicTop:    descriptorPageMagicTop,
		magicBottom: descriptorPageMagicBottom,
		position:    len(d.blocks),
	}
	if d.head == nil {
		d.head = p
	} else {
		d.tail.next = p
	}
	d.tail = p
	d.pages = append(d.pages, p)
	d.current = p
	d.freeSlots = blocksPerPage

	// Install the administrative basic block's own descriptor. Because
	// newDescriptorPage may itself be called while growing d.blocks for
	// an unrelated request, the admin block's index is appended directly
	// rather than going through ensureDescriptorCapacity (which would
	// recurse).
	idx, ok := d.blockIndex(adminAddr)
	if !ok {
		return errf(BadAdminList, "administrative block address out of heap range")
	}
	for len(d.blocks) <= idx {
		d.blocks = append(d.blocks, bblockDescriptor{role: RoleUnused})
		p.count++
		d.freeSlots--
	}
	d.blocks[idx] = bblockDescriptor{role: RoleAdmin, admin: adminInfo{pageIndex: len(d.pages) - 1}}
	return nil
}

func (d *blockDirectory) registerExternal(r Region) error {
	d.externalCount++
	if d.externalCount > maxExternalRegions {
		return errKind(ExternalHuge)
	}
	idx, ok := d.blockIndex(r.Addr)
	if !ok {
		return nil
	}
	n := r.Len / d.blockSize
	for i := 0; i < n; i++ {
		for len(d.blocks) <= idx+i {
			d.blocks = append(d.blocks, bblockDescriptor{role: RoleUnused})
		}
		d.blocks[idx+i] = bblockDescriptor{role: RoleExternal, external: externalInfo{region: r}}
	}
	return nil
}

// AllocateDescriptors acquires n contiguous basic blocks of raw memory
// from the page source, ensures descriptor storage exists for all of
// them (and for any administrative blocks that had to be reserved along
// the way), and returns the index of the first of the n blocks plus its
// address. The returned run is descriptor-contiguous: n consecutive
// entries in d.blocks, all still RoleUnused, ready for the caller
// (free-block index or divided-block engine) to stamp with a role.
func (d *blockDirectory) AllocateDescriptors(n int) (startIdx int, addr uintptr, err error) {
	addr, external, err := d.ps.Acquire(n * d.blockSize)
	if err != nil {
		return 0, 0, err
	}
	if external != nil {
		if err := d.registerExternal(*external); err != nil {
			return 0, 0, err
		}
	}

	idx, ok := d.blockIndex(addr)
	if !ok {
		return 0, 0, errf(BadAdminList, "allocated block address out of heap range")
	}
	if err := d.ensureDescriptorCapacity(idx + n - 1); err != nil {
		return 0, 0, err
	}
	for i := 0; i < n; i++ {
		if d.blocks[idx+i].role != RoleUnused {
			return 0, 0, errKind(BadBlockOrder)
		}
	}
	return idx, addr, nil
}
