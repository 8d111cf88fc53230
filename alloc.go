package dmalloc

import "sync/atomic"

// freePoisonByte is written over a chunk's bytes on free when
// Flags.FreeBlank is set, and is what Flags.CheckFree looks for when
// validating that a free run or mini-slot has not been touched since.
const freePoisonByte = 0xdf

// Variant distinguishes the public entry point an allocation came through,
// since Calloc needs zeroing and Valloc/Memalign need different layout
// logic even though all three ultimately route through the same core.
type Variant int

const (
	VariantMalloc Variant = iota
	VariantCalloc
	VariantMemalign
	VariantValloc
)

// Stats is the allocator's running counters: bytes and allocation counts,
// both currently-live and lifetime, plus per-call tallies and how many
// full-heap checks have run.
type Stats struct {
	BytesInUse   uint64
	BytesTotal   uint64 // lifetime bytes ever handed out
	BytesPeak    uint64
	BytesPeakOne uint64 // largest single request ever satisfied

	PointsOut  uint64 // allocations currently outstanding
	PointsEver uint64 // allocations ever handed out

	MallocCalls  uint64
	CallocCalls  uint64
	ReallocCalls uint64
	FreeCalls    uint64

	CheckCount uint64
}

// Allocator is the assembled allocation core: a page source, block
// directory, free-block index, divided-block engine, fence guard,
// provenance table and transaction logger behind a single coarse gate.
// The gate is a compare-and-swap flag rather than a blocking sync.Mutex:
// this package targets one cooperating caller with a re-entrancy guard,
// not fair queuing across goroutines, so a non-blocking gate that fails
// fast with InTwice for any second entrant — same goroutine recursing or
// a different goroutine racing — gets that model without claiming
// scalable concurrent allocation (see DESIGN.md).
type Allocator struct {
	gate int32

	cfg    Config
	ps     *pageSource
	dir    *blockDirectory
	free   *freeBlockIndex
	dblock *dividedBlockEngine
	fence  fenceGuard
	prov   *provenanceTable
	logger *transactionLogger

	stats Stats
	iter  uint64 // bumped once per completed allocate/free; drives delayed reuse

	watchHits int

	checking  bool // true once the StartAfter gate has opened
	callCount int  // calls since checking turned on, for CheckInterval
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// NewAllocator builds an allocator from cfg, validating the handful of
// settings that must be internally consistent before any memory is
// touched.
func NewAllocator(cfg Config) (*Allocator, error) {
	if !isPow2(cfg.BlockSize) {
		return nil, errf(BadSetup, "block size %d is not a power of two", cfg.BlockSize)
	}
	if cfg.SmallestBlock <= 0 || !isPow2(cfg.SmallestBlock) || cfg.SmallestBlock > cfg.BlockSize/2 {
		return nil, errf(BadSetup, "smallest block %d invalid for block size %d", cfg.SmallestBlock, cfg.BlockSize)
	}
	if cfg.PanicHook == nil {
		cfg.PanicHook = func(err error) { panic(err) }
	}

	ps := newPageSource(cfg.BlockSize, cfg.Flags.AllowNonlinear)
	dir := newBlockDirectory(ps, cfg.BlockSize)
	return &Allocator{
		cfg:      cfg,
		ps:       ps,
		dir:      dir,
		free:     newFreeBlockIndex(dir, cfg.BlockSize, cfg.Policy),
		dblock:   newDividedBlockEngine(dir, cfg.BlockSize, cfg.SmallestBlock),
		fence:    newFenceGuard(cfg.FenceBottom, cfg.FenceTop),
		prov:     newProvenanceTable(cfg.ProvenanceTableSize),
		logger:   newTransactionLogger(cfg.LogPath, nil),
		checking: cfg.StartAfterCount == 0 && cfg.StartAfterFile == "",
	}, nil
}

func (a *Allocator) enterGate() error {
	if !atomic.CompareAndSwapInt32(&a.gate, 0, 1) {
		return errKind(InTwice)
	}
	return nil
}

func (a *Allocator) exitGate() { atomic.StoreInt32(&a.gate, 0) }

// fail applies the configured error-reporting side effects (PrintError,
// ErrorAbort) and returns err unchanged, so call sites can write
// `return 0, a.fail(err)`.
func (a *Allocator) fail(err error) error {
	if ae, ok := err.(*AllocError); ok && a.cfg.Flags.PrintError {
		a.logger.logError(ae, nil, 0)
	}
	if a.cfg.Flags.ErrorAbort {
		a.cfg.PanicHook(err)
	}
	return err
}

// failAlloc applies fail's side effects and additionally honors
// Flags.CatchNull: an allocating entry point that is about to hand back a
// null pointer aborts via PanicHook instead of letting the caller observe
// the null return.
func (a *Allocator) failAlloc(err error) error {
	err = a.fail(err)
	if a.cfg.Flags.CatchNull {
		a.cfg.PanicHook(err)
	}
	return err
}

func (a *Allocator) newOverhead() Overhead {
	// Timestamp and GateSeq both stand in for platform facilities (wall
	// clock, thread id) that have no portable Go equivalent worth
	// depending on here; the allocator's own iteration counter already
	// totally orders every call, so it serves both roles.
	return Overhead{Iteration: a.iter, Timestamp: a.iter, GateSeq: a.iter}
}

func (a *Allocator) checkWatch(addr uintptr) {
	if a.cfg.WatchAddr == 0 || addr != a.cfg.WatchAddr {
		return
	}
	a.watchHits++
	if a.watchHits >= a.cfg.WatchN {
		a.cfg.PanicHook(errf(IsFound, "watch address %s hit %d times", formatAddr(addr), a.watchHits))
	}
}

// updateStartGate opens heap checking once the configured start
// condition (call count or call site, i.e. start=FILE:LINE|N) has been
// reached.
func (a *Allocator) updateStartGate(key CallerKey) {
	if a.checking {
		return
	}
	if a.cfg.StartAfterFile != "" {
		if key.File == a.cfg.StartAfterFile && key.Line == a.cfg.StartAfterLine {
			a.checking = true
		}
		return
	}
	if a.cfg.StartAfterCount > 0 && int(a.stats.PointsEver)+1 >= a.cfg.StartAfterCount {
		a.checking = true
	}
}

// autoCheck runs the full heap check when Flags.CheckHeap is enabled and
// the start gate has opened, throttled to every CheckInterval-th call.
func (a *Allocator) autoCheck() error {
	if !a.cfg.Flags.CheckHeap || !a.checking {
		return nil
	}
	a.callCount++
	if a.cfg.CheckInterval > 1 && a.callCount%a.cfg.CheckInterval != 0 {
		return nil
	}
	return a.CheckHeap()
}

func (a *Allocator) zeroUser(ptr uintptr, size int) {
	if size <= 0 {
		return
	}
	buf := a.ps.bytesAt(ptr, size)
	for i := range buf {
		buf[i] = 0
	}
}

func (a *Allocator) poison(addr uintptr, n int) {
	buf := a.ps.bytesAt(addr, n)
	for i := range buf {
		buf[i] = freePoisonByte
	}
}

func ceilDiv(n, d int) int { return (n + d - 1) / d }

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// resolveChunk maps a user pointer back to its owning descriptor and the
// address its chunk (fence-inclusive storage) actually starts at. For an
// ordinary allocation the chunk starts FenceBottom bytes before ptr; for
// a page-aligned one ptr itself is the BLOCK-aligned start-of-user
// address and the bottom fence instead occupies the tail of the
// preceding leading block, so the chunk start is still ptr-FenceBottom
// but the descriptor lookup must use ptr, not ptr-FenceBottom, to land on
// the right block.
func (a *Allocator) resolveChunk(ptr uintptr) (*bblockDescriptor, int, uintptr, error) {
	if ptr%uintptr(a.cfg.BlockSize) == 0 {
		if b, idx, err := a.dir.Find(ptr); err == nil && b.role == RoleStartUser && b.startUser.pageAligned {
			return b, idx, ptr - uintptr(a.fence.bottomWidth), nil
		}
	}
	chunkAddr := ptr - uintptr(a.fence.userOffset())
	b, idx, err := a.dir.Find(chunkAddr)
	if err != nil {
		return nil, 0, 0, err
	}
	return b, idx, chunkAddr, nil
}

func (a *Allocator) stampStartUser(startIdx, nBlocks, size int, key CallerKey, pageAligned bool, runStartIdx int) {
	*a.dir.BlockAt(startIdx) = bblockDescriptor{
		role: RoleStartUser,
		startUser: startUserInfo{
			size: size, caller: key, pageAligned: pageAligned,
			overhead: a.newOverhead(), runStartIdx: runStartIdx, blockCount: nBlocks,
		},
	}
	for i := 1; i < nBlocks; i++ {
		*a.dir.BlockAt(startIdx + i) = bblockDescriptor{role: RoleContinuationUser}
	}
}

// allocateBlockRun satisfies an n-block request from the free-block
// index first, falling back to fresh pages from the directory/page
// source when no run is large enough.
func (a *Allocator) allocateBlockRun(nBlocks int, delayed bool) (int, uintptr, error) {
	if idx, ok := a.free.Allocate(nBlocks, a.iter, delayed); ok {
		return idx, a.dir.addrOf(idx), nil
	}
	idx, addr, err := a.dir.AllocateDescriptors(nBlocks)
	if err != nil {
		return 0, 0, err
	}
	if a.cfg.Flags.LogAdmin {
		a.logger.logAdmin("new-block-run", addr, nBlocks)
	}
	return idx, addr, nil
}

// allocateNormal is the ordinary Malloc/Calloc path: divided-block engine
// for chunks at most half a block, free-block index (or fresh pages)
// otherwise.
func (a *Allocator) allocateNormal(key CallerKey, size int) (uintptr, error) {
	chunkLen := a.fence.chunkSize(size)
	if chunkLen > a.cfg.LargestBlock {
		return 0, errKind(TooBig)
	}
	delayed := a.cfg.DelayReuseIterations > 0

	if chunkLen <= a.cfg.BlockSize/2 {
		info := slotUseInfo{size: size, caller: key, overhead: a.newOverhead()}
		addr, _, err := a.dblock.Allocate(chunkLen, info, a.iter, delayed)
		if err != nil {
			return 0, err
		}
		chunk := a.ps.bytesAt(addr, chunkLen)
		a.fence.Write(chunk, size)
		return addr + uintptr(a.fence.userOffset()), nil
	}

	nBlocks := ceilDiv(chunkLen, a.cfg.BlockSize)
	idx, addr, err := a.allocateBlockRun(nBlocks, delayed)
	if err != nil {
		return 0, err
	}
	a.stampStartUser(idx, nBlocks, size, key, false, idx)
	chunk := a.ps.bytesAt(addr, chunkLen)
	a.fence.Write(chunk, size)
	return addr + uintptr(a.fence.userOffset()), nil
}

// allocatePageAligned implements Valloc and any Memalign request whose
// alignment fits inside one basic block: it reserves one leading pad
// block plus enough body blocks, writes the bottom fence into the tail
// of the pad block, and returns the body block's own address — which,
// being a multiple of BlockSize, is automatically aligned to any
// power-of-two alignment no larger than BlockSize.
func (a *Allocator) allocatePageAligned(key CallerKey, size int) (uintptr, error) {
	blockN := max1(ceilDiv(max1(size+a.fence.topWidth), a.cfg.BlockSize))
	total := blockN + 1
	if total*a.cfg.BlockSize > a.cfg.LargestBlock {
		return 0, errKind(TooBig)
	}

	runIdx, raw, err := a.dir.AllocateDescriptors(total)
	if err != nil {
		return 0, err
	}
	if a.cfg.Flags.LogAdmin {
		a.logger.logAdmin("new-page-aligned-run", raw, total)
	}

	startIdx := runIdx + 1
	startAddr := raw + uintptr(a.cfg.BlockSize)

	*a.dir.BlockAt(runIdx) = bblockDescriptor{role: RoleContinuationUser}
	a.stampStartUser(startIdx, blockN, size, key, true, runIdx)
	a.dir.BlockAt(startIdx).startUser.blockCount = total

	chunkStart := startAddr - uintptr(a.fence.bottomWidth)
	chunk := a.ps.bytesAt(chunkStart, a.fence.chunkSize(size))
	a.fence.Write(chunk, size)
	return startAddr, nil
}

// allocateWideAligned handles Memalign requests whose alignment exceeds
// one basic block. The page source only guarantees a BlockSize-aligned
// base, which is not enough for a coarser alignment on its own, so this
// reserves one alignment-unit's worth of extra leading blocks as slack and
// then computes, from the actually-returned address, how many of them to
// skip to land on an alignment-aligned block — the same over-reserve-and-
// round-up trick the page source itself uses to align its own raw OS
// mapping to BlockSize. Such alignments are restricted to exact multiples
// of BlockSize; anything no larger than BlockSize already gets aligned for
// free by allocatePageAligned.
func (a *Allocator) allocateWideAligned(key CallerKey, size, alignment int) (uintptr, error) {
	if alignment%a.cfg.BlockSize != 0 {
		return 0, errf(BadSetup, "alignment %d is not a multiple of block size %d", alignment, a.cfg.BlockSize)
	}
	unitBlocks := alignment / a.cfg.BlockSize
	bodyBlocks := max1(ceilDiv(max1(size+a.fence.topWidth), a.cfg.BlockSize))
	total := unitBlocks + bodyBlocks
	if total*a.cfg.BlockSize > a.cfg.LargestBlock {
		return 0, errKind(TooBig)
	}

	runIdx, raw, err := a.dir.AllocateDescriptors(total)
	if err != nil {
		return 0, err
	}
	if a.cfg.Flags.LogAdmin {
		a.logger.logAdmin("new-wide-aligned-run", raw, total)
	}

	// At least one leading block is skipped so the bottom fence, which sits
	// just below the aligned start, stays inside the reserved run.
	skip := 1
	if rem := (raw + uintptr(a.cfg.BlockSize)) % uintptr(alignment); rem != 0 {
		skip += int((uintptr(alignment) - rem) / uintptr(a.cfg.BlockSize))
	}
	startIdx := runIdx + skip
	startAddr := raw + uintptr(skip)*uintptr(a.cfg.BlockSize)

	for i := 0; i < skip; i++ {
		*a.dir.BlockAt(runIdx + i) = bblockDescriptor{role: RoleContinuationUser}
	}
	a.stampStartUser(startIdx, bodyBlocks, size, key, true, runIdx)
	a.dir.BlockAt(startIdx).startUser.blockCount = total
	for i := skip + bodyBlocks; i < total; i++ {
		*a.dir.BlockAt(runIdx + i) = bblockDescriptor{role: RoleContinuationUser}
	}

	chunkStart := startAddr - uintptr(a.fence.bottomWidth)
	chunk := a.ps.bytesAt(chunkStart, a.fence.chunkSize(size))
	a.fence.Write(chunk, size)
	return startAddr, nil
}

func (a *Allocator) allocateAligned(key CallerKey, size, alignment int) (uintptr, error) {
	if alignment <= 1 {
		return a.allocateNormal(key, size)
	}
	if alignment <= a.cfg.BlockSize {
		return a.allocatePageAligned(key, size)
	}
	return a.allocateWideAligned(key, size, alignment)
}

// allocateLocked is the body of every allocating entry point; callers
// must already hold the gate.
func (a *Allocator) allocateLocked(key CallerKey, size int, variant Variant, alignment int) (uintptr, error) {
	a.updateStartGate(key)

	if size < 0 || (size == 0 && !a.cfg.AllowZeroSize) {
		return 0, a.failAlloc(errKind(BadSize))
	}

	var ptr uintptr
	var err error
	switch variant {
	case VariantValloc:
		ptr, err = a.allocatePageAligned(key, size)
	case VariantMemalign:
		ptr, err = a.allocateAligned(key, size, alignment)
	default:
		ptr, err = a.allocateNormal(key, size)
	}
	if err != nil {
		return 0, a.failAlloc(err)
	}

	if variant == VariantCalloc || a.cfg.Flags.AllocBlank {
		a.zeroUser(ptr, size)
	}

	a.stats.BytesInUse += uint64(size)
	a.stats.BytesTotal += uint64(size)
	if a.stats.BytesInUse > a.stats.BytesPeak {
		a.stats.BytesPeak = a.stats.BytesInUse
	}
	if uint64(size) > a.stats.BytesPeakOne {
		a.stats.BytesPeakOne = uint64(size)
	}
	a.stats.PointsOut++
	a.stats.PointsEver++
	if variant == VariantCalloc {
		a.stats.CallocCalls++
	} else {
		a.stats.MallocCalls++
	}

	a.prov.Insert(key, uint64(size))
	a.iter++
	a.checkWatch(ptr)

	if a.cfg.Flags.LogTrans {
		a.logger.logTransaction("alloc", key, ptr, size)
	}
	if cerr := a.autoCheck(); cerr != nil {
		return ptr, a.fail(cerr)
	}
	return ptr, nil
}

// Allocate is the general entry point behind Malloc, Calloc, Memalign and
// Valloc.
func (a *Allocator) Allocate(key CallerKey, size int, variant Variant, alignment int) (uintptr, error) {
	if err := a.enterGate(); err != nil {
		return 0, err
	}
	defer a.exitGate()
	return a.allocateLocked(key, size, variant, alignment)
}

func (a *Allocator) Malloc(key CallerKey, size int) (uintptr, error) {
	return a.Allocate(key, size, VariantMalloc, 0)
}

func (a *Allocator) Calloc(key CallerKey, nmemb, size int) (uintptr, error) {
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		return 0, a.fail(errKind(TooBig))
	}
	return a.Allocate(key, total, VariantCalloc, 0)
}

func (a *Allocator) Memalign(key CallerKey, alignment, size int) (uintptr, error) {
	return a.Allocate(key, size, VariantMemalign, alignment)
}

func (a *Allocator) Valloc(key CallerKey, size int) (uintptr, error) {
	return a.Allocate(key, size, VariantValloc, a.cfg.BlockSize)
}

// finishFree applies the bookkeeping common to every successful free and
// runs the auto-checker.
func (a *Allocator) finishFree(key CallerKey, ptr uintptr, size int) error {
	a.stats.BytesInUse -= uint64(size)
	a.stats.PointsOut--
	a.stats.FreeCalls++
	a.iter++
	a.checkWatch(ptr)
	if a.cfg.Flags.LogTrans {
		a.logger.logTransaction("free", key, ptr, size)
	}
	if err := a.autoCheck(); err != nil {
		return a.fail(err)
	}
	return nil
}

// freeLocked is the body of Free; callers must already hold the gate.
func (a *Allocator) freeLocked(key CallerKey, ptr uintptr) error {
	if ptr == 0 {
		switch a.cfg.Flags.NullMode {
		case IsNullWarn:
			a.logger.logTransaction("free-null", key, 0, 0)
			return nil
		case IsNullError:
			return a.fail(errKind(IsNull))
		default:
			return nil
		}
	}

	b, idx, chunkAddr, err := a.resolveChunk(ptr)
	if err != nil {
		return a.fail(err)
	}

	switch b.role {
	case RoleDivided:
		slotIdx, lerr := a.dblock.LocateSlot(b, chunkAddr)
		if lerr != nil {
			return a.fail(lerr)
		}
		slot := &b.divided.slots[slotIdx]
		if slot.state == slotFree {
			return a.fail(errKind(AlreadyFree))
		}
		slotSize := 1 << uint(b.divided.classBit)
		size := slot.size
		if a.cfg.Flags.CheckFence {
			chunk := a.ps.bytesAt(chunkAddr, a.fence.chunkSize(size))
			if ferr := a.fence.Check(chunk, size); ferr != nil {
				return a.fail(ferr)
			}
		}
		a.prov.Delete(slot.caller, uint64(size))
		reuseAt := uint64(0)
		if a.cfg.DelayReuseIterations > 0 {
			reuseAt = a.iter + uint64(a.cfg.DelayReuseIterations)
		}
		if a.cfg.Flags.FreeBlank {
			a.poison(chunkAddr, slotSize)
		}
		if derr := a.dblock.Free(idx, slotIdx, reuseAt); derr != nil {
			return a.fail(derr)
		}
		return a.finishFree(key, ptr, size)

	case RoleStartUser:
		info := b.startUser
		if !info.pageAligned && chunkAddr != a.dir.addrOf(idx) {
			return a.fail(errKind(NotStartBlock))
		}
		size := info.size
		if a.cfg.Flags.CheckFence {
			chunk := a.ps.bytesAt(chunkAddr, a.fence.chunkSize(size))
			if ferr := a.fence.Check(chunk, size); ferr != nil {
				return a.fail(ferr)
			}
		}
		a.prov.Delete(info.caller, uint64(size))
		reuseAt := uint64(0)
		if a.cfg.DelayReuseIterations > 0 {
			reuseAt = a.iter + uint64(a.cfg.DelayReuseIterations)
		}
		if a.cfg.Flags.FreeBlank {
			a.poison(a.dir.addrOf(info.runStartIdx), info.blockCount*a.cfg.BlockSize)
		}
		if a.cfg.Flags.NeverReuse {
			// Mark the run free (so the heap map and descriptor invariants
			// stay consistent) but never link it onto any class list, so
			// it can never be handed out again.
			for i := 0; i < info.blockCount; i++ {
				*a.dir.BlockAt(info.runStartIdx+i) = bblockDescriptor{role: RoleFree, free: freeInfo{headIndex: info.runStartIdx}}
			}
			*a.free.head(info.runStartIdx) = freeInfo{
				headIndex: info.runStartIdx, classBit: a.free.classOf(info.blockCount), runBlocks: info.blockCount,
				next: -1, prev: -1, reuseAtIter: ^uint64(0),
			}
		} else {
			a.free.Free(info.runStartIdx, info.blockCount, reuseAt)
		}
		return a.finishFree(key, ptr, size)

	case RoleContinuationUser:
		return a.fail(errKind(NotStartBlock))
	case RoleFree:
		return a.fail(errKind(AlreadyFree))
	default:
		return a.fail(errKind(NotFound))
	}
}

func (a *Allocator) Free(key CallerKey, ptr uintptr) error {
	if err := a.enterGate(); err != nil {
		return err
	}
	defer a.exitGate()
	return a.freeLocked(key, ptr)
}

// finishRealloc applies the bookkeeping for an in-place resize (no
// copy/move needed).
func (a *Allocator) finishRealloc(key CallerKey, ptr uintptr, oldSize, newSize int) error {
	if uint64(newSize) >= uint64(oldSize) {
		a.stats.BytesInUse += uint64(newSize - oldSize)
	} else {
		a.stats.BytesInUse -= uint64(oldSize - newSize)
	}
	if a.stats.BytesInUse > a.stats.BytesPeak {
		a.stats.BytesPeak = a.stats.BytesInUse
	}
	a.stats.ReallocCalls++
	a.iter++
	if a.cfg.Flags.LogTrans {
		a.logger.logTransaction("realloc", key, ptr, newSize)
	}
	if err := a.autoCheck(); err != nil {
		return a.fail(err)
	}
	return nil
}

// Reallocate implements realloc: Reallocate(ptr, 0) frees ptr and returns
// (nil, nil), the conventional zero-size-realloc-frees behavior.
func (a *Allocator) Reallocate(key CallerKey, ptr uintptr, newSize int) (uintptr, error) {
	if err := a.enterGate(); err != nil {
		return 0, err
	}
	defer a.exitGate()
	return a.reallocateLocked(key, ptr, newSize)
}

// reallocateLocked tries an in-place resize first (the identity-preserving
// fast path) unless Flags.ReallocCopy forces every realloc through the
// allocate-new/copy/free-old path, even when the existing chunk already has
// room.
func (a *Allocator) reallocateLocked(key CallerKey, ptr uintptr, newSize int) (uintptr, error) {
	if newSize < 0 {
		return 0, a.fail(errKind(BadSize))
	}
	if ptr == 0 {
		return a.allocateLocked(key, newSize, VariantMalloc, 0)
	}
	if newSize == 0 {
		return 0, a.freeLocked(key, ptr)
	}

	b, _, chunkAddr, err := a.resolveChunk(ptr)
	if err != nil {
		return 0, a.fail(err)
	}
	newChunkLen := a.fence.chunkSize(newSize)

	var oldSize int
	var oldCaller CallerKey

	switch b.role {
	case RoleDivided:
		slotIdx, lerr := a.dblock.LocateSlot(b, chunkAddr)
		if lerr != nil {
			return 0, a.fail(lerr)
		}
		slot := &b.divided.slots[slotIdx]
		oldSize, oldCaller = slot.size, slot.caller
		capacity := 1 << uint(b.divided.classBit)
		if !a.cfg.Flags.ReallocCopy && newChunkLen <= capacity {
			slot.size, slot.caller = newSize, key
			chunk := a.ps.bytesAt(chunkAddr, newChunkLen)
			a.fence.Write(chunk, newSize)
			a.prov.Delete(oldCaller, uint64(oldSize))
			a.prov.Insert(key, uint64(newSize))
			return ptr, a.finishRealloc(key, ptr, oldSize, newSize)
		}
	case RoleStartUser:
		info := b.startUser
		oldSize, oldCaller = info.size, info.caller
		capacity := info.blockCount * a.cfg.BlockSize
		if !a.cfg.Flags.ReallocCopy && !info.pageAligned && newChunkLen <= capacity {
			b.startUser.size, b.startUser.caller = newSize, key
			chunk := a.ps.bytesAt(chunkAddr, newChunkLen)
			a.fence.Write(chunk, newSize)
			a.prov.Delete(oldCaller, uint64(oldSize))
			a.prov.Insert(key, uint64(newSize))
			return ptr, a.finishRealloc(key, ptr, oldSize, newSize)
		}
	case RoleContinuationUser:
		return 0, a.fail(errKind(NotStartBlock))
	case RoleFree:
		return 0, a.fail(errKind(AlreadyFree))
	default:
		return 0, a.fail(errKind(NotFound))
	}

	newPtr, aerr := a.allocateLocked(key, newSize, VariantMalloc, 0)
	if aerr != nil {
		return 0, a.fail(aerr)
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	src := a.ps.bytesAt(ptr, n)
	dst := a.ps.bytesAt(newPtr, n)
	if src != nil && dst != nil {
		copy(dst, src)
	}
	if ferr := a.freeLocked(oldCaller, ptr); ferr != nil {
		return 0, a.fail(ferr)
	}
	a.stats.ReallocCalls++
	if a.cfg.Flags.LogTrans {
		a.logger.logTransaction("realloc", key, newPtr, newSize)
	}
	return newPtr, nil
}

// Recalloc combines realloc and calloc: the grown tail beyond the old
// usable size is zeroed, the preserved prefix is left intact.
func (a *Allocator) Recalloc(key CallerKey, ptr uintptr, nmemb, size int) (uintptr, error) {
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		return 0, a.fail(errKind(TooBig))
	}
	if err := a.enterGate(); err != nil {
		return 0, err
	}
	defer a.exitGate()

	if ptr == 0 {
		return a.allocateLocked(key, total, VariantCalloc, 0)
	}
	if total == 0 {
		return 0, a.freeLocked(key, ptr)
	}

	b, _, chunkAddr, err := a.resolveChunk(ptr)
	if err != nil {
		return 0, a.fail(err)
	}
	var oldSize int
	switch b.role {
	case RoleDivided:
		slotIdx, lerr := a.dblock.LocateSlot(b, chunkAddr)
		if lerr != nil {
			return 0, a.fail(lerr)
		}
		oldSize = b.divided.slots[slotIdx].size
	case RoleStartUser:
		oldSize = b.startUser.size
	default:
		return 0, a.fail(errKind(NotFound))
	}

	newPtr, aerr := a.allocateLocked(key, total, VariantMalloc, 0)
	if aerr != nil {
		return 0, a.fail(aerr)
	}
	n := oldSize
	if total < n {
		n = total
	}
	src := a.ps.bytesAt(ptr, n)
	dst := a.ps.bytesAt(newPtr, total)
	if dst != nil {
		if src != nil {
			copy(dst[:n], src)
		}
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	}
	if ferr := a.freeLocked(key, ptr); ferr != nil {
		return 0, a.fail(ferr)
	}
	a.stats.ReallocCalls++
	return newPtr, nil
}

// ReadInfo returns a snapshot of the running counters.
func (a *Allocator) ReadInfo() Stats {
	if err := a.enterGate(); err != nil {
		return a.stats
	}
	defer a.exitGate()
	return a.stats
}

func (a *Allocator) LogHeapMap() {
	if err := a.enterGate(); err != nil {
		return
	}
	defer a.exitGate()
	if a.cfg.Flags.LogBlocks {
		a.logger.logHeapMapLine(a.dir.RenderHeapMap())
	}
}

func (a *Allocator) LogStats() {
	if err := a.enterGate(); err != nil {
		return
	}
	defer a.exitGate()
	if a.cfg.Flags.LogStats {
		a.logger.logStats(a.stats)
	}
}

func (a *Allocator) LogUnfreed(top int) {
	if err := a.enterGate(); err != nil {
		return
	}
	defer a.exitGate()
	if a.cfg.Flags.LogNonFree {
		a.logger.logUnfreed(a.prov.Report(top, a.cfg.Flags.LogUnknown))
	}
}

// Close releases the transaction log file, if one was opened.
func (a *Allocator) Close() error {
	return a.logger.Close()
}
