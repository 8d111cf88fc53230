package dmalloc

import "github.com/cznic/mathutil"

// slotUseInfo is what the allocation core hands the divided-block engine
// to stamp onto a newly-allocated mini-slot.
type slotUseInfo struct {
	size     int
	caller   CallerKey
	overhead Overhead
}

// slotRef identifies one mini-slot by the block-directory index of its
// owning divided block plus its slot index within that block.
type slotRef struct {
	blockIdx int
	slotIdx  int
}

var emptySlotRef = slotRef{blockIdx: -1, slotIdx: -1}

// dividedBlockEngine bypasses block-scale waste for small requests. Each
// divided basic block is carved into 2^k equal mini-slots; this engine
// keeps one free list per size class, spanning however many divided
// blocks currently hold free slots of that class.
type dividedBlockEngine struct {
	dir       *blockDirectory
	blockSize int
	log2Smallest int
	heads     [64]slotRef
}

func newDividedBlockEngine(dir *blockDirectory, blockSize, smallest int) *dividedBlockEngine {
	e := &dividedBlockEngine{dir: dir, blockSize: blockSize, log2Smallest: mathutil.BitLen(uint(smallest) - 1)}
	for i := range e.heads {
		e.heads[i] = emptySlotRef
	}
	return e
}

// classOf returns ceil(log2(byteN)), clamped below at log2(SMALLEST).
func (e *dividedBlockEngine) classOf(byteN int) int {
	bit := 0
	if byteN > 1 {
		bit = mathutil.BitLen(uint(byteN - 1))
	}
	if bit < e.log2Smallest {
		bit = e.log2Smallest
	}
	return bit
}

func (e *dividedBlockEngine) slotAt(r slotRef) *miniSlot {
	return &e.dir.blocks[r.blockIdx].divided.slots[r.slotIdx]
}

// popFree removes and returns the first free slot in class whose
// delayed-reuse mark is not in the future, scanning past (without
// removing) any slot still under delay. Returns ok=false if every slot in
// the class's free list is either absent or still delayed.
func (e *dividedBlockEngine) popFree(class int, iter uint64, delayedReuse bool) (slotRef, bool) {
	prev := emptySlotRef
	cur := e.heads[class]
	for cur.blockIdx != -1 {
		slot := e.slotAt(cur)
		next := slotRef{slot.nextBlockIdx, slot.nextSlotIdx}
		if !delayedReuse || slot.reuseAtIter <= iter {
			if prev.blockIdx == -1 {
				e.heads[class] = next
			} else {
				ps := e.slotAt(prev)
				ps.nextBlockIdx, ps.nextSlotIdx = next.blockIdx, next.slotIdx
			}
			return cur, true
		}
		prev = cur
		cur = next
	}
	return emptySlotRef, false
}

func (e *dividedBlockEngine) pushFree(class int, r slotRef) {
	slot := e.slotAt(r)
	slot.state = slotFree
	slot.nextBlockIdx = e.heads[class].blockIdx
	slot.nextSlotIdx = e.heads[class].slotIdx
	e.heads[class] = r
}

// Allocate carves out a mini-slot for a byteN-byte request, acquiring a
// fresh divided basic block from the directory when the class free list
// is empty.
func (e *dividedBlockEngine) Allocate(byteN int, info slotUseInfo, iter uint64, delayedReuse bool) (addr uintptr, r slotRef, err error) {
	class := e.classOf(byteN)

	if r, ok := e.popFree(class, iter, delayedReuse); ok {
		d := e.dir.BlockAt(r.blockIdx)
		slot := &d.divided.slots[r.slotIdx]
		*slot = miniSlot{state: slotInUse, size: info.size, caller: info.caller, overhead: info.overhead}
		addr := d.divided.rawAddr + uintptr(r.slotIdx)<<uint(class)
		return addr, r, nil
	}

	startIdx, baseAddr, err := e.dir.AllocateDescriptors(1)
	if err != nil {
		return 0, emptySlotRef, err
	}
	count := e.blockSize >> uint(class)
	slots := make([]miniSlot, count)
	for i := 1; i < count; i++ {
		slots[i] = miniSlot{state: slotFree, nextBlockIdx: -1, nextSlotIdx: -1}
	}
	slots[0] = miniSlot{state: slotInUse, size: info.size, caller: info.caller, overhead: info.overhead}
	*e.dir.BlockAt(startIdx) = bblockDescriptor{
		role: RoleDivided,
		divided: dividedInfo{classBit: class, rawAddr: baseAddr, slots: slots},
	}
	for i := count - 1; i >= 1; i-- {
		e.pushFree(class, slotRef{startIdx, i})
	}
	return baseAddr, slotRef{startIdx, 0}, nil
}

// LocateSlot finds the slot index addr refers to within divided block d,
// failing with NotOnBlock if addr is not on a slot boundary (a multiple
// of the block's slot size).
func (e *dividedBlockEngine) LocateSlot(d *bblockDescriptor, addr uintptr) (int, error) {
	size := uintptr(1) << uint(d.divided.classBit)
	off := addr - d.divided.rawAddr
	if off%size != 0 {
		return 0, errKind(NotOnBlock)
	}
	idx := int(off / size)
	if idx < 0 || idx >= len(d.divided.slots) {
		return 0, errKind(NotOnBlock)
	}
	return idx, nil
}

// Free marks a mini-slot free and pushes it back onto its class's free
// list. AlreadyFree is reported via the slot's explicit state tag rather
// than an ambiguous back-pointer-equality test.
func (e *dividedBlockEngine) Free(blockIdx, slotIdx int, reuseAtIter uint64) error {
	d := e.dir.BlockAt(blockIdx)
	if d == nil || d.role != RoleDivided {
		return errKind(BadDblockPointer)
	}
	slot := &d.divided.slots[slotIdx]
	if slot.state == slotFree {
		return errKind(AlreadyFree)
	}
	class := d.divided.classBit
	slot.reuseAtIter = reuseAtIter
	e.pushFree(class, slotRef{blockIdx, slotIdx})
	return nil
}
