package dmalloc

import "github.com/cznic/mathutil"

// freeBlockIndex is the array of free-lists keyed by power-of-two run
// length. Free runs are identified by the block-directory index of their
// first basic block rather than by raw pointer, so a run's identity
// survives whatever the underlying page source does with its address
// space.
//
// A run of n blocks has every one of its n descriptors marked RoleFree;
// only the first ("head") descriptor carries a populated freeInfo (class,
// run length, list links, delayed-reuse mark); the others carry
// freeInfo.headIndex pointing back to it, which is how coalescing finds a
// neighbor run's length and list position from either end.
type freeBlockIndex struct {
	dir       *blockDirectory
	blockSize int
	policy    Policy
	heads     [64]int // block index of each class list's head, -1 if empty
}

func newFreeBlockIndex(dir *blockDirectory, blockSize int, policy Policy) *freeBlockIndex {
	fb := &freeBlockIndex{dir: dir, blockSize: blockSize, policy: policy}
	for i := range fb.heads {
		fb.heads[i] = -1
	}
	return fb
}

// classOf returns ceil(log2(n*blockSize)), the size class a run of n
// blocks belongs to.
func (fb *freeBlockIndex) classOf(nBlocks int) int {
	bytes := nBlocks * fb.blockSize
	if bytes <= 1 {
		return 0
	}
	return mathutil.BitLen(uint(bytes - 1))
}

func (fb *freeBlockIndex) head(idx int) *freeInfo { return &fb.dir.blocks[idx].free }

// linkHead pushes idx (a run head) onto the front of its class's list.
func (fb *freeBlockIndex) linkHead(class, idx int) {
	fi := fb.head(idx)
	fi.next = fb.heads[class]
	fi.prev = -1
	if fi.next != -1 {
		fb.head(fi.next).prev = idx
	}
	fb.heads[class] = idx
}

// unlinkHead removes a run head from its class's list.
func (fb *freeBlockIndex) unlinkHead(class, idx int) {
	fi := fb.head(idx)
	if fi.prev != -1 {
		fb.head(fi.prev).next = fi.next
	} else {
		fb.heads[class] = fi.next
	}
	if fi.next != -1 {
		fb.head(fi.next).prev = fi.prev
	}
}

// markRun stamps [idx, idx+n) as a single free run, class and reuse mark
// recorded on the head only.
func (fb *freeBlockIndex) markRun(idx, n, class int, reuseAtIter uint64) {
	for i := 0; i < n; i++ {
		b := fb.dir.BlockAt(idx + i)
		if i == 0 {
			*b = bblockDescriptor{role: RoleFree, free: freeInfo{
				classBit: class, runBlocks: n, headIndex: idx,
				next: -1, prev: -1, reuseAtIter: reuseAtIter,
			}}
		} else {
			*b = bblockDescriptor{role: RoleFree, free: freeInfo{headIndex: idx}}
		}
	}
}

// runLen returns the run length starting at a head index.
func (fb *freeBlockIndex) runLen(headIdx int) int { return fb.head(headIdx).runBlocks }

// candidate describes a free run found during selection.
type candidate struct {
	idx   int
	class int
	n     int
}

// selectRun applies the configured Policy to find a free run of at least
// nBlocks starting at class bit. iter, when delayedReuse is true, is the
// current allocator iteration; runs whose reuseAtIter exceeds it are
// skipped, so a just-freed run sits quarantined for a configurable number
// of iterations before it can be handed back out.
func (fb *freeBlockIndex) selectRun(nBlocks, startClass int, iter uint64, delayedReuse bool) (candidate, bool) {
	for class := startClass; class < len(fb.heads); class++ {
		var best candidate
		found := false
		for idx := fb.heads[class]; idx != -1; idx = fb.head(idx).next {
			fi := fb.head(idx)
			if fi.runBlocks < nBlocks {
				continue
			}
			if delayedReuse && fi.reuseAtIter > iter {
				continue
			}
			c := candidate{idx: idx, class: class, n: fi.runBlocks}
			switch fb.policy {
			case FirstFit:
				return c, true
			case BestFit:
				if !found || c.n < best.n {
					best, found = c, true
				}
			case WorstFit:
				if !found || c.n > best.n {
					best, found = c, true
				}
			}
		}
		if found {
			return best, true
		}
	}
	return candidate{}, false
}

// Allocate finds and removes a run of at least nBlocks blocks, splitting
// off and re-inserting any remainder. It returns
// the index of a run of exactly nBlocks blocks, still marked RoleFree —
// callers restamp it with the role they actually need.
func (fb *freeBlockIndex) Allocate(nBlocks int, iter uint64, delayedReuse bool) (int, bool) {
	startClass := fb.classOf(nBlocks)
	c, ok := fb.selectRun(nBlocks, startClass, iter, delayedReuse)
	if !ok {
		return 0, false
	}
	fb.unlinkHead(c.class, c.idx)

	if c.n == nBlocks {
		return c.idx, true
	}

	remainder := c.n - nBlocks
	remIdx := c.idx + nBlocks
	remClass := fb.classOf(remainder)
	fb.markRun(remIdx, remainder, remClass, 0)
	fb.linkHead(remClass, remIdx)

	fb.markRun(c.idx, nBlocks, fb.classOf(nBlocks), 0)
	return c.idx, true
}

// Free inserts a freed run of nBlocks starting at idx, coalescing with
// any free neighbor on either side: no two free runs are ever left
// adjacent. reuseAtIter, when
// delayed reuse is enabled, is this-iteration + the configured delay; on
// fusion the fused run's mark is the max of the fusing runs' marks, so
// the deferral is never shortened by a merge.
func (fb *freeBlockIndex) Free(idx, nBlocks int, reuseAtIter uint64) {
	start := idx
	n := nBlocks
	mark := reuseAtIter

	if start > 0 {
		if prevDesc := fb.dir.BlockAt(start - 1); prevDesc != nil && prevDesc.role == RoleFree {
			prevHead := prevDesc.free.headIndex
			pn := fb.runLen(prevHead)
			pClass := fb.head(prevHead).classBit
			pMark := fb.head(prevHead).reuseAtIter
			fb.unlinkHead(pClass, prevHead)
			start = prevHead
			n += pn
			if pMark > mark {
				mark = pMark
			}
		}
	}

	end := idx + nBlocks
	if nextDesc := fb.dir.BlockAt(end); nextDesc != nil && nextDesc.role == RoleFree {
		nextHead := nextDesc.free.headIndex // invariant: equals end
		nn := fb.runLen(nextHead)
		nClass := fb.head(nextHead).classBit
		nMark := fb.head(nextHead).reuseAtIter
		fb.unlinkHead(nClass, nextHead)
		n += nn
		if nMark > mark {
			mark = nMark
		}
	}

	class := fb.classOf(n)
	fb.markRun(start, n, class, mark)
	fb.linkHead(class, start)
}

// Remove takes a run completely out of the index without reinserting it,
// so it becomes permanently unreachable (the never-reuse configuration).
// The caller is responsible for leaving the
// descriptors in whatever terminal state it wants; Remove only unlinks.
func (fb *freeBlockIndex) Remove(headIdx int) {
	fi := fb.head(headIdx)
	fb.unlinkHead(fi.classBit, headIdx)
}
