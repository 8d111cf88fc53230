package dmalloc

import "bytes"

// fenceMagicBottom and fenceMagicTop are the tiled magic words written into
// the bottom and top fence regions of every user allocation.
var (
	fenceMagicBottom = [4]byte{0xfa, 0xde, 0xad, 0x17}
	fenceMagicTop    = [4]byte{0x17, 0xad, 0xde, 0xfa}
)

// fenceGuard writes and verifies the fence bytes bracketing a user
// allocation. With FenceBottom == FenceTop == 0 every method is a no-op, so
// fence checking can be disabled entirely without branching at call sites.
type fenceGuard struct {
	bottomWidth int
	topWidth    int
}

func newFenceGuard(bottomWidth, topWidth int) fenceGuard {
	return fenceGuard{bottomWidth: bottomWidth, topWidth: topWidth}
}

func (f fenceGuard) enabled() bool { return f.bottomWidth > 0 || f.topWidth > 0 }

// userOffset is where the user-visible pointer begins within the chunk.
func (f fenceGuard) userOffset() int { return f.bottomWidth }

// chunkSize is the total chunk size needed to carry userSize bytes of
// payload plus both fences.
func (f fenceGuard) chunkSize(userSize int) int {
	return userSize + f.bottomWidth + f.topWidth
}

func tile(buf []byte, word [4]byte) {
	for i := range buf {
		buf[i] = word[i%4]
	}
}

// Write stamps the bottom and top fence patterns into chunk, which must be
// at least chunkSize(userSize) bytes long.
func (f fenceGuard) Write(chunk []byte, userSize int) {
	if !f.enabled() {
		return
	}
	tile(chunk[:f.bottomWidth], fenceMagicBottom)
	top := chunk[f.bottomWidth+userSize:]
	tile(top[:f.topWidth], fenceMagicTop)
}

// Check verifies both fence regions, returning an UnderFence or OverFence
// error whose context holds the expected and the offending bytes on
// mismatch.
func (f fenceGuard) Check(chunk []byte, userSize int) error {
	if !f.enabled() {
		return nil
	}
	want := make([]byte, f.bottomWidth)
	tile(want, fenceMagicBottom)
	if !bytes.Equal(chunk[:f.bottomWidth], want) {
		return errf(UnderFence, "expected %x got %x", want, chunk[:f.bottomWidth])
	}

	top := chunk[f.bottomWidth+userSize : f.bottomWidth+userSize+f.topWidth]
	wantTop := make([]byte, f.topWidth)
	tile(wantTop, fenceMagicTop)
	if !bytes.Equal(top, wantTop) {
		return errf(OverFence, "expected %x got %x", wantTop, top)
	}
	return nil
}
