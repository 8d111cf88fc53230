package dmalloc

// RenderHeapMap produces a one-character-per-basic-block rendering of the
// heap. Rendering walks the directory's descriptors in index order, which
// is ascending address order from the heap's low watermark.
func (d *blockDirectory) RenderHeapMap() string {
	out := make([]byte, d.Len())
	for i := 0; i < d.Len(); i++ {
		b := d.BlockAt(i)
		out[i] = b.role.heapMapChar(b.startUser.pageAligned)
	}
	return string(out)
}
