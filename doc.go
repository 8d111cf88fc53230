// Copyright 2026 The dmalloc-sub000 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dmalloc implements a debugging replacement for the process's
// general-purpose heap allocator.
//
// It services every allocation out of heap regions it manages itself,
// bracketing each one with fence posts and recording its call site, so
// that double-frees, buffer over/under-runs, use of freed memory and
// leaked allocations can be detected and reported.
//
// The heap is partitioned into fixed-size "basic blocks" (Config.BlockSize,
// default 4096 bytes). Routing is by chunk size, the request plus both
// fences. Chunks larger than half a block are satisfied by
// the free-block index, which runs whole blocks through power-of-two size
// classes with split/coalesce, same as a conventional buddy-style
// allocator. Chunks of at most half a block are carved out of a
// "divided block": a single basic block subdivided into equal-sized
// mini-slots, each slot tracked by its own descriptor.
//
// A couple of edge cases are worth calling out explicitly rather than
// leaving them implicit:
//
//   - Reallocate(ptr, 0) frees ptr and returns (nil, nil), the conventional
//     zero-size-realloc-frees behavior.
//   - Free(nil) is governed by Config.Flags.NullMode: by default it is a
//     silent no-op (IsNullIgnore); IsNullWarn logs a line and proceeds;
//     IsNullError returns ErrKind(IsNull).
//
// Every exported operation passes through a single coarse gate before
// touching any state: this package targets one cooperating caller rather
// than fair queuing across goroutines, so a second call that reaches the
// gate while another is still in flight — whether from the same goroutine
// recursing or a different one racing — fails immediately with
// ErrKind(InTwice) rather than queuing. There is no thread-scalable
// concurrent allocation path and none is planned.
package dmalloc
