//go:build linux

package gvm

import "math/bits"

// gsiBitmap records which GSIs have a routing entry. The size is fixed at
// construction to the number of GSIs the kernel supports.
type gsiBitmap struct {
	words []uint64
	size  int
	used  int
}

func newGSIBitmap(size int) *gsiBitmap {
	if size < 0 {
		size = 0
	}
	return &gsiBitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (b *gsiBitmap) Len() int { return b.size }

// Used returns the number of GSIs currently marked.
func (b *gsiBitmap) Used() int { return b.used }

func (b *gsiBitmap) IsUsed(gsi int) bool {
	if gsi < 0 || gsi >= b.size {
		return false
	}
	return b.words[gsi/64]&(1<<(gsi%64)) != 0
}

// Reserve marks a statically assigned GSI. Several routes may share a
// static GSI, so reserving twice is allowed.
func (b *gsiBitmap) Reserve(gsi int) bool {
	if gsi < 0 || gsi >= b.size {
		return false
	}
	if !b.IsUsed(gsi) {
		b.words[gsi/64] |= 1 << (gsi % 64)
		b.used++
	}
	return true
}

// Allocate claims the lowest free GSI.
func (b *gsiBitmap) Allocate() (int, bool) {
	for i, w := range b.words {
		if w == ^uint64(0) {
			continue
		}
		gsi := i*64 + bits.TrailingZeros64(^w)
		if gsi >= b.size {
			return 0, false
		}
		b.words[i] |= 1 << (gsi % 64)
		b.used++
		return gsi, true
	}
	return 0, false
}

// Release frees gsi. It reports false if gsi was not in use.
func (b *gsiBitmap) Release(gsi int) bool {
	if !b.IsUsed(gsi) {
		return false
	}
	b.words[gsi/64] &^= 1 << (gsi % 64)
	b.used--
	return true
}
