// SPDX-License-Identifier: MIT

/*
Package bitint provides the power-of-two helpers used to size ring
buffers. A ring whose capacity is a power of two can map a monotonic
index to a slot with a mask instead of a modulo.

Usage:

	slots := bitint.NextPowerOfTwo(100) // 128
	mask := uint64(slots - 1)
	slot := index & mask

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two map to themselves:

	size 8: bits.Len(7) = 3, 1<<3 = 8
	size 9: bits.Len(8) = 4, 1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size. Zero and
// negative sizes return 1.
func NextPowerOfTwo(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
