// SPDX-License-Identifier: Apache 2.0
// Copyright (c) 2024 NetLOX Inc

package utils

import (
	"math/bits"
)

// NextSetBit - Find the first set bit strictly after index "after" in a bit
// vector laid out over 32-bit words (bit i is word i/32, position i%32).
// after = -1 starts the scan at bit 0.
func NextSetBit(words []uint32, after int) (int, bool) {
	start := after + 1
	if start < 0 {
		start = 0
	}
	wi := start / 32
	if wi >= len(words) {
		return -1, false
	}

	w := words[wi] & (^uint32(0) << (uint(start) % 32))
	for {
		if w != 0 {
			return wi*32 + bits.TrailingZeros32(w), true
		}
		wi++
		if wi >= len(words) {
			return -1, false
		}
		w = words[wi]
	}
}

// ForEachSetBit - Call fn for every set bit in ascending order
func ForEachSetBit(words []uint32, fn func(int)) {
	for b, ok := NextSetBit(words, -1); ok; b, ok = NextSetBit(words, b) {
		fn(b)
	}
}

// IsBitSet - Check if bit b is set
func IsBitSet(words []uint32, b int) bool {
	if b < 0 || b/32 >= len(words) {
		return false
	}
	return words[b/32]&(1<<(uint(b)%32)) != 0
}

// SetBit - Set bit b
func SetBit(words []uint32, b int) {
	if b < 0 || b/32 >= len(words) {
		return
	}
	words[b/32] |= 1 << (uint(b) % 32)
}

// ClearBit - Clear bit b
func ClearBit(words []uint32, b int) {
	if b < 0 || b/32 >= len(words) {
		return
	}
	words[b/32] &^= 1 << (uint(b) % 32)
}
