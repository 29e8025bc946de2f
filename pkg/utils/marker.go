// SPDX-License-Identifier: Apache 2.0
// Copyright (c) 2024 NetLOX Inc

package utils

import (
	"errors"
	"sync"
)

// marker errors
var (
	ErrMarkerOverflow = errors.New("marker overflow")
	ErrMarkerRange    = errors.New("marker out of range")
	ErrMarkerNotInUse = errors.New("marker not in use")
)

// Marker - context container for a dense id space [begin, begin+len).
// Freed ids are always handed out again before any higher unused id.
type Marker struct {
	mtx   sync.Mutex
	begin uint64
	len   uint64
	inUse uint64
	hint  int
	free  []uint32
}

// NewMarker - Allocate a set of markers
func NewMarker(begin uint64, length uint64) *Marker {
	marker := new(Marker)
	marker.begin = begin
	marker.len = length
	marker.free = make([]uint32, (length+31)/32)
	for i := uint64(0); i < length; i++ {
		marker.free[i/32] |= 1 << (i % 32)
	}
	return marker
}

// GetMarker - Get the smallest available marker
func (M *Marker) GetMarker() (uint64, error) {
	M.mtx.Lock()
	defer M.mtx.Unlock()

	if M.inUse >= M.len {
		return ^uint64(0), ErrMarkerOverflow
	}

	rid, ok := NextSetBit(M.free, M.hint-1)
	if !ok {
		return ^uint64(0), ErrMarkerOverflow
	}
	M.free[rid/32] &^= 1 << (uint(rid) % 32)
	M.inUse++
	M.hint = rid + 1
	return uint64(rid) + M.begin, nil
}

// ReleaseMarker - Return a marker to the available list
func (M *Marker) ReleaseMarker(id uint64) error {
	M.mtx.Lock()
	defer M.mtx.Unlock()

	if id < M.begin || id >= M.begin+M.len {
		return ErrMarkerRange
	}
	rid := id - M.begin
	if M.free[rid/32]&(1<<(rid%32)) != 0 {
		return ErrMarkerNotInUse
	}
	M.free[rid/32] |= 1 << (rid % 32)
	M.inUse--
	if int(rid) < M.hint {
		M.hint = int(rid)
	}
	return nil
}

// InUse - Number of markers currently handed out
func (M *Marker) InUse() int {
	M.mtx.Lock()
	defer M.mtx.Unlock()
	return int(M.inUse)
}
