// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package posset implements sets of reference positions in [0, L), the
// dominant datum handled by the compressor, store and comparator. Most
// samples differ from the reference at a sparse handful of positions out
// of several million, so a sorted slice is the default representation;
// samples that accumulate a dense variant set (heavily masked regions,
// pathological inputs) are promoted to a bitset so that set operations
// stay linear in the number of set bits rather than in L.
package posset

import (
	"math/bits"
	"sort"
)

// denseThreshold is the cardinality, as a fraction of the representable
// range, above which a Set switches from a sorted slice to a bitset.
const denseThreshold = 1.0 / 32

// Set is a set of non-negative integers. The zero value is the empty
// set.
type Set struct {
	bits  []uint64 // non-nil once promoted to dense representation
	n     int      // number of bits set, maintained incrementally while dense
	lo    []int    // sorted, deduplicated positions while sparse
	dense bool
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// FromSlice returns a Set containing the given positions, which need not
// be sorted or deduplicated.
func FromSlice(positions []int) *Set {
	s := New()
	for _, p := range positions {
		s.Add(p)
	}
	return s
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	if s.dense {
		return s.n
	}
	return len(s.lo)
}

// Contains reports whether p is a member of s.
func (s *Set) Contains(p int) bool {
	if s == nil || p < 0 {
		return false
	}
	if s.dense {
		w := p / 64
		if w >= len(s.bits) {
			return false
		}
		return s.bits[w]&(1<<uint(p%64)) != 0
	}
	i := sort.SearchInts(s.lo, p)
	return i < len(s.lo) && s.lo[i] == p
}

// Add inserts p into s.
func (s *Set) Add(p int) {
	if p < 0 {
		return
	}
	if s.dense {
		s.setBit(p)
		return
	}
	i := sort.SearchInts(s.lo, p)
	if i < len(s.lo) && s.lo[i] == p {
		return
	}
	s.lo = append(s.lo, 0)
	copy(s.lo[i+1:], s.lo[i:])
	s.lo[i] = p

	if s.shouldPromote(s.lo[len(s.lo)-1]) {
		s.promote()
	}
}

// shouldPromote reports whether the sparse representation has grown
// dense enough, relative to the largest position seen, to be worth
// switching to a bitset.
func (s *Set) shouldPromote(maxSeen int) bool {
	if maxSeen == 0 {
		return false
	}
	return float64(len(s.lo))/float64(maxSeen+1) > denseThreshold && len(s.lo) > 1024
}

func (s *Set) promote() {
	max := 0
	for _, p := range s.lo {
		if p > max {
			max = p
		}
	}
	s.bits = make([]uint64, max/64+1)
	s.n = 0
	for _, p := range s.lo {
		s.setBit(p)
	}
	s.lo = nil
	s.dense = true
}

func (s *Set) setBit(p int) {
	w := p / 64
	if w >= len(s.bits) {
		grown := make([]uint64, w+1)
		copy(grown, s.bits)
		s.bits = grown
	}
	mask := uint64(1) << uint(p%64)
	if s.bits[w]&mask == 0 {
		s.bits[w] |= mask
		s.n++
	}
}

// Slice returns the sorted members of s. The caller must not mutate the
// sorted-slice-backed return value; Set copies on demand for the dense
// representation.
func (s *Set) Slice() []int {
	if s == nil {
		return nil
	}
	if !s.dense {
		return s.lo
	}
	out := make([]int, 0, s.n)
	for w, word := range s.bits {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, w*64+b)
			word &= word - 1
		}
	}
	return out
}

// Union returns a new Set containing the members of both a and b.
func Union(a, b *Set) *Set {
	out := New()
	for _, p := range a.Slice() {
		out.Add(p)
	}
	for _, p := range b.Slice() {
		out.Add(p)
	}
	return out
}

// Diff returns a new Set containing members of a that are not in b
// (a \ b).
func Diff(a, b *Set) *Set {
	out := New()
	for _, p := range a.Slice() {
		if !b.Contains(p) {
			out.Add(p)
		}
	}
	return out
}

// Xor returns a new Set containing members present in exactly one of a
// or b.
func Xor(a, b *Set) *Set {
	out := New()
	for _, p := range a.Slice() {
		if !b.Contains(p) {
			out.Add(p)
		}
	}
	for _, p := range b.Slice() {
		if !a.Contains(p) {
			out.Add(p)
		}
	}
	return out
}

// Equal reports whether a and b contain the same members.
func Equal(a, b *Set) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, p := range a.Slice() {
		if !b.Contains(p) {
			return false
		}
	}
	return true
}
