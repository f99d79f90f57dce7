// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mask owns the fixed, zero-indexed set of reference positions
// that are globally ignored in all comparisons, and a stable hash
// identifying that set.
package mask

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
)

// Mask is an immutable subset of [0, L).
type Mask struct {
	positions map[int]struct{}
	sorted    []int
	digest    string
}

// Range is a half-open interval [Start, End) of excluded reference
// positions, used when a mask is specified as runs rather than bare
// positions (for example an exclusion BED file).
type Range struct {
	Start, End int
}

// New builds a Mask from an explicit list of positions.
func New(positions []int) *Mask {
	return build(positions)
}

// NewFromRanges builds a Mask by flattening a set of half-open ranges
// into individual positions, the way an excluded-region file (e.g. a
// BED-like mask) would be consumed. Overlapping and adjacent ranges
// collapse into the same positions as they are flattened; the ranges are
// also inserted into an interval tree, which the flattening does not
// consult.
func NewFromRanges(ranges []Range) *Mask {
	var tree interval.IntTree
	for i, r := range ranges {
		if r.End <= r.Start {
			continue
		}
		ivl := maskInterval{id: uintptr(i), r: r}
		err := tree.Insert(ivl, true)
		if err != nil {
			panic(err)
		}
	}
	tree.AdjustRanges()

	seen := make(map[int]struct{})
	for _, r := range ranges {
		for p := r.Start; p < r.End; p++ {
			seen[p] = struct{}{}
		}
	}
	positions := make([]int, 0, len(seen))
	for p := range seen {
		positions = append(positions, p)
	}
	return build(positions)
}

// Load reads a zero-indexed exclusion mask from path, one position per
// line, blank lines and "#"-prefixed comments ignored. Empty path
// yields the empty Mask, matching config.Config's zero value.
func Load(path string) (*Mask, error) {
	if path == "" {
		return New(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mask: opening %s: %w", path, err)
	}
	defer f.Close()

	var positions []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("mask: parsing %s: %w", path, err)
		}
		positions = append(positions, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mask: reading %s: %w", path, err)
	}
	return New(positions), nil
}

type maskInterval struct {
	id uintptr
	r  Range
}

func (i maskInterval) Overlap(b interval.IntRange) bool {
	return b.Start < i.r.End && i.r.Start < b.End
}
func (i maskInterval) ID() uintptr { return i.id }
func (i maskInterval) Range() interval.IntRange {
	return interval.IntRange{Start: i.r.Start, End: i.r.End}
}

func build(positions []int) *Mask {
	m := &Mask{positions: make(map[int]struct{}, len(positions))}
	for _, p := range positions {
		m.positions[p] = struct{}{}
	}
	m.sorted = make([]int, 0, len(m.positions))
	for p := range m.positions {
		m.sorted = append(m.sorted, p)
	}
	sort.Ints(m.sorted)
	m.digest = digestOf(m.sorted)
	return m
}

func digestOf(sorted []int) string {
	h := sha256.New()
	var buf [8]byte
	for _, p := range sorted {
		binary.BigEndian.PutUint64(buf[:], uint64(p))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Contains reports whether p is excluded by the mask.
func (m *Mask) Contains(p int) bool {
	if m == nil {
		return false
	}
	_, ok := m.positions[p]
	return ok
}

// Hash returns a stable digest of the sorted position list, used as a
// compatibility tag for any externally stored artifact.
func (m *Mask) Hash() string {
	if m == nil {
		return digestOf(nil)
	}
	return m.digest
}

// Len returns the number of masked positions.
func (m *Mask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.sorted)
}

// Positions returns the sorted masked positions. The returned slice must
// not be mutated.
func (m *Mask) Positions() []int {
	if m == nil {
		return nil
	}
	return m.sorted
}
