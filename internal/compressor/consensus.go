// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compressor

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/biogo/store/step"

	"github.com/cgps/neighbour/internal/posset"
)

// Consensus is a Direct-shaped record representing the majority base per
// symbol across a set of donor records, identified by a stable hash of
// its contents.
type Consensus struct {
	ID       string
	Variants SymbolSets
}

// votes tallies, per position, how many donors asserted each symbol. It
// satisfies step.Equaler so a step.Vector can be used as the incremental
// per-position tally, the same way cmd/cmpint's step.Vector of pair
// values accumulates per-base annotations from two feature streams.
type votes struct {
	A, C, G, T, N, M int
}

func (v votes) Equal(e step.Equaler) bool { return v == e.(votes) }

// BuildConsensus computes the majority-vote consensus across donors'
// Direct-form SymbolSets, where "majority" means per-position frequency
// at least cutoffProp * len(donors) for that symbol. Positions that do
// not meet the cutoff for any symbol are left as reference (absent from
// every set).
func BuildConsensus(donors []SymbolSets, cutoffProp float64) Consensus {
	vec, err := step.New(0, 1, votes{})
	if err != nil {
		panic(err) // unreachable: 0 < 1 always holds
	}
	vec.Relaxed = true

	bump := func(set *posset.Set, field func(*votes)) {
		for _, p := range set.Slice() {
			err := vec.ApplyRange(p, p+1, func(e step.Equaler) step.Equaler {
				v := e.(votes)
				field(&v)
				return v
			})
			if err != nil {
				panic(err) // unreachable: ranges are always well-formed
			}
		}
	}
	for _, d := range donors {
		bump(d.A, func(v *votes) { v.A++ })
		bump(d.C, func(v *votes) { v.C++ })
		bump(d.G, func(v *votes) { v.G++ })
		bump(d.T, func(v *votes) { v.T++ })
		bump(d.N, func(v *votes) { v.N++ })
		bump(d.M, func(v *votes) { v.M++ })
	}

	threshold := cutoffProp * float64(len(donors))
	out := newSymbolSets()
	vec.Do(func(start, end int, e step.Equaler) {
		v := e.(votes)
		if v == (votes{}) {
			return
		}
		// Majority symbol over this range, if any single symbol meets
		// the cutoff. Ties are broken by a fixed A,C,G,T,N,M priority,
		// matching the deterministic, order-independent contract of the
		// rest of the package (posset iteration is always sorted).
		counts := [6]int{v.A, v.C, v.G, v.T, v.N, v.M}
		best, bestIdx := -1, -1
		for idx, n := range counts {
			if float64(n) >= threshold && n > best {
				best, bestIdx = n, idx
			}
		}
		var dst *posset.Set
		switch bestIdx {
		case 0:
			dst = out.A
		case 1:
			dst = out.C
		case 2:
			dst = out.G
		case 3:
			dst = out.T
		case 4:
			dst = out.N
		case 5:
			dst = out.M
		default:
			return
		}
		for p := start; p < end; p++ {
			dst.Add(p)
		}
	})

	return Consensus{ID: hashOf(out), Variants: out}
}

func hashOf(s SymbolSets) string {
	h := sha256.New()
	write := func(tag byte, set *posset.Set) {
		h.Write([]byte{tag})
		var buf [8]byte
		for _, p := range set.Slice() {
			binary.BigEndian.PutUint64(buf[:], uint64(p))
			h.Write(buf[:])
		}
	}
	write('A', s.A)
	write('C', s.C)
	write('G', s.G)
	write('T', s.T)
	write('N', s.N)
	write('M', s.M)
	return hex.EncodeToString(h.Sum(nil))
}
