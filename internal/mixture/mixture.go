// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mixture implements the multi-sequence-alignment binomial test
// that flags a sample as "mixed" (heterozygous or otherwise carrying an
// ambiguous base call at an unexpectedly high rate) against the
// background rate of the rest of the stored population.
package mixture

import (
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/posset"
)

// UncertainBaseType selects which symbol(s) a policy treats as
// "uncertain" for the purpose of this test.
type UncertainBaseType int

const (
	N UncertainBaseType = iota
	M
	NorM
)

func (t UncertainBaseType) String() string {
	switch t {
	case N:
		return "N"
	case M:
		return "M"
	case NorM:
		return "N_or_M"
	default:
		return "unknown"
	}
}

// Criterion selects which of the three null-hypothesis expectations a
// policy tests a candidate against.
type Criterion int

const (
	// P1 tests against the population median whole-genome uncertain-base
	// rate.
	P1 Criterion = iota
	// P2 tests against the population median uncertain-base rate
	// restricted to the variant sites.
	P2
	// P3 tests a guid against its own off-alignment uncertain-base rate.
	P3
)

func uncertainSet(s compressor.SymbolSets, t UncertainBaseType) *posset.Set {
	switch t {
	case N:
		return s.N
	case M:
		return s.M
	default:
		return posset.Union(s.N, s.M)
	}
}

// call returns the symbol member asserts at p, or 0 for "reference" (no
// symbol set contains p).
func call(s compressor.SymbolSets, p int) byte {
	switch {
	case s.A.Contains(p):
		return 'A'
	case s.C.Contains(p):
		return 'C'
	case s.G.Contains(p):
		return 'G'
	case s.T.Contains(p):
		return 'T'
	case s.N.Contains(p):
		return 'N'
	case s.M.Contains(p):
		return 'M'
	default:
		return 0
	}
}

// VariantSites returns the union of positions at which any two of
// members differ, per the multi-sequence-alignment definition of a
// variant site: a position where members disagree, not merely one where
// some member differs from the reference.
func VariantSites(members []compressor.SymbolSets) *posset.Set {
	touched := posset.New()
	for _, m := range members {
		for _, s := range []*posset.Set{m.A, m.C, m.G, m.T, m.N, m.M} {
			for _, p := range s.Slice() {
				touched.Add(p)
			}
		}
	}
	if len(members) < 2 {
		return touched
	}
	variant := posset.New()
	for _, p := range touched.Slice() {
		first := call(members[0], p)
		for _, m := range members[1:] {
			if call(m, p) != first {
				variant.Add(p)
				break
			}
		}
	}
	return variant
}

// alignN counts how many of the positions in v carry an uncertain call
// in s.
func alignN(s compressor.SymbolSets, v *posset.Set, t UncertainBaseType) int {
	n := 0
	for _, p := range v.Slice() {
		if uncertainSet(s, t).Contains(p) {
			n++
		}
	}
	return n
}

// allN is the whole-genome uncertain-base count for s.
func allN(s compressor.SymbolSets, t UncertainBaseType) int {
	return uncertainSet(s, t).Len()
}

// binomialTwoSided returns the two-sided exact binomial tail probability
// of observing k successes in n trials under a null success probability
// of p0.
func binomialTwoSided(k, n int, p0 float64) float64 {
	if n <= 0 {
		return 1
	}
	if p0 <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	if p0 >= 1 {
		if k == n {
			return 1
		}
		return 0
	}
	b := distuv.Binomial{N: float64(n), P: p0}
	lower := b.CDF(float64(k))
	upper := 1 - b.CDF(float64(k)-1)
	p := 2 * lower
	if upper < lower {
		p = 2 * upper
	}
	if p > 1 {
		p = 1
	}
	return p
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Result carries every p-value computed for one candidate, regardless of
// which criterion a policy actually tests against, so callers can report
// "what was tested" alongside the verdict.
type Result struct {
	P1, P2, P3 float64
	Mixed      bool
}

// Policy configures one evaluation of the test.
type Policy struct {
	UncertainType UncertainBaseType
	Criterion     Criterion
	Cutoff        float64
}

func (r Result) value(c Criterion) float64 {
	switch c {
	case P1:
		return r.P1
	case P2:
		return r.P2
	default:
		return r.P3
	}
}

// Evaluate runs the binomial mixture test for every guid in members
// against the background established by population (a sample of stored
// guids, excluding invalid ones, ideally up to 30 per spec default) and
// genome length l. It returns one Result per member.
func Evaluate(members map[string]compressor.SymbolSets, population []compressor.SymbolSets, l int, policy Policy) map[string]Result {
	set := make([]compressor.SymbolSets, 0, len(members))
	guids := make([]string, 0, len(members))
	for g, s := range members {
		set = append(set, s)
		guids = append(guids, g)
	}
	v := VariantSites(set)
	vLen := v.Len()

	var wholeRates, alignRates []float64
	for _, p := range population {
		wholeRates = append(wholeRates, float64(allN(p, policy.UncertainType))/float64(l))
		if vLen > 0 {
			alignRates = append(alignRates, float64(alignN(p, v, policy.UncertainType))/float64(vLen))
		}
	}
	p1Null := median(wholeRates)
	p2Null := median(alignRates)

	out := make(map[string]Result, len(members))
	for i, g := range guids {
		s := set[i]
		a := alignN(s, v, policy.UncertainType)
		all := allN(s, policy.UncertainType)

		res := Result{
			P1: binomialTwoSided(a, vLen, p1Null),
			P2: binomialTwoSided(a, vLen, p2Null),
		}
		if offAlignTrials := l - vLen; offAlignTrials > 0 && vLen > 0 {
			p3Null := float64(all-a) / float64(offAlignTrials)
			res.P3 = binomialTwoSided(a, vLen, p3Null)
		} else {
			res.P3 = 1
		}
		res.Mixed = res.value(policy.Criterion) <= policy.Cutoff
		out[g] = res
	}
	return out
}
