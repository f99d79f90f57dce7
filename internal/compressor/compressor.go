// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compressor converts raw aligned sequence strings into
// reference-compressed records (only the positions that differ from the
// reference, grouped by symbol) and inversely reconstructs a masked raw
// sequence. It also computes per-sequence quality and rejects sequences
// above an N-density threshold as invalid.
package compressor

import (
	"strings"

	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/neighbourerr"
	"github.com/cgps/neighbour/internal/posset"
	"github.com/cgps/neighbour/internal/reference"
)

// SymbolSets groups position sets by the symbol a sample carries at each
// position. A, C, G and T are unambiguous substitutions relative to the
// reference. N is a no-call (and absorbs '-' gap characters). M holds
// positions carrying an IUPAC ambiguity code other than N (R, Y, S, W, K,
// M, B, D, H, V) — a genuine, informative call that is nonetheless
// uncertain as to which base is present. M is kept disjoint from N so
// that the mixture test (internal/mixture) can examine N-density,
// M-density or their union independently, while the comparator treats
// M exactly like N: a position where either sample is uncertain is never
// counted as a difference.
type SymbolSets struct {
	A, C, G, T, N, M *posset.Set
}

func newSymbolSets() SymbolSets {
	return SymbolSets{
		A: posset.New(), C: posset.New(), G: posset.New(),
		T: posset.New(), N: posset.New(), M: posset.New(),
	}
}

// Patch is the (add, subtract) delta between a sample and a consensus.
type Patch struct {
	Add, Subtract SymbolSets
}

// Record is a reference-compressed sample: either a Direct record
// (Variants populated, ConsensusID empty) or a Patched record
// (ConsensusID set, Patch populated). Invalid records carry neither.
type Record struct {
	Invalid     bool
	Variants    SymbolSets
	ConsensusID string
	Patch       Patch
}

// IsPatched reports whether r is stored relative to a consensus.
func (r Record) IsPatched() bool { return r.ConsensusID != "" }

// iupacAmbiguity is the set of IUPAC nucleotide ambiguity codes that are
// not A, C, G, T or N.
const iupacAmbiguity = "RYSWKMBDHV"

// bucketFor classifies an upper-cased raw symbol for compression
// purposes, returning "", "A", "C", "G", "T", "N" or "M".
func bucketFor(b byte) (bucket byte, ok bool) {
	switch b {
	case 'A', 'C', 'G', 'T':
		return b, true
	case 'N', '-':
		return 'N', true
	}
	if strings.IndexByte(iupacAmbiguity, b) >= 0 {
		return 'M', true
	}
	return 0, false
}

func upper(b byte) byte {
	if 'a' <= b && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// Compressor compresses and uncompresses sequences against a fixed
// reference and mask, applying a per-sample invalidity threshold on N
// density.
type Compressor struct {
	ref   *reference.Reference
	mask  *mask.Mask
	maxNs int
}

// New returns a Compressor bound to ref and mask, rejecting any sample
// whose N count (after masking) exceeds maxNs.
func New(ref *reference.Reference, m *mask.Mask, maxNs int) *Compressor {
	return &Compressor{ref: ref, mask: m, maxNs: maxNs}
}

// Compress reads raw and extracts position/symbol information relative
// to the reference. '-' is treated identically to 'N'. Positions in the
// mask are never recorded. If the number of N positions (post-mask)
// exceeds maxNs, an Invalid record is returned, carrying only the flag.
func (c *Compressor) Compress(raw []byte) (Record, error) {
	if len(raw) != c.ref.Len() {
		return Record{}, neighbourerr.New(neighbourerr.InputRejected,
			"sequence length %d does not match reference length %d", len(raw), c.ref.Len())
	}

	sets := newSymbolSets()
	for i := 0; i < len(raw); i++ {
		if c.mask.Contains(i) {
			continue
		}
		b := upper(raw[i])
		bucket, ok := bucketFor(b)
		if !ok {
			return Record{}, neighbourerr.New(neighbourerr.InputRejected,
				"disallowed symbol %q at position %d", raw[i], i)
		}
		if bucket == c.ref.At(i) {
			continue
		}
		switch bucket {
		case 'A':
			sets.A.Add(i)
		case 'C':
			sets.C.Add(i)
		case 'G':
			sets.G.Add(i)
		case 'T':
			sets.T.Add(i)
		case 'N':
			sets.N.Add(i)
		case 'M':
			sets.M.Add(i)
		}
	}

	if sets.N.Len() > c.maxNs {
		return Record{Invalid: true}, nil
	}
	return Record{Variants: sets}, nil
}

// Uncompress reconstructs the masked raw sequence represented by r,
// materialising a Patched record against consensus first. It fails with
// InvalidSequence when r is invalid.
func (c *Compressor) Uncompress(r Record, consensusOf func(id string) (Consensus, bool)) ([]byte, error) {
	if r.Invalid {
		return nil, neighbourerr.New(neighbourerr.InvalidSequence, "sequence is invalid, no detail retained")
	}
	direct, err := Materialise(r, consensusOf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, c.ref.Len())
	copy(out, c.ref.Bytes())
	for _, p := range c.mask.Positions() {
		out[p] = 'N'
	}
	apply := func(set *posset.Set, b byte) {
		for _, p := range set.Slice() {
			out[p] = b
		}
	}
	apply(direct.A, 'A')
	apply(direct.C, 'C')
	apply(direct.G, 'G')
	apply(direct.T, 'T')
	apply(direct.N, 'N')
	apply(direct.M, 'M')
	return out, nil
}

// Examine returns the proportion of bases in {A,C,G,T}, used for quality
// filtering. Positions classified as N or M (including '-') count
// against quality; masked positions are included in the denominator,
// matching the whole-sequence quality definition used by
// guids_with_quality_over.
func (c *Compressor) Examine(raw []byte) (float64, error) {
	if len(raw) != c.ref.Len() {
		return 0, neighbourerr.New(neighbourerr.InputRejected,
			"sequence length %d does not match reference length %d", len(raw), c.ref.Len())
	}
	var acgt int
	for i := 0; i < len(raw); i++ {
		b := upper(raw[i])
		switch b {
		case 'A', 'C', 'G', 'T':
			acgt++
		}
	}
	return float64(acgt) / float64(len(raw)), nil
}

// Materialise decodes a record (Direct or Patched) into its Direct-form
// SymbolSets, looking up the referenced consensus via consensusOf when
// needed. It fails with IntegrityError when a Patched record references
// an unknown consensus.
func Materialise(r Record, consensusOf func(id string) (Consensus, bool)) (SymbolSets, error) {
	if r.Invalid {
		return SymbolSets{}, neighbourerr.New(neighbourerr.InvalidSequence, "cannot materialise an invalid record")
	}
	if !r.IsPatched() {
		return r.Variants, nil
	}
	cons, ok := consensusOf(r.ConsensusID)
	if !ok {
		return SymbolSets{}, neighbourerr.New(neighbourerr.IntegrityError, "unknown consensus %q referenced by patched record", r.ConsensusID)
	}
	apply := func(base, add, subtract *posset.Set) *posset.Set {
		return posset.Diff(posset.Union(base, add), subtract)
	}
	return SymbolSets{
		A: apply(cons.Variants.A, r.Patch.Add.A, r.Patch.Subtract.A),
		C: apply(cons.Variants.C, r.Patch.Add.C, r.Patch.Subtract.C),
		G: apply(cons.Variants.G, r.Patch.Add.G, r.Patch.Subtract.G),
		T: apply(cons.Variants.T, r.Patch.Add.T, r.Patch.Subtract.T),
		N: apply(cons.Variants.N, r.Patch.Add.N, r.Patch.Subtract.N),
		M: apply(cons.Variants.M, r.Patch.Add.M, r.Patch.Subtract.M),
	}, nil
}

// Diff returns the minimum (add, subtract) patch such that decoding it
// against base reproduces target exactly.
func Diff(target, base SymbolSets) Patch {
	diffOne := func(t, b *posset.Set) (add, subtract *posset.Set) {
		return posset.Diff(t, b), posset.Diff(b, t)
	}
	addA, subA := diffOne(target.A, base.A)
	addC, subC := diffOne(target.C, base.C)
	addG, subG := diffOne(target.G, base.G)
	addT, subT := diffOne(target.T, base.T)
	addN, subN := diffOne(target.N, base.N)
	addM, subM := diffOne(target.M, base.M)
	return Patch{
		Add:      SymbolSets{A: addA, C: addC, G: addG, T: addT, N: addN, M: addM},
		Subtract: SymbolSets{A: subA, C: subC, G: subG, T: subT, N: subN, M: subM},
	}
}
