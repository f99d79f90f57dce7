// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compressor

import (
	"encoding/json"

	"github.com/cgps/neighbour/internal/posset"
)

// wireSets is SymbolSets rendered as plain position slices, the shape
// that actually survives a durable collaborator's own serialisation
// (spec.md §6: "wire data at this boundary is abstract dictionaries").
type wireSets struct {
	A, C, G, T, N, M []int
}

func toWire(s SymbolSets) wireSets {
	return wireSets{
		A: s.A.Slice(), C: s.C.Slice(), G: s.G.Slice(),
		T: s.T.Slice(), N: s.N.Slice(), M: s.M.Slice(),
	}
}

func fromWire(w wireSets) SymbolSets {
	return SymbolSets{
		A: posset.FromSlice(w.A), C: posset.FromSlice(w.C), G: posset.FromSlice(w.G),
		T: posset.FromSlice(w.T), N: posset.FromSlice(w.N), M: posset.FromSlice(w.M),
	}
}

type wireRecord struct {
	Invalid     bool     `json:"invalid,omitempty"`
	Variants    wireSets `json:"variants,omitempty"`
	ConsensusID string   `json:"consensus_id,omitempty"`
	PatchAdd    wireSets `json:"patch_add,omitempty"`
	PatchSub    wireSets `json:"patch_sub,omitempty"`
}

// EncodeRecord renders r as the byte payload a durable.Store's
// PutCompressed stores, opaque to everything except this package.
func EncodeRecord(r Record) ([]byte, error) {
	w := wireRecord{
		Invalid:     r.Invalid,
		Variants:    toWire(r.Variants),
		ConsensusID: r.ConsensusID,
		PatchAdd:    toWire(r.Patch.Add),
		PatchSub:    toWire(r.Patch.Subtract),
	}
	return json.Marshal(w)
}

// DecodeRecord is EncodeRecord's inverse.
func DecodeRecord(b []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, err
	}
	return Record{
		Invalid:     w.Invalid,
		Variants:    fromWire(w.Variants),
		ConsensusID: w.ConsensusID,
		Patch:       Patch{Add: fromWire(w.PatchAdd), Subtract: fromWire(w.PatchSub)},
	}, nil
}

// EncodeConsensus renders a Consensus for durable persistence alongside
// the records patched against it.
func EncodeConsensus(c Consensus) ([]byte, error) {
	return json.Marshal(struct {
		ID       string
		Variants wireSets
	}{ID: c.ID, Variants: toWire(c.Variants)})
}

// DecodeConsensus is EncodeConsensus's inverse.
func DecodeConsensus(b []byte) (Consensus, error) {
	var w struct {
		ID       string
		Variants wireSets
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return Consensus{}, err
	}
	return Consensus{ID: w.ID, Variants: fromWire(w.Variants)}, nil
}
