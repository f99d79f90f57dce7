// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"testing"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/reference"
)

// fakeStore is a minimal Materialiser backed by a compressor, used to
// drive Manager.OnInsert without the full store package.
type fakeStore struct {
	cc   *compressor.Compressor
	l    int
	recs map[string]compressor.SymbolSets
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	ref, err := reference.New("ref", []byte("ACTGACTGACTGACTGACTGACTGACTGACTG"))
	if err != nil {
		t.Fatal(err)
	}
	return &fakeStore{
		cc:   compressor.New(ref, mask.New(nil), ref.Len()),
		l:    ref.Len(),
		recs: make(map[string]compressor.SymbolSets),
	}
}

func (f *fakeStore) put(t *testing.T, guid, raw string) {
	t.Helper()
	rec, err := f.cc.Compress([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	f.recs[guid] = rec.Variants
}

func (f *fakeStore) Materialise(guid string) (compressor.SymbolSets, bool, error) {
	s, ok := f.recs[guid]
	return s, ok, nil
}

func (f *fakeStore) Sample(n int) ([]compressor.SymbolSets, error) {
	out := make([]compressor.SymbolSets, 0, n)
	for _, s := range f.recs {
		if len(out) >= n {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) GenomeLength() int { return f.l }

func TestManagerOnInsertAppliesSetMixed(t *testing.T) {
	src := newFakeStore(t)
	// A cluster of clean substitution variants, plus one heavily-N mixed
	// sample linked in at a generous threshold so it joins the cluster.
	for i := 0; i < 10; i++ {
		raw := []byte("ACTGACTGACTGACTGACTGACTGACTGACTG")
		raw[i%len(raw)] = 'T'
		src.put(t, guidName(i), string(raw))
	}
	src.put(t, "mixed", "NNNNNNNNNNNNNNNNACTGACTGACTGACTG")

	m := NewManager([]Policy{{
		Name:          "snp12",
		SNVThreshold:  32,
		UncertainType: mixture.N,
		Criterion:     mixture.P1,
		Cutoff:        0.001,
	}}, src, 20)

	for i := 0; i < 10; i++ {
		if err := m.OnInsert(guidName(i), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.OnInsert("mixed", []Edge{{Guid: guidName(0), Distance: 1}}); err != nil {
		t.Fatal(err)
	}

	g, err := m.Graph("snp12")
	if err != nil {
		t.Fatal(err)
	}
	mixed, ok := g.IsMixed("mixed")
	if !ok {
		t.Fatalf("expected guid %q to be a vertex of the graph", "mixed")
	}
	if !mixed {
		t.Errorf("expected the mixed sample to be flagged is_mixed after OnInsert re-evaluation")
	}
	for i := 0; i < 10; i++ {
		if mixed, _ := g.IsMixed(guidName(i)); mixed {
			t.Errorf("clean sample %q incorrectly flagged as mixed", guidName(i))
		}
	}
}

func TestManagerUnknownPolicyIsPolicyMiss(t *testing.T) {
	src := newFakeStore(t)
	m := NewManager([]Policy{{Name: "snp12", SNVThreshold: 12}}, src, 10)
	if _, err := m.Graph("no-such-policy"); err == nil {
		t.Errorf("expected an error for an unconfigured policy name")
	}
}

func guidName(i int) string {
	return string(rune('a'+i%26)) + "-sample"
}
