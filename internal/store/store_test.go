// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"testing"
	"time"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/neighbourerr"
	"github.com/cgps/neighbour/internal/reference"
)

func mustCompress(t *testing.T, c *compressor.Compressor, raw string) compressor.Record {
	t.Helper()
	rec, err := c.Compress([]byte(raw))
	if err != nil {
		t.Fatalf("Compress(%q): %v", raw, err)
	}
	return rec
}

func TestPersistLoadRoundtrip(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	rec := mustCompress(t, cc, "ACTA")
	if err := s.Persist("g1", rec, Quality{Proportion: 1, Examined: time.Unix(0, 0)}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, ok := s.Load("g1")
	if !ok {
		t.Fatalf("expected g1 to be loadable")
	}
	out, err := cc.Uncompress(got, noConsensus)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "ACTA" {
		t.Errorf("got %q, want %q", out, "ACTA")
	}
}

func noConsensus(string) (compressor.Consensus, bool) { return compressor.Consensus{}, false }

func TestPersistIdempotent(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	rec := mustCompress(t, cc, "ACTA")
	q := Quality{Proportion: 1}
	if err := s.Persist("g1", rec, q); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist("g1", rec, q); err != nil {
		t.Fatalf("re-persisting an identical record should be idempotent, got %v", err)
	}
}

func TestPersistConflict(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	if err := s.Persist("g1", mustCompress(t, cc, "ACTA"), Quality{}); err != nil {
		t.Fatal(err)
	}
	err := s.Persist("g1", mustCompress(t, cc, "ACTG"), Quality{})
	if !neighbourerr.Is(err, neighbourerr.StateConflict) {
		t.Fatalf("got err=%v, want StateConflict", err)
	}
}

func TestRemoveAndExists(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	s.Persist("g1", mustCompress(t, cc, "ACTA"), Quality{})
	if !s.Exists("g1") {
		t.Fatalf("expected g1 to exist")
	}
	s.Remove("g1")
	if s.Exists("g1") {
		t.Fatalf("expected g1 to be removed")
	}
}

func TestSearchPrefix(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	for _, g := range []string{"abc123", "abc456", "abd789", "xyz000"} {
		s.Persist(g, mustCompress(t, cc, "ACTG"), Quality{})
	}
	got := s.SearchPrefix("ab", 0)
	want := []string{"abc123", "abc456", "abd789"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestGuidsWithQualityOverAndExaminationTimes(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTG"))
	cc := compressor.New(ref, mask.New(nil), 2)
	s := New()

	ts := time.Unix(1000, 0)
	s.Persist("good", mustCompress(t, cc, "ACTG"), Quality{Proportion: 0.99, Examined: ts})
	s.Persist("bad", mustCompress(t, cc, "ACTG"), Quality{Proportion: 0.5, Examined: ts})

	over := s.GuidsWithQualityOver(0.9)
	if len(over) != 1 || over[0] != "good" {
		t.Errorf("got %v, want [good]", over)
	}
	times := s.ExaminationTimes()
	if !times["good"].Equal(ts) || !times["bad"].Equal(ts) {
		t.Errorf("got %v", times)
	}
}

func TestRecompressAroundPreservesSemantics(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTGACTGACTG"))
	cc := compressor.New(ref, mask.New(nil), 6)
	s := New(WithSNPCompressionCeiling(5))

	seqs := map[string]string{
		"seed": "ACTGACTGACTG",
		"h1":   "TCTGACTGACTG",
		"h2":   "TCTGATTGACTG",
		"far":  "TTTTTTTTTTTT",
	}
	for g, seq := range seqs {
		if err := s.Persist(g, mustCompress(t, cc, seq), Quality{}); err != nil {
			t.Fatal(err)
		}
	}

	consensusID, n, err := s.RecompressAround("seed", 0.5)
	if err != nil {
		t.Fatalf("RecompressAround: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one sample to be recompressed")
	}
	if _, ok := s.Consensus(consensusID); !ok {
		t.Fatalf("expected consensus %q to be stored", consensusID)
	}

	for g, want := range seqs {
		rec, ok := s.Load(g)
		if !ok {
			t.Fatalf("guid %q missing after recompression", g)
		}
		got, err := cc.Uncompress(rec, s.Consensus)
		if err != nil {
			t.Fatalf("Uncompress(%q): %v", g, err)
		}
		if string(got) != want {
			t.Errorf("guid %q: got %q, want %q (recompression must be semantics-preserving)", g, got, want)
		}
	}
}

func TestGCConsensi(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTGACTGACTG"))
	cc := compressor.New(ref, mask.New(nil), 6)
	s := New()

	s.Persist("seed", mustCompress(t, cc, "ACTGACTGACTG"), Quality{})
	s.Persist("h1", mustCompress(t, cc, "TCTGACTGACTG"), Quality{})

	consensusID, _, err := s.RecompressAround("seed", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	s.Remove("seed")
	s.Remove("h1")

	removed := s.GCConsensi()
	if removed == 0 {
		t.Fatalf("expected GCConsensi to remove the now-unreferenced consensus")
	}
	if _, ok := s.Consensus(consensusID); ok {
		t.Fatalf("consensus %q should have been garbage collected", consensusID)
	}
}

func TestMaterialiseAndSample(t *testing.T) {
	ref, _ := reference.New("ref", []byte("ACTGACTGACTG"))
	cc := compressor.New(ref, mask.New(nil), 12)
	s := New(WithGenomeLength(ref.Len()))

	s.Persist("a", mustCompress(t, cc, "TCTGACTGACTG"), Quality{})
	s.Persist("b", mustCompress(t, cc, "ACTGTCTGACTG"), Quality{})

	sets, ok, err := s.Materialise("a")
	if err != nil || !ok {
		t.Fatalf("Materialise(a) = %v, %v, %v", sets, ok, err)
	}
	if !sets.T.Contains(0) {
		t.Errorf("expected a's materialised record to carry T at position 0")
	}

	if _, ok, _ := s.Materialise("ghost"); ok {
		t.Errorf("Materialise on an absent guid should report ok=false")
	}

	population, err := s.Sample(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(population) != 2 {
		t.Errorf("got %d sampled records, want 2", len(population))
	}

	if s.GenomeLength() != ref.Len() {
		t.Errorf("GenomeLength() = %d, want %d", s.GenomeLength(), ref.Len())
	}
}
