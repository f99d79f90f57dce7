// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/cgps/neighbour/internal/durable"
)

func open(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutCompressedRejectsDuplicate(t *testing.T) {
	s := open(t)
	if err := s.PutCompressed("g1", []byte("first")); err != nil {
		t.Fatal(err)
	}
	err := s.PutCompressed("g1", []byte("second"))
	if err == nil {
		t.Fatal("expected an error on duplicate PutCompressed")
	}
	if _, ok := err.(*durable.AlreadyExists); !ok {
		t.Errorf("got %T, want *durable.AlreadyExists", err)
	}
	v, getErr := s.db.Get(nil, key(prefixCompressed, "g1"))
	if getErr != nil {
		t.Fatal(getErr)
	}
	if string(v) != "first" {
		t.Errorf("duplicate PutCompressed overwrote the original record: got %q", v)
	}
}

func TestAppendLinksDeduplicatesByOther(t *testing.T) {
	s := open(t)
	if err := s.AppendLinks("a", []durable.Link{{Other: "b", Distance: 5}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLinks("a", []durable.Link{{Other: "b", Distance: 2}, {Other: "c", Distance: 9}}); err != nil {
		t.Fatal(err)
	}

	links, err := s.links("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2 (b replaced, c added), got %+v", len(links), links)
	}
	for _, l := range links {
		if l.Other == "b" && l.Distance != 2 {
			t.Errorf("got b's distance %d, want 2 (the later AppendLinks call should win)", l.Distance)
		}
	}
}

func TestGetLinksFiltersByCutoffAndFormats(t *testing.T) {
	s := open(t)
	if err := s.AppendLinks("a", []durable.Link{
		{Other: "near", Distance: 1, N1: 10, N2: 11, NBoth: 9},
		{Other: "far", Distance: 50},
	}); err != nil {
		t.Fatal(err)
	}

	pairs, err := s.GetLinks("a", 5, durable.FormatPair)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d results under cutoff 5, want 1", len(pairs))
	}

	full, err := s.GetLinks("a", 100, durable.FormatFull)
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 2 {
		t.Fatalf("got %d results under cutoff 100, want 2", len(full))
	}

	guids, err := s.GetLinks("a", 100, durable.FormatGuidOnly)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range guids {
		if _, ok := g.(string); !ok {
			t.Errorf("FormatGuidOnly entry %v is not a bare string", g)
		}
	}
}

func TestRepackPreservesLinksAndIsIdempotent(t *testing.T) {
	s := open(t)
	s.maxNeighboursPerDocument = 2
	links := []durable.Link{
		{Other: "n1", Distance: 1},
		{Other: "n2", Distance: 2},
		{Other: "n3", Distance: 3},
	}
	if err := s.AppendLinks("a", links); err != nil {
		t.Fatal(err)
	}

	if err := s.Repack("a"); err != nil {
		t.Fatal(err)
	}
	after, err := s.links("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 3 {
		t.Fatalf("got %d links after Repack, want 3 (repack must not drop or duplicate neighbours)", len(after))
	}

	if err := s.Repack("a"); err != nil {
		t.Fatal(err)
	}
	again, err := s.links("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 {
		t.Fatalf("got %d links after a second Repack, want 3 (idempotent)", len(again))
	}
}

func TestRepackDoesNotLeakBetweenGuidsWithSharedPrefix(t *testing.T) {
	s := open(t)
	if err := s.AppendLinks("ab", []durable.Link{{Other: "x", Distance: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLinks("abc", []durable.Link{{Other: "y", Distance: 1}, {Other: "z", Distance: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Repack("ab"); err != nil {
		t.Fatal(err)
	}

	ab, err := s.links("ab")
	if err != nil {
		t.Fatal(err)
	}
	if len(ab) != 1 {
		t.Fatalf("got %d links for guid %q, want 1 (must not see guid %q's links)", len(ab), "ab", "abc")
	}
	abc, err := s.links("abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(abc) != 2 {
		t.Fatalf("got %d links for guid %q after repacking %q, want 2", len(abc), "abc", "ab")
	}
}

func TestGetAnnotationAndGetCompressedRoundtrip(t *testing.T) {
	s := open(t)
	if _, ok, err := s.GetAnnotation("g1", "quality"); err != nil || ok {
		t.Fatalf("expected no annotation yet, got ok=%v err=%v", ok, err)
	}
	if err := s.PutAnnotation("g1", "quality", map[string]string{"quality": "0.99"}); err != nil {
		t.Fatal(err)
	}
	dict, ok, err := s.GetAnnotation("g1", "quality")
	if err != nil || !ok {
		t.Fatalf("GetAnnotation: ok=%v err=%v", ok, err)
	}
	if dict["quality"] != "0.99" {
		t.Errorf("got %+v, want quality=0.99", dict)
	}

	if _, ok, err := s.GetCompressed("g1"); err != nil || ok {
		t.Fatalf("expected no compressed record yet, got ok=%v err=%v", ok, err)
	}
	if err := s.PutCompressed("g1", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := s.GetCompressed("g1")
	if err != nil || !ok {
		t.Fatalf("GetCompressed: ok=%v err=%v", ok, err)
	}
	if string(rec) != "payload" {
		t.Errorf("got %q, want %q", rec, "payload")
	}
}

func TestGuidsListsOnlyCompressedRecords(t *testing.T) {
	s := open(t)
	if err := s.PutCompressed("a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutCompressed("b", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutAnnotation("c", "quality", map[string]string{"quality": "1"}); err != nil {
		t.Fatal(err)
	}

	guids, err := s.Guids()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, g := range guids {
		got[g] = true
	}
	if !got["a"] || !got["b"] || got["c"] {
		t.Errorf("got %v, want exactly {a, b}", guids)
	}
}

func TestClusterSnapshotRoundtrip(t *testing.T) {
	s := open(t)
	if _, ok, err := s.GetClusterSnapshot("snp12"); err != nil || ok {
		t.Fatalf("expected no snapshot yet, got ok=%v err=%v", ok, err)
	}
	want := durable.Snapshot{ChangeID: 7, Blob: []byte("blob-data")}
	if err := s.PutClusterSnapshot("snp12", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetClusterSnapshot("snp12")
	if err != nil || !ok {
		t.Fatalf("GetClusterSnapshot: ok=%v err=%v", ok, err)
	}
	if got.ChangeID != want.ChangeID || string(got.Blob) != string(want.Blob) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestConfigAndFirstRun(t *testing.T) {
	s := open(t)
	first, err := s.IsFirstRun()
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("expected IsFirstRun to report true before any config is persisted")
	}

	if err := s.PutConfig("main", map[string]string{"reference": "NC_000001"}); err != nil {
		t.Fatal(err)
	}
	dict, ok, err := s.GetConfig("main")
	if err != nil || !ok {
		t.Fatalf("GetConfig: ok=%v err=%v", ok, err)
	}
	if dict["reference"] != "NC_000001" {
		t.Errorf("got %+v, want reference=NC_000001", dict)
	}

	first, err = s.IsFirstRun()
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Error("expected IsFirstRun to report false once config has been persisted")
	}
}
