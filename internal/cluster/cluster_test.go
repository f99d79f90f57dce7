// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"sort"
	"testing"

	"github.com/cgps/neighbour/internal/mixture"
)

func membersOf(t *testing.T, cs []Cluster, guid string) []string {
	t.Helper()
	for _, c := range cs {
		for _, m := range c.Members {
			if m == guid {
				sort.Strings(c.Members)
				return c.Members
			}
		}
	}
	return nil
}

func TestAddSampleIdempotent(t *testing.T) {
	g := NewGraph(Policy{Name: "snp12", SNVThreshold: 12})
	g.AddSample("a", []Edge{{Guid: "b", Distance: 3}})
	id1 := g.ChangeID()

	g.AddSample("a", []Edge{{Guid: "b", Distance: 3}})
	if g.ChangeID() != id1 {
		t.Errorf("change_id bumped on an idempotent AddSample: %d -> %d", id1, g.ChangeID())
	}

	g.AddSample("a", []Edge{{Guid: "b", Distance: 4}})
	if g.ChangeID() == id1 {
		t.Errorf("change_id did not bump when edge set actually changed")
	}
}

func TestAddSampleFiltersByThreshold(t *testing.T) {
	g := NewGraph(Policy{Name: "snp12", SNVThreshold: 12})
	g.AddSample("a", []Edge{{Guid: "b", Distance: 3}, {Guid: "c", Distance: 20}})

	n := g.Neighbours("a")
	if _, ok := n["b"]; !ok {
		t.Errorf("expected edge to b at distance 3 to survive thresholding")
	}
	if _, ok := n["c"]; ok {
		t.Errorf("edge to c at distance 20 should have been filtered by threshold 12")
	}
}

func TestSetMixedRejectsUnknownGuid(t *testing.T) {
	g := NewGraph(Policy{Name: "snp12", SNVThreshold: 12})
	if err := g.SetMixed("ghost", true); err == nil {
		t.Errorf("expected an error setting is_mixed on a guid absent from the graph")
	}
}

func TestChangeIDMonotonic(t *testing.T) {
	g := NewGraph(Policy{Name: "snp12", SNVThreshold: 12})
	var last uint64
	g.AddSample("a", nil)
	if g.ChangeID() <= last {
		t.Fatalf("change_id did not advance past %d", last)
	}
	last = g.ChangeID()

	g.AddSample("b", []Edge{{Guid: "a", Distance: 1}})
	if g.ChangeID() <= last {
		t.Fatalf("change_id did not advance past %d", last)
	}
	last = g.ChangeID()

	if err := g.SetMixed("a", true); err != nil {
		t.Fatal(err)
	}
	if g.ChangeID() <= last {
		t.Fatalf("change_id did not advance past %d after SetMixed", last)
	}
}

// buildTransitiveChain wires a-b-c-d as a simple chain, each edge within
// threshold, exercising the transitivity a cluster boundary must respect
// (testable property akin to the spec's clustering-transitivity scenario).
func buildTransitiveChain(management MixedSampleManagement) *Graph {
	g := NewGraph(Policy{Name: "p", SNVThreshold: 5, Management: management})
	g.AddSample("a", []Edge{{Guid: "b", Distance: 1}})
	g.AddSample("b", []Edge{{Guid: "a", Distance: 1}, {Guid: "c", Distance: 2}})
	g.AddSample("c", []Edge{{Guid: "b", Distance: 2}, {Guid: "d", Distance: 3}})
	g.AddSample("d", []Edge{{Guid: "c", Distance: 3}})
	return g
}

func TestClustersIgnoreTransitivity(t *testing.T) {
	g := buildTransitiveChain(Ignore)
	cs := g.Clusters()
	if len(cs) != 1 {
		t.Fatalf("got %d clusters, want 1 (a-b-c-d should form one chain)", len(cs))
	}
	got := append([]string(nil), cs[0].Members...)
	sort.Strings(got)
	want := []string{"a", "b", "c", "d"}
	if !equalStrings(got, want) {
		t.Errorf("got members %v, want %v", got, want)
	}
}

func TestClustersExcludingSplitsAtMixedVertex(t *testing.T) {
	g := buildTransitiveChain(Exclude)
	if err := g.SetMixed("b", true); err != nil {
		t.Fatal(err)
	}
	cs := g.Clusters()
	// a is isolated once b (the only edge to a) is excluded; c-d remain joined.
	if len(cs) != 2 {
		t.Fatalf("got %d clusters, want 2, got %+v", len(cs), cs)
	}
	a := membersOf(t, cs, "a")
	if !equalStrings(a, []string{"a"}) {
		t.Errorf("got a's cluster %v, want singleton [a]", a)
	}
	cd := membersOf(t, cs, "c")
	if !equalStrings(cd, []string{"c", "d"}) {
		t.Errorf("got c's cluster %v, want [c d]", cd)
	}
}

func TestClustersIncludingListsMixedInBothTouchedClusters(t *testing.T) {
	// Build two separate pairs, both bridged only through a mixed vertex m.
	g := NewGraph(Policy{Name: "p", SNVThreshold: 5, Management: Include})
	g.AddSample("a", []Edge{{Guid: "b", Distance: 1}})
	g.AddSample("b", []Edge{{Guid: "a", Distance: 1}})
	g.AddSample("c", []Edge{{Guid: "d", Distance: 1}})
	g.AddSample("d", []Edge{{Guid: "c", Distance: 1}})
	g.AddSample("m", []Edge{{Guid: "b", Distance: 2}, {Guid: "d", Distance: 2}})
	if err := g.SetMixed("m", true); err != nil {
		t.Fatal(err)
	}

	cs := g.Clusters()
	ab := membersOf(t, cs, "a")
	if !equalStrings(ab, []string{"a", "b", "m"}) {
		t.Errorf("got a's cluster %v, want [a b m]", ab)
	}
	cd := membersOf(t, cs, "c")
	if !equalStrings(cd, []string{"c", "d", "m"}) {
		t.Errorf("got c's cluster %v, want [c d m]", cd)
	}
}

func TestClustersIncludingIsolatedMixedVertexIsSingleton(t *testing.T) {
	g := NewGraph(Policy{Name: "p", SNVThreshold: 5, Management: Include})
	g.AddSample("solo", nil)
	if err := g.SetMixed("solo", true); err != nil {
		t.Fatal(err)
	}
	cs := g.Clusters()
	got := membersOf(t, cs, "solo")
	if !equalStrings(got, []string{"solo"}) {
		t.Errorf("got %v, want singleton [solo]", got)
	}
}

func TestMSTSpansInducedSubgraph(t *testing.T) {
	g := NewGraph(Policy{Name: "p", SNVThreshold: 100})
	// a triangle, so the MST must drop exactly one edge.
	g.AddSample("a", []Edge{{Guid: "b", Distance: 1}, {Guid: "c", Distance: 5}})
	g.AddSample("b", []Edge{{Guid: "a", Distance: 1}, {Guid: "c", Distance: 2}})
	g.AddSample("c", []Edge{{Guid: "a", Distance: 5}, {Guid: "b", Distance: 2}})

	mst := g.MST([]string{"a", "b", "c"})
	if len(mst) != 2 {
		t.Fatalf("got %d MST edges, want 2 (spanning tree over 3 vertices)", len(mst))
	}
	var total float64
	for _, e := range mst {
		total += e.Distance
	}
	if total != 3 {
		t.Errorf("got total MST weight %v, want 3 (edges a-b=1, b-c=2; a-c=5 dropped)", total)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sanity check that mixture.Policy fields line up with what Manager
// threads through to Evaluate — guards against the two Policy/Criterion
// types silently drifting apart.
func TestPolicyCriterionTypesAlign(t *testing.T) {
	p := Policy{UncertainType: mixture.N, Criterion: mixture.P2, Cutoff: 0.01}
	mp := mixture.Policy{UncertainType: p.UncertainType, Criterion: p.Criterion, Cutoff: p.Cutoff}
	if mp.UncertainType != mixture.N || mp.Criterion != mixture.P2 {
		t.Errorf("Policy -> mixture.Policy conversion lost fields: %+v", mp)
	}
}
