// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import "testing"

func TestSnapshotRoundtrip(t *testing.T) {
	policy := Policy{Name: "snp1", SNVThreshold: 1}
	g := NewGraph(policy)
	g.AddSample("a", nil)
	g.AddSample("b", []Edge{{Guid: "a", Distance: 1}})
	g.AddSample("c", []Edge{{Guid: "b", Distance: 1}})
	if err := g.SetMixed("c", true); err != nil {
		t.Fatal(err)
	}

	snap := g.Export()
	restored := Import(policy, snap)

	if restored.ChangeID() != g.ChangeID() {
		t.Errorf("got change_id %d, want %d", restored.ChangeID(), g.ChangeID())
	}
	if mixed, ok := restored.IsMixed("c"); !ok || !mixed {
		t.Errorf("restored graph lost c's mixed flag: mixed=%v ok=%v", mixed, ok)
	}
	gotNeighbours := restored.Neighbours("b")
	if gotNeighbours["a"] != 1 || gotNeighbours["c"] != 1 {
		t.Errorf("restored graph has wrong edges for b: %+v", gotNeighbours)
	}

	wantClusters := len(g.Clusters())
	if got := len(restored.Clusters()); got != wantClusters {
		t.Errorf("got %d clusters after restore, want %d", got, wantClusters)
	}
}
