// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

// GraphSnapshot is a Graph's state rendered as plain data, the shape
// persisted opaquely by a durable.Store's PutClusterSnapshot and used to
// reconstruct the graph on startup without replaying every insert.
type GraphSnapshot struct {
	ChangeID uint64
	Vertices []VertexSnapshot
	Edges    []Edge3
}

// VertexSnapshot is one vertex's persisted state.
type VertexSnapshot struct {
	Guid  string
	Mixed bool
}

// Export renders g's current state as a GraphSnapshot.
func (g *Graph) Export() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := GraphSnapshot{ChangeID: g.changeID}
	seen := make(map[string]bool)
	for guid, v := range g.byGuid {
		snap.Vertices = append(snap.Vertices, VertexSnapshot{Guid: guid, Mixed: v.mixed})
		for other, dist := range v.edges {
			if seen[other+"\x00"+guid] {
				continue
			}
			seen[guid+"\x00"+other] = true
			snap.Edges = append(snap.Edges, Edge3{A: guid, B: other, Distance: float64(dist)})
		}
	}
	return snap
}

// Import reconstructs a Graph for policy from a previously Exported
// snapshot, preserving change_id.
func Import(policy Policy, snap GraphSnapshot) *Graph {
	g := NewGraph(policy)
	g.mu.Lock()
	for _, v := range snap.Vertices {
		g.vertexFor(v.Guid)
	}
	g.mu.Unlock()

	byGuid := make(map[string][]Edge)
	for _, e := range snap.Edges {
		byGuid[e.A] = append(byGuid[e.A], Edge{Guid: e.B, Distance: int(e.Distance)})
		byGuid[e.B] = append(byGuid[e.B], Edge{Guid: e.A, Distance: int(e.Distance)})
	}
	for _, v := range snap.Vertices {
		g.AddSample(v.Guid, byGuid[v.Guid])
	}
	for _, v := range snap.Vertices {
		if v.Mixed {
			_ = g.SetMixed(v.Guid, true)
		}
	}
	g.mu.Lock()
	g.changeID = snap.ChangeID
	g.mu.Unlock()
	return g
}
