// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cluster maintains, for each configured clustering policy, an
// undirected graph whose vertices are sample identifiers and whose edges
// link samples at distance at most the policy's threshold. It derives
// connected components ("clusters") and flags mixed samples via
// internal/mixture, exposing an incremental update loop invoked on every
// successful store insert.
package cluster

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/neighbourerr"
)

// MixedSampleManagement selects how a policy's graph treats mixed
// vertices when deriving clusters.
type MixedSampleManagement int

const (
	// Ignore treats mixed vertices as ordinary vertices.
	Ignore MixedSampleManagement = iota
	// Exclude removes mixed vertices and their incident edges before
	// computing components.
	Exclude
	// Include keeps a mixed vertex out of the merge but lists it as a
	// member of every distinct neighbour cluster it touches.
	Include
)

// Policy is the configuration of one clustering graph.
type Policy struct {
	Name          string
	SNVThreshold  int
	UncertainType mixture.UncertainBaseType
	Management    MixedSampleManagement
	Criterion     mixture.Criterion
	Cutoff        float64
}

// Edge is one candidate link supplied to AddSample, prior to threshold
// filtering.
type Edge struct {
	Guid     string
	Distance int
}

// Cluster is one connected component (or, under Include management, one
// component plus any mixed vertices bridging into it).
type Cluster struct {
	ID      int64
	Members []string
}

type vertexState struct {
	id    int64
	mixed bool
	edges map[string]int // neighbour guid -> distance, as last supplied to AddSample
}

// Graph is a single policy's incremental neighbour graph.
type Graph struct {
	mu sync.RWMutex

	policy   Policy
	g        *simple.WeightedUndirectedGraph
	byGuid   map[string]*vertexState
	byID     map[int64]string
	nextID   int64
	changeID uint64
}

// NewGraph returns an empty Graph for policy.
func NewGraph(policy Policy) *Graph {
	return &Graph{
		policy: policy,
		g:      simple.NewWeightedUndirectedGraph(0, 0),
		byGuid: make(map[string]*vertexState),
		byID:   make(map[int64]string),
	}
}

// ChangeID returns the graph's current monotonic version.
func (g *Graph) ChangeID() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changeID
}

// AddSample adds vertex guid (is_mixed=false) and, for each candidate
// edge at or below the policy's threshold, an edge guid—other. It is
// idempotent if guid is already present with the same edge set; in that
// case change_id is not incremented.
func (g *Graph) AddSample(guid string, candidates []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	filtered := make(map[string]int)
	for _, e := range candidates {
		if e.Distance <= g.policy.SNVThreshold {
			filtered[e.Guid] = e.Distance
		}
	}

	if v, ok := g.byGuid[guid]; ok {
		if edgeSetsEqual(v.edges, filtered) {
			return
		}
	}

	v := g.vertexFor(guid)
	for h, dist := range filtered {
		nv := g.vertexFor(h)
		g.g.SetWeightedEdge(g.g.NewWeightedEdge(v, nv, float64(dist)))
	}
	g.byGuid[guid].edges = filtered
	g.changeID++
}

func (g *Graph) vertexFor(guid string) graph.Node {
	if v, ok := g.byGuid[guid]; ok {
		return simple.Node(v.id)
	}
	id := g.nextID
	g.nextID++
	g.byGuid[guid] = &vertexState{id: id, edges: make(map[string]int)}
	g.byID[id] = guid
	g.g.AddNode(simple.Node(id))
	return simple.Node(id)
}

func edgeSetsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SetMixed updates guid's is_mixed attribute and increments change_id.
// It fails with InputRejected if guid is not a member of this graph.
func (g *Graph) SetMixed(guid string, mixed bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.byGuid[guid]
	if !ok {
		return neighbourerr.New(neighbourerr.InputRejected, "guid %q is not a vertex of this graph", guid)
	}
	v.mixed = mixed
	g.changeID++
	return nil
}

// IsMixed reports guid's current is_mixed attribute.
func (g *Graph) IsMixed(guid string) (mixed, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.byGuid[guid]
	if !ok {
		return false, false
	}
	return v.mixed, true
}

// Neighbours returns guid's current adjacency (guid -> distance) in this
// graph.
func (g *Graph) Neighbours(guid string) map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.byGuid[guid]
	if !ok {
		return nil
	}
	out := make(map[string]int)
	nodes := g.g.From(v.id)
	for nodes.Next() {
		n := nodes.Node()
		w, _ := g.g.Weight(v.id, n.ID())
		out[g.byID[n.ID()]] = int(w)
	}
	return out
}

// Clusters returns the graph's current connected components, interpreted
// per the policy's MixedSampleManagement.
func (g *Graph) Clusters() []Cluster {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch g.policy.Management {
	case Exclude:
		return g.clustersExcluding()
	case Include:
		return g.clustersIncluding()
	default:
		return g.clustersIgnoring()
	}
}

func (g *Graph) clustersIgnoring() []Cluster {
	comps := topo.ConnectedComponents(g.g)
	out := make([]Cluster, 0, len(comps))
	for i, comp := range comps {
		members := make([]string, 0, len(comp))
		for _, n := range comp {
			members = append(members, g.byID[n.ID()])
		}
		sort.Strings(members)
		out = append(out, Cluster{ID: int64(i), Members: members})
	}
	return out
}

// filteredGraph builds the induced subgraph over the vertices for which
// keep returns true.
func (g *Graph) filteredGraph(keep func(guid string) bool) *simple.WeightedUndirectedGraph {
	sub := simple.NewWeightedUndirectedGraph(0, 0)
	for id, guid := range g.byID {
		if keep(guid) {
			sub.AddNode(simple.Node(id))
		}
	}
	edges := g.g.Edges()
	for edges.Next() {
		e := edges.Edge()
		u, v := g.byID[e.From().ID()], g.byID[e.To().ID()]
		if keep(u) && keep(v) {
			w, _ := g.g.Weight(e.From().ID(), e.To().ID())
			sub.SetWeightedEdge(sub.NewWeightedEdge(e.From(), e.To(), w))
		}
	}
	return sub
}

func (g *Graph) clustersExcluding() []Cluster {
	notMixed := func(guid string) bool { return !g.byGuid[guid].mixed }
	sub := g.filteredGraph(notMixed)
	comps := topo.ConnectedComponents(sub)
	out := make([]Cluster, 0, len(comps))
	for i, comp := range comps {
		members := make([]string, 0, len(comp))
		for _, n := range comp {
			members = append(members, g.byID[n.ID()])
		}
		sort.Strings(members)
		out = append(out, Cluster{ID: int64(i), Members: members})
	}
	return out
}

func (g *Graph) clustersIncluding() []Cluster {
	notMixed := func(guid string) bool { return !g.byGuid[guid].mixed }
	sub := g.filteredGraph(notMixed)
	comps := topo.ConnectedComponents(sub)

	clusterOf := make(map[string]int)
	out := make([]Cluster, len(comps))
	for i, comp := range comps {
		members := make([]string, 0, len(comp))
		for _, n := range comp {
			guid := g.byID[n.ID()]
			members = append(members, guid)
			clusterOf[guid] = i
		}
		out[i] = Cluster{ID: int64(i), Members: members}
	}

	for guid, v := range g.byGuid {
		if !v.mixed {
			continue
		}
		touched := make(map[int]struct{})
		nodes := g.g.From(v.id)
		for nodes.Next() {
			neighbour := g.byID[nodes.Node().ID()]
			if nv, ok := g.byGuid[neighbour]; ok && !nv.mixed {
				touched[clusterOf[neighbour]] = struct{}{}
			}
		}
		if len(touched) == 0 {
			out = append(out, Cluster{ID: int64(len(out)), Members: []string{guid}})
			continue
		}
		for idx := range touched {
			out[idx].Members = append(out[idx].Members, guid)
		}
	}
	for i := range out {
		sort.Strings(out[i].Members)
	}
	return out
}

// MST returns the minimum spanning tree of the induced subgraph over
// members, as (guid, guid, distance) triples, for rendering a
// cytoscape-shaped single-cluster view.
func (g *Graph) MST(members []string) []Edge3 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	sub := g.filteredGraph(func(guid string) bool { return in[guid] })

	dst := simple.NewWeightedUndirectedGraph(0, 0)
	if err := path.Prim(dst, sub); err != nil {
		return nil
	}

	var out []Edge3
	edges := dst.Edges()
	for edges.Next() {
		e := edges.Edge()
		w, _ := dst.Weight(e.From().ID(), e.To().ID())
		out = append(out, Edge3{
			A:        g.byID[e.From().ID()],
			B:        g.byID[e.To().ID()],
			Distance: w,
		})
	}
	return out
}

// Edge3 is one MST edge in the cluster's minimum spanning tree view.
type Edge3 struct {
	A, B     string
	Distance float64
}
