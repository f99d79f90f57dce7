// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"sync"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/neighbourerr"
)

// Materialiser is the narrow view of a sample store the Manager needs to
// run the mixture test over a changed cluster's members.
type Materialiser interface {
	Materialise(guid string) (compressor.SymbolSets, bool, error)
	// Sample returns up to n stored, valid guids' materialised records,
	// for use as the mixture test's background population.
	Sample(n int) ([]compressor.SymbolSets, error)
	GenomeLength() int
}

// Manager owns one Graph per configured policy and implements the
// insert-driven update described by the spec's core algorithm step 6:
// add the sample to every graph, re-evaluate mixture for every cluster
// that changed, and apply set_mixed.
type Manager struct {
	mu      sync.Mutex
	graphs  map[string]*Graph
	source  Materialiser
	popSize int
}

// NewManager returns a Manager over policies, reading sample data from
// source. popSize bounds the mixture test's background population
// sample (the spec default is 30).
func NewManager(policies []Policy, source Materialiser, popSize int) *Manager {
	if popSize <= 0 {
		popSize = 30
	}
	graphs := make(map[string]*Graph, len(policies))
	for _, p := range policies {
		graphs[p.Name] = NewGraph(p)
	}
	return &Manager{graphs: graphs, source: source, popSize: popSize}
}

// Graph returns the named policy's graph, or PolicyMiss if unconfigured.
func (m *Manager) Graph(policy string) (*Graph, error) {
	g, ok := m.graphs[policy]
	if !ok {
		return nil, neighbourerr.New(neighbourerr.PolicyMiss, "no clustering policy named %q", policy)
	}
	return g, nil
}

// Restore replaces policy's graph with one reconstructed from snap, for
// use at startup before any insert has run against this process. It
// fails with PolicyMiss if policy is not configured.
func (m *Manager) Restore(policy string, snap GraphSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[policy]
	if !ok {
		return neighbourerr.New(neighbourerr.PolicyMiss, "no clustering policy named %q", policy)
	}
	m.graphs[policy] = Import(g.policy, snap)
	return nil
}

// Policies returns the names of every configured policy.
func (m *Manager) Policies() []string {
	names := make([]string, 0, len(m.graphs))
	for n := range m.graphs {
		names = append(names, n)
	}
	return names
}

// OnInsert runs the incremental update for one newly inserted guid
// across every policy: adds the vertex and its thresholded edges, finds
// which clusters changed, re-runs the mixture test over each changed
// cluster's current membership, and applies set_mixed.
func (m *Manager) OnInsert(guid string, edges []Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.graphs {
		before := clusterIndexOf(g, guid)
		g.AddSample(guid, edges)
		changed := changedClusters(g, guid, before)
		if err := m.reevaluate(g, changed); err != nil {
			return err
		}
	}
	return nil
}

// clusterIndexOf returns the set of member-guids of guid's cluster
// before a mutation, used to detect which clusters were touched by it.
func clusterIndexOf(g *Graph, guid string) map[string]struct{} {
	for _, c := range g.Clusters() {
		for _, m := range c.Members {
			if m == guid {
				members := make(map[string]struct{}, len(c.Members))
				for _, mm := range c.Members {
					members[mm] = struct{}{}
				}
				return members
			}
		}
	}
	return nil
}

// changedClusters returns the post-mutation clusters that contain guid
// or any member of its pre-mutation cluster (covering merges as well as
// simple growth).
func changedClusters(g *Graph, guid string, before map[string]struct{}) []Cluster {
	var out []Cluster
	for _, c := range g.Clusters() {
		touched := false
		for _, m := range c.Members {
			if m == guid {
				touched = true
				break
			}
			if _, ok := before[m]; ok {
				touched = true
				break
			}
		}
		if touched {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) reevaluate(g *Graph, clusters []Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	population, err := m.source.Sample(m.popSize)
	if err != nil {
		return err
	}
	l := m.source.GenomeLength()

	policy := mixture.Policy{UncertainType: g.policy.UncertainType, Criterion: g.policy.Criterion, Cutoff: g.policy.Cutoff}
	for _, c := range clusters {
		members := make(map[string]compressor.SymbolSets, len(c.Members))
		for _, guid := range c.Members {
			sets, ok, err := m.source.Materialise(guid)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			members[guid] = sets
		}
		results := mixture.Evaluate(members, population, l, policy)
		for guid, r := range results {
			if err := g.SetMixed(guid, r.Mixed); err != nil {
				return err
			}
		}
	}
	return nil
}
