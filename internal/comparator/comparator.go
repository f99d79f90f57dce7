// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package comparator computes SNP distance between reference-compressed
// samples held by a store, with transparent decompression of patches,
// and exposes a one-vs-many operation with configurable parallelism.
package comparator

import (
	"runtime"
	"sync"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/posset"
)

// Profiles is the narrow view the comparator needs of the store: the
// ability to fetch a sample's compressed record by guid and to resolve a
// consensus by id. The store satisfies this directly.
type Profiles interface {
	Load(guid string) (compressor.Record, bool)
	Consensus(id string) (compressor.Consensus, bool)
}

// Comparator computes pairwise SNP distances over records held in a
// Profiles view, decompressing patches transparently.
type Comparator struct {
	profiles Profiles
	workers  int
}

// New returns a Comparator reading from profiles. workers bounds the
// parallelism of CompareOneToMany; a value <= 0 uses
// runtime.GOMAXPROCS(0).
func New(profiles Profiles, workers int) *Comparator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Comparator{profiles: profiles, workers: workers}
}

// NOverlap carries the three N-overlap counts derived from the same
// materialisation that computed a distance: Ns found only in the first
// sample, only in the second, and in either.
type NOverlap struct {
	N1, N2, NBoth int
}

// comparable reports the state of a guid's record for comparison
// purposes: found is false when the guid is not in the store at all;
// invalid is true when the guid is stored but flagged invalid.
func (c *Comparator) comparable(guid string) (sets compressor.SymbolSets, found, invalid bool, err error) {
	rec, ok := c.profiles.Load(guid)
	if !ok {
		return compressor.SymbolSets{}, false, false, nil
	}
	if rec.Invalid {
		return compressor.SymbolSets{}, true, true, nil
	}
	sets, err = compressor.Materialise(rec, c.profiles.Consensus)
	if err != nil {
		return compressor.SymbolSets{}, true, false, err
	}
	return sets, true, false, nil
}

// Distance computes the SNP distance between a and b under the mask
// already applied at compression time. It returns ok=false if either
// sample is missing or invalid, and exceeded=true (with distance
// meaningless) if the true distance is greater than cutoff.
func (c *Comparator) Distance(a, b string, cutoff int) (dist int, overlap NOverlap, ok bool, exceeded bool, err error) {
	as, aFound, aInvalid, err := c.comparable(a)
	if err != nil {
		return 0, NOverlap{}, false, false, err
	}
	bs, bFound, bInvalid, err := c.comparable(b)
	if err != nil {
		return 0, NOverlap{}, false, false, err
	}
	if !aFound || !bFound || aInvalid || bInvalid {
		return 0, NOverlap{}, false, false, nil
	}
	return distanceOf(as, bs, cutoff)
}

// distanceOf implements the set-algebra SNP distance: N (and M, which
// the comparator treats identically to N — see compressor.SymbolSets)
// acts as "unknown": a position where one sample asserts symbol s and
// the other is neither s nor uncertain contributes to the distance.
func distanceOf(a, b compressor.SymbolSets, cutoff int) (dist int, overlap NOverlap, ok bool, exceeded bool, err error) {
	aUncertain := posset.Union(a.N, a.M)
	bUncertain := posset.Union(b.N, b.M)

	diff := posset.New()
	for _, pair := range []struct{ a, b *posset.Set }{
		{a.A, b.A}, {a.C, b.C}, {a.G, b.G}, {a.T, b.T},
	} {
		onlyA := posset.Diff(pair.a, bUncertain)
		onlyB := posset.Diff(pair.b, aUncertain)
		diffS := posset.Xor(onlyA, onlyB)
		for _, p := range diffS.Slice() {
			diff.Add(p)
		}
	}

	n1 := posset.Diff(a.N, b.N)
	n2 := posset.Diff(b.N, a.N)
	nBoth := posset.Union(a.N, b.N)

	if diff.Len() > cutoff {
		return 0, NOverlap{}, true, true, nil
	}
	return diff.Len(), NOverlap{N1: n1.Len(), N2: n2.Len(), NBoth: nBoth.Len()}, true, false, nil
}

// Result is one row of a CompareOneToMany call.
type Result struct {
	Guid     string
	Distance int
	NOverlap NOverlap
}

// CompareOneToMany runs Distance(guid, h, cutoff) for every h in
// candidates, h != guid, and returns the subset with dist <= cutoff. The
// candidate list is partitioned into disjoint chunks processed by a
// bounded worker pool; the order of the returned results is not
// guaranteed.
func (c *Comparator) CompareOneToMany(guid string, candidates []string, cutoff int) ([]Result, error) {
	filtered := candidates[:0:0]
	for _, h := range candidates {
		if h != guid {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	workers := c.workers
	if workers > len(filtered) {
		workers = len(filtered)
	}
	if workers < 1 {
		workers = 1
	}
	chunkSize := (len(filtered) + workers - 1) / workers

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
		firstErr error
	)
	for start := 0; start < len(filtered); start += chunkSize {
		end := start + chunkSize
		if end > len(filtered) {
			end = len(filtered)
		}
		chunk := filtered[start:end]

		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			local := make([]Result, 0, len(chunk))
			for _, h := range chunk {
				dist, overlap, ok, exceeded, err := c.Distance(guid, h, cutoff)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				if !ok || exceeded {
					continue
				}
				local = append(local, Result{Guid: h, Distance: dist, NOverlap: overlap})
			}
			mu.Lock()
			results = append(results, local...)
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
