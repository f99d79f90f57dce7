// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store holds every accepted sample in RAM as either a
// reference-compressed record or a patch against a shared consensus, and
// manages the transition between the two (re-compression relative to
// consensus). It runs under a single-writer, multi-reader discipline:
// callers serialise mutating operations themselves (see internal/cluster's
// Manager and the insert pipeline in internal/service), while Store's own
// lock only protects its maps from concurrent readers during a write.
//
// The kv-ordering helpers formerly here for BLAST-record bookkeeping have
// moved to the blast package, which they describe more directly; see
// internal/repeatmask for their new home in the reference-masking
// pipeline.
package store

import (
	"sync"
	"time"

	"github.com/cgps/neighbour/internal/comparator"
	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/neighbourerr"
	"github.com/cgps/neighbour/internal/posset"
)

// Quality is a sample's quality annotation: the proportion of its bases
// that are unambiguous A/C/G/T, and the time it was examined.
type Quality struct {
	Proportion float64
	Examined   time.Time
}

// Store holds every accepted sample in RAM.
type Store struct {
	mu sync.RWMutex

	profiles map[string]compressor.Record
	quality  map[string]Quality
	consensi map[string]compressor.Consensus
	trie     *prefixTrie

	cmp                   *comparator.Comparator
	workers               int
	snpCompressionCeiling int
	genomeLength          int
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithWorkers bounds the parallelism of the Store's internal comparator,
// used by RecompressAround to find a seed's compression neighbourhood. A
// value <= 0 (the default) uses runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(s *Store) { s.workers = n }
}

// WithMaxPrefixLen bounds the depth of the prefix-search trie. The
// default is 8.
func WithMaxPrefixLen(n int) Option {
	return func(s *Store) { s.trie = newPrefixTrie(n) }
}

// WithSNPCompressionCeiling sets the radius used to select neighbours for
// consensus-based re-compression; distinct from, and usually tighter
// than, the comparator's own distance cutoff.
func WithSNPCompressionCeiling(n int) Option {
	return func(s *Store) { s.snpCompressionCeiling = n }
}

// WithGenomeLength records the reference genome length, used as the
// trial count for the mixture test's off-alignment binomial.
func WithGenomeLength(n int) Option {
	return func(s *Store) { s.genomeLength = n }
}

// New returns an empty Store configured by opts. The Store's internal
// comparator parallelism is runtime-determined unless WithWorkers
// overrides it.
func New(opts ...Option) *Store {
	s := &Store{
		profiles:              make(map[string]compressor.Record),
		quality:                make(map[string]Quality),
		consensi:               make(map[string]compressor.Consensus),
		trie:                   newPrefixTrie(8),
		snpCompressionCeiling:  20,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cmp == nil {
		s.cmp = comparator.New(s, s.workers)
	}
	return s
}

// Persist adds rec to the store under guid with quality annotation q. It
// is idempotent if guid already exists with an identical record, and
// fails with StateConflict if guid exists with a different one.
func (s *Store) Persist(guid string, rec compressor.Record, q Quality) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[guid]; ok {
		if recordsEqual(existing, rec) {
			return nil
		}
		return neighbourerr.New(neighbourerr.StateConflict, "guid %q already stored with a different record", guid)
	}
	s.profiles[guid] = rec
	s.quality[guid] = q
	s.trie.Insert(guid)
	return nil
}

// Remove deletes guid's record. It does not garbage-collect any
// consensus the record referenced; call GCConsensi for that.
func (s *Store) Remove(guid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, guid)
	delete(s.quality, guid)
	s.trie.Remove(guid)
}

// Exists reports whether guid is stored.
func (s *Store) Exists(guid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.profiles[guid]
	return ok
}

// Load returns guid's compressed record. It satisfies
// comparator.Profiles.
func (s *Store) Load(guid string) (compressor.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.profiles[guid]
	return r, ok
}

// Quality returns guid's quality annotation.
func (s *Store) Quality(guid string) (Quality, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quality[guid]
	return q, ok
}

// Consensus returns the consensus identified by id. It satisfies
// comparator.Profiles.
func (s *Store) Consensus(id string) (compressor.Consensus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consensi[id]
	return c, ok
}

// Guids returns every stored guid, in no particular order.
func (s *Store) Guids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.profiles))
	for g := range s.profiles {
		out = append(out, g)
	}
	return out
}

// GuidsWithQualityOver returns every stored guid whose quality
// proportion is >= min.
func (s *Store) GuidsWithQualityOver(min float64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for g, q := range s.quality {
		if q.Proportion >= min {
			out = append(out, g)
		}
	}
	return out
}

// ExaminationTimes returns the examination timestamp of every stored
// guid.
func (s *Store) ExaminationTimes() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.quality))
	for g, q := range s.quality {
		out[g] = q.Examined
	}
	return out
}

// SearchPrefix returns up to max guids beginning with prefix.
func (s *Store) SearchPrefix(prefix string, max int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trie.Search(prefix, max)
}

// Comparator returns the store's bound comparator, for one-vs-all
// neighbour queries over this store's profiles.
func (s *Store) Comparator() *comparator.Comparator {
	return s.cmp
}

// RecompressAround rebuilds a consensus from seed and its current
// neighbourhood (every stored guid within snpCompressionCeiling of seed,
// including seed) and re-stores each neighbour as a Patched record
// against it, provided the patch is actually smaller than the direct
// encoding it replaces. Neighbours already patched against a different
// consensus are re-diffed against the new one directly, never
// decompressed through their old consensus twice.
func (s *Store) RecompressAround(seed string, cutoffProp float64) (consensusID string, recompressed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seedRec, ok := s.profiles[seed]
	if !ok || seedRec.Invalid {
		return "", 0, neighbourerr.New(neighbourerr.InputRejected, "guid %q is not a valid stored sample", seed)
	}

	all := make([]string, 0, len(s.profiles))
	for g := range s.profiles {
		all = append(all, g)
	}
	results, err := s.cmp.CompareOneToMany(seed, all, s.snpCompressionCeiling)
	if err != nil {
		return "", 0, err
	}
	neighbourhood := make([]string, 0, len(results)+1)
	neighbourhood = append(neighbourhood, seed)
	for _, r := range results {
		neighbourhood = append(neighbourhood, r.Guid)
	}

	donors := make([]compressor.SymbolSets, 0, len(neighbourhood))
	for _, g := range neighbourhood {
		sets, err := s.materialiseLocked(g)
		if err != nil {
			return "", 0, err
		}
		donors = append(donors, sets)
	}
	consensus := compressor.BuildConsensus(donors, cutoffProp)
	s.consensi[consensus.ID] = consensus

	for i, g := range neighbourhood {
		patch := compressor.Diff(donors[i], consensus.Variants)
		candidate := compressor.Record{ConsensusID: consensus.ID, Patch: patch}
		if patchCost(patch) >= directCost(s.profiles[g]) {
			continue
		}
		s.profiles[g] = candidate
		recompressed++
	}
	return consensus.ID, recompressed, nil
}

// materialiseLocked decodes guid's record into Direct-form SymbolSets.
// Callers must hold s.mu.
func (s *Store) materialiseLocked(guid string) (compressor.SymbolSets, error) {
	rec := s.profiles[guid]
	return compressor.Materialise(rec, func(id string) (compressor.Consensus, bool) {
		c, ok := s.consensi[id]
		return c, ok
	})
}

// Materialise decodes guid's stored record into Direct-form SymbolSets.
// It satisfies internal/cluster's Materialiser, used to re-run the
// mixture test over a changed cluster's members.
func (s *Store) Materialise(guid string) (compressor.SymbolSets, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.profiles[guid]
	if !ok || rec.Invalid {
		return compressor.SymbolSets{}, false, nil
	}
	sets, err := s.materialiseLocked(guid)
	if err != nil {
		return compressor.SymbolSets{}, false, err
	}
	return sets, true, nil
}

// Sample returns the materialised records of up to n stored, valid
// guids, for use as the mixture test's background population. It makes
// no guarantee about which guids are chosen beyond Go's map iteration
// order.
func (s *Store) Sample(n int) ([]compressor.SymbolSets, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]compressor.SymbolSets, 0, n)
	for g, rec := range s.profiles {
		if len(out) >= n {
			break
		}
		if rec.Invalid {
			continue
		}
		sets, err := s.materialiseLocked(g)
		if err != nil {
			return nil, err
		}
		out = append(out, sets)
	}
	return out, nil
}

// GenomeLength returns the reference genome length configured via
// WithGenomeLength.
func (s *Store) GenomeLength() int {
	return s.genomeLength
}

// GCConsensi removes every consensus no longer referenced by any stored
// record.
func (s *Store) GCConsensi() (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]struct{})
	for _, rec := range s.profiles {
		if rec.IsPatched() {
			live[rec.ConsensusID] = struct{}{}
		}
	}
	for id := range s.consensi {
		if _, ok := live[id]; !ok {
			delete(s.consensi, id)
			removed++
		}
	}
	return removed
}

func patchCost(p compressor.Patch) int {
	n := 0
	for _, set := range []*posset.Set{
		p.Add.A, p.Add.C, p.Add.G, p.Add.T, p.Add.N, p.Add.M,
		p.Subtract.A, p.Subtract.C, p.Subtract.G, p.Subtract.T, p.Subtract.N, p.Subtract.M,
	} {
		n += set.Len()
	}
	return n
}

// directCost returns the size of rec's current encoding, whether it is
// stored Direct or already Patched against some consensus, so a
// candidate patch is only adopted when it is actually smaller than what
// it would replace.
func directCost(rec compressor.Record) int {
	if rec.Invalid {
		return 0
	}
	if rec.IsPatched() {
		return patchCost(rec.Patch)
	}
	n := 0
	for _, set := range []*posset.Set{
		rec.Variants.A, rec.Variants.C, rec.Variants.G, rec.Variants.T, rec.Variants.N, rec.Variants.M,
	} {
		n += set.Len()
	}
	return n
}

func recordsEqual(a, b compressor.Record) bool {
	if a.Invalid != b.Invalid {
		return false
	}
	if a.Invalid {
		return true
	}
	if a.ConsensusID != b.ConsensusID {
		return false
	}
	if a.IsPatched() {
		return symbolSetsEqual(a.Patch.Add, b.Patch.Add) && symbolSetsEqual(a.Patch.Subtract, b.Patch.Subtract)
	}
	return symbolSetsEqual(a.Variants, b.Variants)
}

func symbolSetsEqual(a, b compressor.SymbolSets) bool {
	return posset.Equal(a.A, b.A) && posset.Equal(a.C, b.C) && posset.Equal(a.G, b.G) &&
		posset.Equal(a.T, b.T) && posset.Equal(a.N, b.N) && posset.Equal(a.M, b.M)
}
