// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package service wires the Store, Comparator, durable collaborator and
// per-policy cluster Managers together into the insert-driven update
// loop: compress, persist in RAM, compare against every other stored
// sample, persist annotations and links durably, optionally recompress,
// then run the incremental clustering update. It is the single
// serialisation point (the process-wide write lock) described under the
// concurrency model: every Insert runs under Engine's lock, while reads
// proceed independently against the Store and durable collaborator.
package service

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cgps/neighbour/internal/cluster"
	"github.com/cgps/neighbour/internal/comparator"
	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/durable"
	"github.com/cgps/neighbour/internal/neighbourerr"
	"github.com/cgps/neighbour/internal/store"
)

// InsertStatus reports the outcome of Engine.Insert.
type InsertStatus int

const (
	// Inserted means guid was newly accepted and fully processed.
	Inserted InsertStatus = iota
	// AlreadyPresent means guid was already stored; Insert was a no-op.
	AlreadyPresent
)

func (s InsertStatus) String() string {
	if s == AlreadyPresent {
		return "already present"
	}
	return "inserted"
}

// Engine is the core's single entry point for mutating operations.
type Engine struct {
	mu sync.Mutex

	compressor *compressor.Compressor
	store      *store.Store
	durable    durable.Store
	manager    *cluster.Manager

	snpCeiling          int
	recompressFrequency int
	recompressCutoff    float64

	inserts uint64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRecompression enables periodic consensus-based re-compression:
// every frequency successful inserts, the just-inserted guid's
// neighbourhood is recompressed against a fresh consensus built with
// cutoffProp. A frequency <= 0 disables the feature (the default).
func WithRecompression(frequency int, cutoffProp float64) Option {
	return func(e *Engine) {
		e.recompressFrequency = frequency
		e.recompressCutoff = cutoffProp
	}
}

// NewEngine returns an Engine over the given collaborators. snpCeiling
// bounds both the distance beyond which a result is discarded by
// compare_one_to_many and the radius persisted links are computed at.
func NewEngine(cmp *compressor.Compressor, st *store.Store, dur durable.Store, mgr *cluster.Manager, snpCeiling int, opts ...Option) *Engine {
	e := &Engine{
		compressor: cmp,
		store:      st,
		durable:    dur,
		manager:    mgr,
		snpCeiling: snpCeiling,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Insert runs the full insert-driven update loop for guid carrying raw
// sequence data. It returns AlreadyPresent without side effects if guid
// is already stored. On any failure from step 3 onward it rolls back
// the in-RAM persist (step 2) so that steps 1–2 have no externally
// visible effect until durable persistence (step 3+) succeeds.
func (e *Engine) Insert(guid string, raw []byte) (InsertStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Exists(guid) {
		return AlreadyPresent, nil
	}

	// Step 1: compress.
	rec, err := e.compressor.Compress(raw)
	if err != nil {
		return 0, err
	}
	proportion, err := e.compressor.Examine(raw)
	if err != nil {
		return 0, err
	}
	examined := time.Now()

	// Step 2: persist in RAM.
	if err := e.store.Persist(guid, rec, store.Quality{Proportion: proportion, Examined: examined}); err != nil {
		return 0, err
	}

	// Step 3: compare against every other stored sample. A failure here,
	// and in everything that follows, rolls back step 2.
	candidates := e.store.Guids()
	results, err := e.store.Comparator().CompareOneToMany(guid, candidates, e.snpCeiling)
	if err != nil {
		e.store.Remove(guid)
		return 0, neighbourerr.Wrap(neighbourerr.TransientBackend, err, "comparing %q against stored samples", guid)
	}

	// Step 4: persist the compressed record, its annotations, and links,
	// in that order.
	if err := e.persistDurable(guid, rec, proportion, examined); err != nil {
		e.store.Remove(guid)
		return 0, err
	}
	if err := e.persistLinks(guid, results); err != nil {
		e.store.Remove(guid)
		return 0, err
	}

	e.inserts++
	if e.recompressFrequency > 0 && e.inserts%uint64(e.recompressFrequency) == 0 {
		if _, _, err := e.store.RecompressAround(guid, e.recompressCutoff); err != nil {
			e.store.Remove(guid)
			return 0, err
		}
	}

	if err := e.updateClusters(guid, results); err != nil {
		e.store.Remove(guid)
		return 0, err
	}

	return Inserted, nil
}

// persistDurable implements the record+annotation half of step 4:
// writing the compressed record itself, then its quality annotation.
// AlreadyExists is treated as a non-fatal crash-recovery signal, per
// spec.md §6.
func (e *Engine) persistDurable(guid string, rec compressor.Record, proportion float64, examined time.Time) error {
	b := []byte(`{"invalid":true}`)
	if !rec.Invalid {
		var err error
		b, err = compressor.EncodeRecord(rec)
		if err != nil {
			return fmt.Errorf("service: encoding record for %q: %w", guid, err)
		}
	}
	if err := e.putCompressedIdempotent(guid, b); err != nil {
		return err
	}
	dict := map[string]string{
		"quality":  strconv.FormatFloat(proportion, 'f', -1, 64),
		"examined": examined.UTC().Format(time.RFC3339Nano),
	}
	return e.durable.PutAnnotation(guid, "quality", dict)
}

func (e *Engine) putCompressedIdempotent(guid string, b []byte) error {
	err := e.durable.PutCompressed(guid, b)
	if err == nil {
		return nil
	}
	if _, ok := err.(*durable.AlreadyExists); ok {
		return nil
	}
	return neighbourerr.Wrap(neighbourerr.TransientBackend, err, "persisting compressed record for %q", guid)
}

// persistLinks implements the link-storage half of step 4: guid's own
// neighbour document, and, reciprocally, each neighbour's, so that
// neighbours_within(h, …) reflects guid without re-running the
// comparison from h's side.
func (e *Engine) persistLinks(guid string, results []comparator.Result) error {
	if len(results) == 0 {
		return nil
	}

	forward := make([]durable.Link, 0, len(results))
	for _, r := range results {
		forward = append(forward, durable.Link{Other: r.Guid, Distance: r.Distance, N1: r.NOverlap.N1, N2: r.NOverlap.N2, NBoth: r.NOverlap.NBoth})
	}
	if err := e.durable.AppendLinks(guid, forward); err != nil {
		return neighbourerr.Wrap(neighbourerr.TransientBackend, err, "appending links for %q", guid)
	}
	for _, r := range results {
		reverse := durable.Link{Other: guid, Distance: r.Distance, N1: r.NOverlap.N2, N2: r.NOverlap.N1, NBoth: r.NOverlap.NBoth}
		if err := e.durable.AppendLinks(r.Guid, []durable.Link{reverse}); err != nil {
			return neighbourerr.Wrap(neighbourerr.TransientBackend, err, "appending reciprocal link %q -> %q", r.Guid, guid)
		}
	}
	return nil
}

// updateClusters implements step 6: add guid to every policy's graph,
// re-run the mixture test over whatever clusters changed, and persist
// each policy's graph snapshot.
func (e *Engine) updateClusters(guid string, results []comparator.Result) error {
	if e.manager == nil {
		return nil
	}
	edges := make([]cluster.Edge, 0, len(results))
	for _, r := range results {
		edges = append(edges, cluster.Edge{Guid: r.Guid, Distance: r.Distance})
	}
	if err := e.manager.OnInsert(guid, edges); err != nil {
		return err
	}
	for _, name := range e.manager.Policies() {
		g, err := e.manager.Graph(name)
		if err != nil {
			return err
		}
		snap := g.Export()
		blob, err := marshalSnapshot(snap)
		if err != nil {
			return fmt.Errorf("service: encoding cluster snapshot for policy %q: %w", name, err)
		}
		if err := e.durable.PutClusterSnapshot(name, durable.Snapshot{ChangeID: snap.ChangeID, Taken: time.Now(), Blob: blob}); err != nil {
			return neighbourerr.Wrap(neighbourerr.TransientBackend, err, "persisting cluster snapshot for policy %q", name)
		}
	}
	return nil
}

// Store exposes the bound Store for read-only queries (exists,
// sequence, annotation, guid listings); Engine itself only ever
// mutates it inside Insert's write lock.
func (e *Engine) Store() *store.Store { return e.store }

// Durable exposes the bound durable collaborator for read-only queries
// (links, cluster snapshots, config).
func (e *Engine) Durable() durable.Store { return e.durable }

// Manager exposes the bound cluster Manager for clustering queries.
func (e *Engine) Manager() *cluster.Manager { return e.manager }

// Compressor exposes the bound Compressor, for decompressing a stored
// record back into a raw sequence on read.
func (e *Engine) Compressor() *compressor.Compressor { return e.compressor }

// Sequence reconstructs guid's masked raw sequence. It fails with
// InputRejected if guid is not stored, and propagates InvalidSequence
// untouched if guid was stored as an invalid record.
func (e *Engine) Sequence(guid string) ([]byte, error) {
	rec, ok := e.store.Load(guid)
	if !ok {
		return nil, neighbourerr.New(neighbourerr.InputRejected, "guid %q is not stored", guid)
	}
	return e.compressor.Uncompress(rec, e.store.Consensus)
}

// RestoreClusterSnapshots reloads every configured policy's graph from
// its last persisted snapshot, for use once at startup before serving
// any request. Policies with no persisted snapshot are left as the
// empty graph Manager construction already gives them.
func (e *Engine) RestoreClusterSnapshots() error {
	if e.manager == nil {
		return nil
	}
	for _, name := range e.manager.Policies() {
		snap, ok, err := e.durable.GetClusterSnapshot(name)
		if err != nil {
			return fmt.Errorf("service: reading cluster snapshot for policy %q: %w", name, err)
		}
		if !ok {
			continue
		}
		graphSnap, err := unmarshalSnapshot(snap.Blob)
		if err != nil {
			return fmt.Errorf("service: decoding cluster snapshot for policy %q: %w", name, err)
		}
		if err := e.manager.Restore(name, graphSnap); err != nil {
			return err
		}
	}
	return nil
}

// RestoreStore repopulates the in-RAM store from every compressed
// record and quality annotation persisted durably, for use once at
// startup before serving any request. Links and cluster graphs are not
// recomputed here: they come back via RestoreClusterSnapshots, which
// does not depend on the in-RAM store being populated first.
func (e *Engine) RestoreStore() error {
	guids, err := e.durable.Guids()
	if err != nil {
		return fmt.Errorf("service: listing durable guids: %w", err)
	}
	for _, guid := range guids {
		raw, ok, err := e.durable.GetCompressed(guid)
		if err != nil {
			return fmt.Errorf("service: reading compressed record for %q: %w", guid, err)
		}
		if !ok {
			continue
		}
		rec, err := compressor.DecodeRecord(raw)
		if err != nil {
			return fmt.Errorf("service: decoding compressed record for %q: %w", guid, err)
		}
		q := store.Quality{}
		if dict, ok, err := e.durable.GetAnnotation(guid, "quality"); err != nil {
			return fmt.Errorf("service: reading quality annotation for %q: %w", guid, err)
		} else if ok {
			if p, err := strconv.ParseFloat(dict["quality"], 64); err == nil {
				q.Proportion = p
			}
			if t, err := time.Parse(time.RFC3339Nano, dict["examined"]); err == nil {
				q.Examined = t
			}
		}
		if err := e.store.Persist(guid, rec, q); err != nil {
			return fmt.Errorf("service: restoring %q into the store: %w", guid, err)
		}
	}
	return nil
}
