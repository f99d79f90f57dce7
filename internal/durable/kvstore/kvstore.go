// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kvstore implements internal/durable.Store over
// modernc.org/kv, following cmd/ins/fragment.go's transaction batching
// (BeginTransaction/Commit every N operations) and
// cmd/audit-ins-db's kv.Options{Compare: ...} key-ordering pattern.
package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"modernc.org/kv"

	"github.com/cgps/neighbour/internal/durable"
)

// Namespace byte prefixes, so one kv.DB can hold every table the
// durable collaborator needs without separate files.
const (
	prefixCompressed byte = 'c'
	prefixAnnotation byte = 'a'
	prefixLink       byte = 'l'
	prefixSnapshot   byte = 's'
	prefixConfig     byte = 'g'
)

// DefaultMaxNeighboursPerDocument bounds how many links Repack folds
// into one document, matching the repack invariant's own per-document
// cap.
const DefaultMaxNeighboursPerDocument = 200

// Store is a durable.Store backed by a single modernc.org/kv database.
type Store struct {
	db                       *kv.DB
	maxNeighboursPerDocument int
}

// compareKeys orders every key in the shared database first by
// namespace prefix, then lexicographically, so each namespace occupies
// a contiguous range that Seek can scan.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Open creates (or opens, if it already exists) the kv database at
// path.
func Open(path string) (*Store, error) {
	opts := &kv.Options{Compare: compareKeys}
	db, err := kv.Open(path, opts)
	if err != nil {
		db, err = kv.Create(path, opts)
		if err != nil {
			return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
		}
	}
	return &Store{db: db, maxNeighboursPerDocument: DefaultMaxNeighboursPerDocument}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(prefix byte, parts ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefix)
	for _, p := range parts {
		buf.WriteByte(0)
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// guidNamespace returns the scan prefix covering every link key for
// guid, and no other guid's keys: it ends in the part separator, so a
// guid that happens to be a byte-level prefix of another guid (e.g.
// "ab" and "abc") cannot collide.
func guidNamespace(prefix byte, guid string) []byte {
	return append(key(prefix, guid), 0)
}

// PutCompressed implements durable.Store.
func (s *Store) PutCompressed(guid string, record []byte) error {
	k := key(prefixCompressed, guid)
	existing, err := s.db.Get(nil, k)
	if err != nil {
		return fmt.Errorf("kvstore: PutCompressed(%q): %w", guid, err)
	}
	if existing != nil {
		return &durable.AlreadyExists{Guid: guid}
	}
	if err := s.db.Set(k, record); err != nil {
		return fmt.Errorf("kvstore: PutCompressed(%q): %w", guid, err)
	}
	return nil
}

// PutAnnotation implements durable.Store.
func (s *Store) PutAnnotation(guid, namespace string, dict map[string]string) error {
	v, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("kvstore: PutAnnotation(%q, %q): %w", guid, namespace, err)
	}
	if err := s.db.Set(key(prefixAnnotation, guid, namespace), v); err != nil {
		return fmt.Errorf("kvstore: PutAnnotation(%q, %q): %w", guid, namespace, err)
	}
	return nil
}

// GetAnnotation implements durable.Store.
func (s *Store) GetAnnotation(guid, namespace string) (map[string]string, bool, error) {
	v, err := s.db.Get(nil, key(prefixAnnotation, guid, namespace))
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: GetAnnotation(%q, %q): %w", guid, namespace, err)
	}
	if v == nil {
		return nil, false, nil
	}
	var dict map[string]string
	if err := json.Unmarshal(v, &dict); err != nil {
		return nil, false, fmt.Errorf("kvstore: GetAnnotation(%q, %q): %w", guid, namespace, err)
	}
	return dict, true, nil
}

// GetCompressed implements durable.Store.
func (s *Store) GetCompressed(guid string) ([]byte, bool, error) {
	v, err := s.db.Get(nil, key(prefixCompressed, guid))
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: GetCompressed(%q): %w", guid, err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// Guids implements durable.Store by scanning the compressed-record
// namespace, the same prefix-scan idiom links() uses for neighbour
// keys.
func (s *Store) Guids() ([]string, error) {
	prefix := []byte{prefixCompressed}
	it, _, err := s.db.Seek(prefix)
	if err != nil {
		return nil, fmt.Errorf("kvstore: Guids: %w", err)
	}
	var guids []string
	for {
		k, _, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kvstore: Guids: %w", err)
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		guids = append(guids, string(k[2:]))
	}
	return guids, nil
}

// AppendLinks implements durable.Store. Each link is stored under its
// own key (guid, other), so re-appending the same other replaces it:
// deduplication falls out of the key structure, not extra bookkeeping.
func (s *Store) AppendLinks(guid string, links []durable.Link) error {
	if len(links) == 0 {
		return nil
	}
	if err := s.db.BeginTransaction(); err != nil {
		return fmt.Errorf("kvstore: AppendLinks(%q): %w", guid, err)
	}
	for _, l := range links {
		v, err := json.Marshal(l)
		if err != nil {
			s.db.Rollback()
			return fmt.Errorf("kvstore: AppendLinks(%q): %w", guid, err)
		}
		if err := s.db.Set(key(prefixLink, guid, l.Other), v); err != nil {
			s.db.Rollback()
			return fmt.Errorf("kvstore: AppendLinks(%q): %w", guid, err)
		}
	}
	if err := s.db.Commit(); err != nil {
		return fmt.Errorf("kvstore: AppendLinks(%q): %w", guid, err)
	}
	return nil
}

// links returns every Link persisted for guid, scanning its namespace
// range directly (this also covers Repack's coalesced documents, which
// are stored under the same namespace keyed by chunk index instead of
// other-guid).
func (s *Store) links(guid string) ([]durable.Link, error) {
	prefix := guidNamespace(prefixLink, guid)
	it, hit, err := s.db.Seek(prefix)
	if err != nil {
		return nil, err
	}
	_ = hit
	var out []durable.Link
	for {
		k, v, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		var single durable.Link
		if err := json.Unmarshal(v, &single); err == nil && single.Other != "" {
			out = append(out, single)
			continue
		}
		var chunk []durable.Link
		if err := json.Unmarshal(v, &chunk); err != nil {
			return nil, fmt.Errorf("kvstore: links(%q): corrupt record at key %q: %w", guid, k, err)
		}
		out = append(out, chunk...)
	}
	return dedupLinks(out), nil
}

// dedupLinks keeps the last-seen record per Other guid, so overlapping
// single-link and repacked-chunk records coexisting mid-repack never
// double-count a neighbour.
func dedupLinks(in []durable.Link) []durable.Link {
	byOther := make(map[string]durable.Link, len(in))
	order := make([]string, 0, len(in))
	for _, l := range in {
		if _, ok := byOther[l.Other]; !ok {
			order = append(order, l.Other)
		}
		byOther[l.Other] = l
	}
	out := make([]durable.Link, 0, len(order))
	for _, o := range order {
		out = append(out, byOther[o])
	}
	return out
}

// GetLinks implements durable.Store.
func (s *Store) GetLinks(guid string, cutoff int, format durable.LinkFormat) ([]interface{}, error) {
	all, err := s.links(guid)
	if err != nil {
		return nil, fmt.Errorf("kvstore: GetLinks(%q): %w", guid, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })

	out := make([]interface{}, 0, len(all))
	for _, l := range all {
		if l.Distance > cutoff {
			continue
		}
		switch format {
		case durable.FormatFull:
			out = append(out, []interface{}{l.Other, l.Distance, l.N1, l.N2, l.NBoth})
		case durable.FormatGuidOnly:
			out = append(out, l.Other)
		case durable.FormatMap:
			out = append(out, map[string]int{l.Other: l.Distance})
		default:
			out = append(out, []interface{}{l.Other, l.Distance})
		}
	}
	return out, nil
}

// Repack implements durable.Store: it reads every link record under
// guid's namespace, discards the stale per-neighbour and chunk keys,
// and rewrites the links as chunks of at most
// maxNeighboursPerDocument, each keyed by a zero-padded chunk index so
// the namespace prefix scan in links() still finds them. Running this
// twice with no intervening AppendLinks produces byte-identical chunk
// documents, so it is safe under concurrent or repeated invocation.
func (s *Store) Repack(guid string) error {
	all, err := s.links(guid)
	if err != nil {
		return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Other < all[j].Other })

	if err := s.db.BeginTransaction(); err != nil {
		return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
	}
	if err := s.deleteNamespace(guidNamespace(prefixLink, guid)); err != nil {
		s.db.Rollback()
		return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
	}
	for i := 0; i < len(all); i += s.maxNeighboursPerDocument {
		end := i + s.maxNeighboursPerDocument
		if end > len(all) {
			end = len(all)
		}
		chunk := all[i:end]
		v, err := json.Marshal(chunk)
		if err != nil {
			s.db.Rollback()
			return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
		}
		chunkKey := key(prefixLink, guid, fmt.Sprintf("chunk:%08d", i/s.maxNeighboursPerDocument))
		if err := s.db.Set(chunkKey, v); err != nil {
			s.db.Rollback()
			return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
		}
	}
	if err := s.db.Commit(); err != nil {
		return fmt.Errorf("kvstore: Repack(%q): %w", guid, err)
	}
	return nil
}

// deleteNamespace removes every key with the given prefix. Callers must
// be inside a transaction.
func (s *Store) deleteNamespace(prefix []byte) error {
	it, _, err := s.db.Seek(prefix)
	if err != nil {
		return err
	}
	var victims [][]byte
	for {
		k, _, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		victims = append(victims, append([]byte(nil), k...))
	}
	for _, k := range victims {
		if err := s.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

type snapshotRecord struct {
	ChangeID uint64    `json:"change_id"`
	Taken    time.Time `json:"taken"`
	Blob     []byte    `json:"blob"`
}

// PutClusterSnapshot implements durable.Store.
func (s *Store) PutClusterSnapshot(policy string, snap durable.Snapshot) error {
	v, err := json.Marshal(snapshotRecord{ChangeID: snap.ChangeID, Taken: snap.Taken, Blob: snap.Blob})
	if err != nil {
		return fmt.Errorf("kvstore: PutClusterSnapshot(%q): %w", policy, err)
	}
	if err := s.db.Set(key(prefixSnapshot, policy), v); err != nil {
		return fmt.Errorf("kvstore: PutClusterSnapshot(%q): %w", policy, err)
	}
	return nil
}

// GetClusterSnapshot implements durable.Store.
func (s *Store) GetClusterSnapshot(policy string) (durable.Snapshot, bool, error) {
	v, err := s.db.Get(nil, key(prefixSnapshot, policy))
	if err != nil {
		return durable.Snapshot{}, false, fmt.Errorf("kvstore: GetClusterSnapshot(%q): %w", policy, err)
	}
	if v == nil {
		return durable.Snapshot{}, false, nil
	}
	var rec snapshotRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return durable.Snapshot{}, false, fmt.Errorf("kvstore: GetClusterSnapshot(%q): corrupt record: %w", policy, err)
	}
	return durable.Snapshot{ChangeID: rec.ChangeID, Taken: rec.Taken, Blob: rec.Blob}, true, nil
}

// PutConfig implements durable.Store.
func (s *Store) PutConfig(k string, dict map[string]string) error {
	v, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("kvstore: PutConfig(%q): %w", k, err)
	}
	if err := s.db.Set(key(prefixConfig, k), v); err != nil {
		return fmt.Errorf("kvstore: PutConfig(%q): %w", k, err)
	}
	return nil
}

// GetConfig implements durable.Store.
func (s *Store) GetConfig(k string) (map[string]string, bool, error) {
	v, err := s.db.Get(nil, key(prefixConfig, k))
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: GetConfig(%q): %w", k, err)
	}
	if v == nil {
		return nil, false, nil
	}
	var dict map[string]string
	if err := json.Unmarshal(v, &dict); err != nil {
		return nil, false, fmt.Errorf("kvstore: GetConfig(%q): corrupt record: %w", k, err)
	}
	return dict, true, nil
}

// IsFirstRun implements durable.Store: true iff no config key has ever
// been persisted.
func (s *Store) IsFirstRun() (bool, error) {
	prefix := []byte{prefixConfig}
	it, _, err := s.db.Seek(prefix)
	if err != nil {
		return false, fmt.Errorf("kvstore: IsFirstRun: %w", err)
	}
	k, _, err := it.Next()
	if err != nil {
		if err == io.EOF {
			return true, nil
		}
		return false, fmt.Errorf("kvstore: IsFirstRun: %w", err)
	}
	return !bytes.HasPrefix(k, prefix), nil
}

var _ durable.Store = (*Store)(nil)
