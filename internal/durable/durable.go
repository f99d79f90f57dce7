// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package durable defines the collaborator the core insert pipeline
// writes through once a sample has been compressed and compared: the
// at-least-once idempotent operations a storage backend must provide
// (compressed-record persistence, annotation upsert, neighbour-link
// bookkeeping with background repack, cluster snapshots, and
// config persistence). internal/durable/kvstore is the default
// implementation, over modernc.org/kv.
package durable

import "time"

// LinkFormat selects the shape GetLinks renders its result in.
type LinkFormat int

const (
	// FormatPair renders [guid,dist].
	FormatPair LinkFormat = iota
	// FormatFull renders [guid,dist,n1,n2,nboth].
	FormatFull
	// FormatGuidOnly renders [guid].
	FormatGuidOnly
	// FormatMap renders {guid: dist}.
	FormatMap
)

// Link is one neighbour edge as persisted by AppendLinks.
type Link struct {
	Other         string
	Distance      int
	N1, N2, NBoth int
}

// AlreadyExists distinguishes PutCompressed's non-fatal duplicate signal
// from any other failure, so crash-recovery retries can treat it as a
// success.
type AlreadyExists struct{ Guid string }

func (e *AlreadyExists) Error() string { return "durable: " + e.Guid + " already exists" }

// Store is the durable collaborator's contract.
type Store interface {
	// PutCompressed stores guid's compressed record, encoded by the
	// caller. It returns *AlreadyExists, never overwriting, if guid is
	// already stored.
	PutCompressed(guid string, record []byte) error
	// PutAnnotation upserts guid's dict under namespace.
	PutAnnotation(guid, namespace string, dict map[string]string) error
	// GetAnnotation returns guid's dict under namespace, if any.
	GetAnnotation(guid, namespace string) (dict map[string]string, ok bool, err error)
	// GetCompressed returns guid's compressed record payload, as given
	// to PutCompressed.
	GetCompressed(guid string) (record []byte, ok bool, err error)
	// Guids returns every guid with a stored compressed record, for
	// rebuilding the in-RAM store at startup.
	Guids() ([]string, error)
	// AppendLinks deduplicating-appends guid's neighbour links: a link
	// to the same Other guid replaces the previous one.
	AppendLinks(guid string, links []Link) error
	// GetLinks returns guid's neighbours at distance <= cutoff, in the
	// given format.
	GetLinks(guid string, cutoff int, format LinkFormat) ([]interface{}, error)
	// Repack coalesces guid's accumulated single-neighbour link records
	// into fewer multi-neighbour documents, bounded by
	// maxNeighboursPerDocument. Safe to call concurrently with readers
	// and with itself.
	Repack(guid string) error
	// PutClusterSnapshot replaces the stored snapshot for policy.
	PutClusterSnapshot(policy string, snap Snapshot) error
	// GetClusterSnapshot returns policy's stored snapshot, if any.
	GetClusterSnapshot(policy string) (snap Snapshot, ok bool, err error)
	// PutConfig upserts the dict stored under key.
	PutConfig(key string, dict map[string]string) error
	// GetConfig returns the dict stored under key, if any.
	GetConfig(key string) (dict map[string]string, ok bool, err error)
	// IsFirstRun reports whether no configuration has ever been
	// persisted to this store.
	IsFirstRun() (bool, error)
	// Close releases any held resources.
	Close() error
}

// Snapshot is the envelope PutClusterSnapshot/GetClusterSnapshot carry,
// letting callers distinguish a stale snapshot from a current one
// without separately persisting the change_id.
type Snapshot struct {
	ChangeID uint64
	Taken    time.Time
	Blob     []byte
}
