// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reference loads and validates the fixed baseline sequence
// against which all samples are stored as differences, using an indexed
// FASTA file so that a specific contig can be pulled without reading the
// whole file into memory first.
package reference

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/biogo/hts/fai"

	"github.com/cgps/neighbour/internal/neighbourerr"
)

// Reference is an immutable byte string over {A,C,G,T}.
type Reference struct {
	name string
	seq  []byte
}

// allowed is the alphabet a reference sequence may be built from.
const allowed = "ACGT"

// New validates raw and returns a Reference, rejecting it if any symbol
// outside {A,C,G,T} appears.
func New(name string, raw []byte) (*Reference, error) {
	up := make([]byte, len(raw))
	for i, b := range raw {
		up[i] = upper(b)
	}
	for i, b := range up {
		if strings.IndexByte(allowed, b) < 0 {
			return nil, neighbourerr.New(neighbourerr.InputRejected,
				"reference %q contains disallowed symbol %q at position %d", name, b, i)
		}
	}
	return &Reference{name: name, seq: up}, nil
}

func upper(b byte) byte {
	if 'a' <= b && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// Load reads a single-contig reference from an indexed FASTA file,
// taking the first record unless contig is non-empty. If path+".fai"
// does not already exist, an index is built from the FASTA file.
func Load(path, contig string) (*Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reference %s: %w", path, err)
	}
	defer f.Close()

	var idx fai.Index
	fi, err := os.Open(path + ".fai")
	if err == nil {
		idx, err = fai.ReadFrom(fi)
		fi.Close()
		if err != nil {
			return nil, fmt.Errorf("reading fasta index for %s: %w", path, err)
		}
	} else {
		idx, err = fai.NewIndex(f)
		if err != nil {
			return nil, fmt.Errorf("indexing reference %s: %w", path, err)
		}
		_, err = f.Seek(0, 0)
		if err != nil {
			return nil, err
		}
	}

	if contig == "" {
		first := int64(-1)
		for name, r := range idx {
			if first < 0 || r.Start < first {
				contig, first = name, r.Start
			}
		}
	}
	rec, ok := idx[contig]
	if !ok {
		return nil, neighbourerr.New(neighbourerr.InputRejected, "contig %q not found in %s", contig, path)
	}
	fa := fai.NewFile(f, idx)
	rc, err := fa.SeqRange(contig, 0, rec.Length)
	if err != nil {
		return nil, fmt.Errorf("reading sequence range for %s: %w", contig, err)
	}
	raw, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading sequence body for %s: %w", contig, err)
	}
	return New(contig, raw)
}

// Name returns the reference's identifier.
func (r *Reference) Name() string { return r.name }

// Len returns the reference length L.
func (r *Reference) Len() int { return len(r.seq) }

// At returns the reference symbol at position p.
func (r *Reference) At(p int) byte { return r.seq[p] }

// Bytes returns the raw reference bytes. The caller must not mutate the
// returned slice.
func (r *Reference) Bytes() []byte { return r.seq }
