// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package repeatmask builds a reference exclusion mask by aligning a
// reference genome against itself with BLAST and flattening the
// resulting self-similar regions into masked ranges. It is the
// self-search half of the repeat-masking workflow cmd/ins/blast.go
// originally ran against a library of known repeat families; here the
// "library" is the reference itself, used to find and exclude the
// regions most prone to spurious variant calls (multi-copy genes,
// transposase remnants, rRNA operons).
package repeatmask

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cgps/neighbour/blast"
	"github.com/cgps/neighbour/internal/fastaio"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/reference"
)

// Options configures a self-search.
type Options struct {
	// MinPctIdentity discards hits scoring below this percent identity.
	MinPctIdentity float64
	// MinLength discards hits shorter than this many bases.
	MinLength int
	// Near merges two hits on the same strand into one masked region
	// when they are within this many bases of each other, mirroring
	// the neighbour-joining cmd/ins/fragment.go performs on raw BLAST
	// coordinates before the repeat library is finalised.
	Near int
	// MakeDBFlags and SearchFlags are passed through to makeblastdb and
	// blastn respectively, unvalidated, the same as cmd/ins's -mflags
	// and -bflags.
	MakeDBFlags, SearchFlags string
	// Logger receives the stdout/stderr of the invoked BLAST tools, if
	// non-nil.
	Logger io.Writer
}

// DefaultOptions matches the thresholds cmd/ins applies to its
// reciprocal-search repeat library.
func DefaultOptions() Options {
	return Options{MinPctIdentity: 90, MinLength: 50, Near: 20}
}

// Build runs a self-against-self nucleotide search over ref and returns
// a Mask covering every region found to recur elsewhere in the
// reference, excluding the trivial identity alignment of the whole
// sequence against itself.
func Build(ref *reference.Reference, opt Options) (*mask.Mask, error) {
	dir, err := os.MkdirTemp("", "repeatmask-*")
	if err != nil {
		return nil, fmt.Errorf("repeatmask: %w", err)
	}
	defer os.RemoveAll(dir)

	dbPath := dir + "/self.fasta"
	f, err := os.Create(dbPath)
	if err != nil {
		return nil, fmt.Errorf("repeatmask: %w", err)
	}
	werr := fastaio.Write(f, ref.Name(), ref.Bytes())
	cerr := f.Close()
	if werr != nil {
		return nil, fmt.Errorf("repeatmask: %w", werr)
	}
	if cerr != nil {
		return nil, fmt.Errorf("repeatmask: %w", cerr)
	}

	mkdb, err := blast.MakeDB{DBType: "nucl", In: dbPath, Out: dbPath, ExtraFlags: opt.MakeDBFlags}.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("repeatmask: building makeblastdb command: %w", err)
	}
	mkdb.Stdout, mkdb.Stderr = opt.Logger, opt.Logger
	if err := mkdb.Run(); err != nil {
		return nil, fmt.Errorf("repeatmask: makeblastdb: %w", err)
	}

	search := blast.Nucleic{
		Database:      dbPath,
		Query:         dbPath,
		OutFormat:     6,
		ParseDeflines: true,
		ExtraFlags:    opt.SearchFlags,
	}
	blastn, err := search.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("repeatmask: building blastn command: %w", err)
	}
	var stdout bytes.Buffer
	blastn.Stdout = &stdout
	blastn.Stderr = opt.Logger
	if err := blastn.Run(); err != nil {
		return nil, fmt.Errorf("repeatmask: blastn: %w", err)
	}

	hits, err := blast.ParseTabular(&stdout, 0)
	if err != nil {
		return nil, fmt.Errorf("repeatmask: parsing blastn output: %w", err)
	}

	ranges := flatten(filter(hits, ref.Name(), opt), opt.Near)
	return mask.NewFromRanges(ranges), nil
}

// filter drops the trivial whole-sequence self-alignment and any hit
// below the configured quality thresholds.
func filter(hits []blast.Record, name string, opt Options) []blast.Record {
	out := hits[:0:0]
	for _, h := range hits {
		if h.QueryAccVer == name && h.SubjectAccVer == name &&
			h.QueryStart == h.SubjectStart && h.QueryEnd == h.SubjectEnd {
			continue
		}
		if h.PctIdentity < opt.MinPctIdentity || h.AlignmentLength < opt.MinLength {
			continue
		}
		out = append(out, h)
	}
	return out
}

// flatten consolidates hits into masked ranges over subject coordinates,
// merging same-strand hits that lie within near bases of each other, the
// same adjacency rule cmd/ins/fragment.go applies when aggregating raw
// BLAST hits into regions.
func flatten(hits []blast.Record, near int) []mask.Range {
	keys := make([]blast.RecordKey, len(hits))
	for i, h := range hits {
		keys[i] = blast.MarshalRecordKey(h)
	}
	sort.Slice(keys, func(i, j int) bool {
		return blast.BySubjectPosition(keys[i], keys[j]) < 0
	})

	var ranges []mask.Range
	var lastStrand int8
	for _, k := range keys {
		left, right := int(k.SubjectLeft), int(k.SubjectRight)
		if n := len(ranges); n > 0 && k.Strand == lastStrand && left-ranges[n-1].End <= near {
			if right > ranges[n-1].End {
				ranges[n-1].End = right
			}
			continue
		}
		ranges = append(ranges, mask.Range{Start: left, End: right})
		lastStrand = k.Strand
	}
	return ranges
}
