// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fastaio reads single-record FASTA sample sequences for
// ingestion by internal/compressor, and writes FASTA for
// internal/repeatmask's self-search input.
package fastaio

import (
	"fmt"
	"io"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
)

// ReadOne reads exactly one FASTA record from src and returns its guid
// (the record ID) and raw sequence bytes. It rejects input containing
// more than one record: a sample submission is one genome, not a batch.
func ReadOne(src io.Reader) (guid string, raw []byte, err error) {
	sc := seqio.NewScanner(fasta.NewReader(src, linear.NewSeq("", nil, alphabet.DNA)))
	if !sc.Next() {
		if err := sc.Error(); err != nil {
			return "", nil, fmt.Errorf("error during sequence read: %w", err)
		}
		return "", nil, fmt.Errorf("no sequence found in input")
	}
	seq := sc.Seq().(*linear.Seq)
	guid = seq.ID
	raw = make([]byte, seq.Len())
	for i := range raw {
		raw[i] = byte(seq.Seq[i].Letter())
	}
	if sc.Next() {
		return "", nil, fmt.Errorf("expected a single sequence, found more than one (second id %q)", sc.Seq().Name())
	}
	if err := sc.Error(); err != nil {
		return "", nil, fmt.Errorf("error during sequence read: %w", err)
	}
	return guid, raw, nil
}

// ReadAll reads every FASTA record from src, returning a guid->sequence
// map, for bulk-loading a batch of samples. It rejects duplicate ids.
func ReadAll(src io.Reader) (map[string][]byte, error) {
	sc := seqio.NewScanner(fasta.NewReader(src, linear.NewSeq("", nil, alphabet.DNA)))
	out := make(map[string][]byte)
	for sc.Next() {
		seq := sc.Seq().(*linear.Seq)
		raw := make([]byte, seq.Len())
		for i := range raw {
			raw[i] = byte(seq.Seq[i].Letter())
		}
		if _, ok := out[seq.ID]; ok {
			return nil, fmt.Errorf("non-unique sequence id in input: %q", seq.ID)
		}
		out[seq.ID] = raw
	}
	if err := sc.Error(); err != nil {
		return nil, fmt.Errorf("error during sequence read: %w", err)
	}
	return out, nil
}

// Write writes one FASTA record (id, raw sequence) to dst, wrapped at 60
// columns, matching cmd/ins/fragment.go's split output format.
func Write(dst io.Writer, id string, raw []byte) error {
	seq := linear.NewSeq(id, alphabet.BytesToLetters(raw), alphabet.DNA)
	_, err := fmt.Fprintf(dst, "%60a\n", seq)
	if err != nil {
		return fmt.Errorf("error writing fasta record %q: %w", id, err)
	}
	return nil
}
