// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cgps/neighbour/internal/reference"
	"github.com/cgps/neighbour/internal/repeatmask"
)

var (
	maskRefPath   string
	maskOutPath   string
	maskMinPctID  float64
	maskMinLength int
	maskNear      int
)

var maskBuildCmd = &cobra.Command{
	Use:   "mask-build",
	Short: "Build an exclusion mask by aligning the reference against itself with BLAST",
	Long: `mask-build runs the self-search repeat-finding workflow (internal/repeatmask)
over a reference FASTA and writes the resulting excluded positions, one
per line, to the path mask.Load expects as a config file's mask_path.`,
	RunE: runMaskBuild,
}

func init() {
	maskBuildCmd.Flags().StringVar(&maskRefPath, "reference", "", "indexed reference FASTA path (required)")
	maskBuildCmd.Flags().StringVar(&maskOutPath, "out", "mask.txt", "output path for the position list")
	maskBuildCmd.Flags().Float64Var(&maskMinPctID, "min-pct-identity", 90, "discard self-hits below this percent identity")
	maskBuildCmd.Flags().IntVar(&maskMinLength, "min-length", 50, "discard self-hits shorter than this many bases")
	maskBuildCmd.Flags().IntVar(&maskNear, "near", 20, "merge self-hits within this many bases of each other")
	maskBuildCmd.MarkFlagRequired("reference") //nolint:errcheck
}

func runMaskBuild(cmd *cobra.Command, args []string) error {
	if maskRefPath == "" {
		return fmt.Errorf("mask-build: --reference is required")
	}
	ref, err := reference.Load(maskRefPath, "")
	if err != nil {
		return fmt.Errorf("mask-build: loading reference: %w", err)
	}

	opt := repeatmask.DefaultOptions()
	opt.MinPctIdentity = maskMinPctID
	opt.MinLength = maskMinLength
	opt.Near = maskNear
	opt.Logger = os.Stderr

	m, err := repeatmask.Build(ref, opt)
	if err != nil {
		return fmt.Errorf("mask-build: %w", err)
	}

	f, err := os.Create(maskOutPath)
	if err != nil {
		return fmt.Errorf("mask-build: creating %s: %w", maskOutPath, err)
	}
	defer f.Close()
	for _, p := range m.Positions() {
		if _, err := f.WriteString(strconv.Itoa(p) + "\n"); err != nil {
			return fmt.Errorf("mask-build: writing %s: %w", maskOutPath, err)
		}
	}

	fmt.Printf("wrote %d excluded positions (hash %s) to %s\n", m.Len(), m.Hash(), maskOutPath)
	return nil
}
