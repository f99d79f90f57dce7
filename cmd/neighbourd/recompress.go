// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cgps/neighbour/internal/applog"
)

var recompressCutoffFlag float64

var recompressCmd = &cobra.Command{
	Use:   "recompress",
	Short: "Restore the store and run a batch consensus-compression pass over every sample",
	Long: `recompress restores the store from the durable collaborator, then runs
RecompressAround for every currently directly-stored sample, reporting
how many records were folded into a shared consensus. The durable
collaborator always keeps each sample's original, uncompressed record,
so this command's effect does not outlive the process: it exists to
size the achievable in-RAM savings and to warm a large store's
consensus structure before serve takes over the same data.`,
	RunE: runRecompress,
}

func init() {
	recompressCmd.Flags().Float64Var(&recompressCutoffFlag, "cutoff", 0.9, "consensus majority cutoff proportion")
}

func runRecompress(cmd *cobra.Command, args []string) error {
	log, err := applog.New(applog.Options{Development: devLog})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	d, err := setUp(configPath, log)
	if err != nil {
		return err
	}
	defer d.dur.Close()

	if err := d.restore(log); err != nil {
		return err
	}

	st := d.engine.Store()
	guids := st.Guids()
	seen := make(map[string]bool, len(guids))
	var consensi, recompressed int
	for _, guid := range guids {
		if seen[guid] {
			continue
		}
		if rec, ok := st.Load(guid); !ok || rec.Invalid {
			continue
		}
		_, n, err := st.RecompressAround(guid, recompressCutoffFlag)
		if err != nil {
			log.Warnw("skipping guid during recompression", "guid", guid, "error", err)
			continue
		}
		consensi++
		recompressed += n
		seen[guid] = true
	}
	removed := st.GCConsensi()

	fmt.Printf("built %s consensus sequences, folded %s records, garbage collected %s unreferenced consensi\n",
		humanize.Comma(int64(consensi)), humanize.Comma(int64(recompressed)), humanize.Comma(int64(removed)))
	return nil
}
