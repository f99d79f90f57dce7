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

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report on a store's contents without starting the HTTP service",
	RunE:  runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
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

	guids := d.engine.Store().Guids()
	fmt.Printf("reference: %d nt, mask: %s excluded (%d positions)\n", d.ref.Len(), d.mask.Hash(), d.mask.Len())
	fmt.Printf("stored samples: %s\n", humanize.Comma(int64(len(guids))))

	for _, name := range d.engine.Manager().Policies() {
		g, err := d.engine.Manager().Graph(name)
		if err != nil {
			return err
		}
		clusters := g.Clusters()
		fmt.Printf("policy %q: change_id=%d clusters=%s\n", name, g.ChangeID(), humanize.Comma(int64(len(clusters))))
	}
	return nil
}
