// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command neighbourd serves the bacterial-genome reference-compressed
// sequence store described by internal/service.Engine: insert, compare,
// cluster and query over HTTP (serve), report on a store's contents
// without serving (audit), and trigger a batch consensus-compression
// pass (recompress).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "neighbourd",
	Short: "Reference-compressed genome neighbour store and clustering service",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "neighbourd.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, auditCmd, recompressCmd, maskBuildCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
