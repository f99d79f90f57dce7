// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgps/neighbour/internal/api"
	"github.com/cgps/neighbour/internal/applog"
)

var devLog bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Restore the store from disk and serve the Service API over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devLog, "dev", false, "use human-readable development logging instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
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

	handler := api.New(d.engine, d.ref, d.mask, log)
	srv := &http.Server{Addr: d.cfg.Addr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		log.Infow("serving", "addr", d.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-sigc:
		log.Infow("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
