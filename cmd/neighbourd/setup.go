// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cgps/neighbour/internal/cluster"
	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/config"
	"github.com/cgps/neighbour/internal/durable"
	"github.com/cgps/neighbour/internal/durable/kvstore"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/reference"
	"github.com/cgps/neighbour/internal/service"
	"github.com/cgps/neighbour/internal/store"
)

// deployment bundles every collaborator a subcommand needs, and the
// durable store so callers can Close it on exit.
type deployment struct {
	cfg    config.Config
	ref    *reference.Reference
	mask   *mask.Mask
	engine *service.Engine
	dur    durable.Store
}

// setUp reads cfgPath, opens the durable store, and wires the core
// collaborators together without running any restore pass: callers
// decide whether they need RestoreStore/RestoreClusterSnapshots.
func setUp(cfgPath string, log *zap.SugaredLogger) (*deployment, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	ref, err := reference.Load(cfg.ReferencePath, "")
	if err != nil {
		return nil, fmt.Errorf("loading reference: %w", err)
	}
	m, err := mask.Load(cfg.MaskPath)
	if err != nil {
		return nil, fmt.Errorf("loading mask: %w", err)
	}
	log.Infow("loaded reference and mask", "reference_len", ref.Len(), "mask_len", m.Len(), "mask_hash", m.Hash())

	dur, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening durable store %s: %w", cfg.DBPath, err)
	}
	if err := config.ReconcilePersisted(dur, cfg); err != nil {
		dur.Close()
		return nil, err
	}

	cmp := compressor.New(ref, m, cfg.MaxNThreshold)
	st := store.New(
		store.WithGenomeLength(ref.Len()),
		store.WithWorkers(cfg.Workers),
		store.WithSNPCompressionCeiling(cfg.SNPCeiling),
	)

	policies, err := cfg.ClusterPolicies()
	if err != nil {
		dur.Close()
		return nil, fmt.Errorf("parsing clustering policies: %w", err)
	}
	mgr := cluster.NewManager(policies, st, 30)

	var opts []service.Option
	if cfg.RecompressFrequency > 0 {
		opts = append(opts, service.WithRecompression(cfg.RecompressFrequency, cfg.RecompressCutoff))
	}
	engine := service.NewEngine(cmp, st, dur, mgr, cfg.SNPCeiling, opts...)

	return &deployment{cfg: cfg, ref: ref, mask: m, engine: engine, dur: dur}, nil
}

// restore replays the durable store's compressed records and cluster
// snapshots into the fresh in-RAM collaborators built by setUp.
func (d *deployment) restore(log *zap.SugaredLogger) error {
	log.Info("restoring store from durable collaborator")
	if err := d.engine.RestoreStore(); err != nil {
		return fmt.Errorf("restoring store: %w", err)
	}
	if err := d.engine.RestoreClusterSnapshots(); err != nil {
		return fmt.Errorf("restoring cluster snapshots: %w", err)
	}
	log.Infow("restore complete", "guids", len(d.engine.Store().Guids()))
	return nil
}
