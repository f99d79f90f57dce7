// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads neighbourd's YAML configuration and reconciles
// it against whatever was persisted to the durable store on a previous
// run, refusing to start on drift per spec.md §6's persisted-state
// compatibility rule.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/cgps/neighbour/internal/cluster"
	"github.com/cgps/neighbour/internal/durable"
	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/neighbourerr"
)

// PolicyConfig is one clustering policy as read from YAML.
type PolicyConfig struct {
	Name          string  `mapstructure:"name" yaml:"name"`
	SNVThreshold  int     `mapstructure:"snv_threshold" yaml:"snv_threshold"`
	UncertainType string  `mapstructure:"uncertain_type" yaml:"uncertain_type"`
	Management    string  `mapstructure:"mixed_sample_management" yaml:"mixed_sample_management"`
	Criterion     string  `mapstructure:"criterion" yaml:"criterion"`
	Cutoff        float64 `mapstructure:"cutoff" yaml:"cutoff"`
}

// Config is neighbourd's top-level configuration, and the subset of it
// that is fixed at first run and checked for drift on every subsequent
// run.
type Config struct {
	ReferencePath string         `mapstructure:"reference_path" yaml:"reference_path"`
	MaskPath      string         `mapstructure:"mask_path" yaml:"mask_path"`
	SNPCeiling    int            `mapstructure:"snp_ceiling" yaml:"snp_ceiling"`
	MaxNThreshold int            `mapstructure:"max_n_threshold" yaml:"max_n_threshold"`
	Policies      []PolicyConfig `mapstructure:"policies" yaml:"policies"`

	Addr    string `mapstructure:"addr" yaml:"addr"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
	Workers int    `mapstructure:"workers" yaml:"workers"`

	// RecompressFrequency, if > 0, enables periodic consensus-based
	// recompression every that many inserts. RecompressCutoff is the
	// consensus majority cutoff proportion used when it fires.
	RecompressFrequency int     `mapstructure:"recompress_frequency" yaml:"recompress_frequency"`
	RecompressCutoff    float64 `mapstructure:"recompress_cutoff" yaml:"recompress_cutoff"`
}

// Load reads configuration from path (YAML) via viper, returning
// defaults for anything unset.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("snp_ceiling", 20)
	v.SetDefault("max_n_threshold", 0)
	v.SetDefault("addr", ":8080")
	v.SetDefault("workers", 0)
	v.SetDefault("recompress_frequency", 0)
	v.SetDefault("recompress_cutoff", 0.9)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ClusterPolicies translates the YAML policy list into
// internal/cluster.Policy values.
func (c Config) ClusterPolicies() ([]cluster.Policy, error) {
	out := make([]cluster.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		uncertain, err := parseUncertainType(p.UncertainType)
		if err != nil {
			return nil, fmt.Errorf("config: policy %q: %w", p.Name, err)
		}
		management, err := parseManagement(p.Management)
		if err != nil {
			return nil, fmt.Errorf("config: policy %q: %w", p.Name, err)
		}
		criterion, err := parseCriterion(p.Criterion)
		if err != nil {
			return nil, fmt.Errorf("config: policy %q: %w", p.Name, err)
		}
		out = append(out, cluster.Policy{
			Name:          p.Name,
			SNVThreshold:  p.SNVThreshold,
			UncertainType: uncertain,
			Management:    management,
			Criterion:     criterion,
			Cutoff:        p.Cutoff,
		})
	}
	return out, nil
}

func parseUncertainType(s string) (mixture.UncertainBaseType, error) {
	switch strings.ToUpper(s) {
	case "N", "":
		return mixture.N, nil
	case "M":
		return mixture.M, nil
	case "N_OR_M", "NORM":
		return mixture.NorM, nil
	default:
		return 0, fmt.Errorf("unknown uncertain_type %q", s)
	}
}

func parseManagement(s string) (cluster.MixedSampleManagement, error) {
	switch strings.ToLower(s) {
	case "ignore", "":
		return cluster.Ignore, nil
	case "exclude":
		return cluster.Exclude, nil
	case "include":
		return cluster.Include, nil
	default:
		return 0, fmt.Errorf("unknown mixed_sample_management %q", s)
	}
}

func parseCriterion(s string) (mixture.Criterion, error) {
	switch strings.ToLower(s) {
	case "p1", "p_value1", "":
		return mixture.P1, nil
	case "p2", "p_value2":
		return mixture.P2, nil
	case "p3", "p_value3":
		return mixture.P3, nil
	default:
		return 0, fmt.Errorf("unknown criterion %q", s)
	}
}

// fingerprint is the subset of Config spec.md §6 fixes at first run:
// reference, mask, snpCeiling, maxN threshold, and the clustering
// policies. It is what gets persisted and compared for drift.
func (c Config) fingerprint() map[string]string {
	f := map[string]string{
		"reference_path":  c.ReferencePath,
		"mask_path":       c.MaskPath,
		"snp_ceiling":     strconv.Itoa(c.SNPCeiling),
		"max_n_threshold": strconv.Itoa(c.MaxNThreshold),
	}
	names := make([]string, 0, len(c.Policies))
	for _, p := range c.Policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	byName := make(map[string]PolicyConfig, len(c.Policies))
	for _, p := range c.Policies {
		byName[p.Name] = p
	}
	for _, n := range names {
		p := byName[n]
		f["policy."+n] = fmt.Sprintf("%d:%s:%s:%s:%g", p.SNVThreshold, p.UncertainType, p.Management, p.Criterion, p.Cutoff)
	}
	return f
}

// ReconcilePersisted checks c against whatever configuration was
// persisted to store on a previous run. On first run it persists c's
// fingerprint and returns nil. On a subsequent run it returns
// StateConflict if any fixed field differs, and nil if they all match.
func ReconcilePersisted(store durable.Store, c Config) error {
	first, err := store.IsFirstRun()
	if err != nil {
		return fmt.Errorf("config: checking first run: %w", err)
	}
	fp := c.fingerprint()
	if first {
		if err := store.PutConfig("main", fp); err != nil {
			return fmt.Errorf("config: persisting initial configuration: %w", err)
		}
		return nil
	}

	persisted, ok, err := store.GetConfig("main")
	if err != nil {
		return fmt.Errorf("config: reading persisted configuration: %w", err)
	}
	if !ok {
		// IsFirstRun said otherwise but the config key is gone; treat
		// this as drift rather than silently re-adopting c.
		return neighbourerr.New(neighbourerr.StateConflict, "durable store reports a previous run but no configuration is persisted")
	}
	var diffs []string
	for k, v := range fp {
		if persisted[k] != v {
			diffs = append(diffs, fmt.Sprintf("%s: persisted=%q configured=%q", k, persisted[k], v))
		}
	}
	for k := range persisted {
		if _, ok := fp[k]; !ok {
			diffs = append(diffs, fmt.Sprintf("%s: persisted=%q configured=<removed>", k, persisted[k]))
		}
	}
	if len(diffs) > 0 {
		sort.Strings(diffs)
		return neighbourerr.New(neighbourerr.StateConflict, "configuration differs from the persisted store: %s", strings.Join(diffs, "; "))
	}
	return nil
}
