// bidspipe: batch orchestration for BIDS neuroimaging pipelines.
// Copyright (c) 2023-2025 Neuroscale Computing NV.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/neuroscale/bidspipe/blob/master/LICENSE.txt>.

// Package study loads the HCL study file that describes a dataset and
// the settings shared by all bidspipe commands working on it. Command
// line flags override study file values, and every command works
// without a study file on defaults.
package study

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// DefaultFilename is looked for in the working directory when no
// -study flag is given.
const DefaultFilename = "study.hcl"

// Container describes how external tools are wrapped. Runtime none
// runs tools straight from PATH.
type Container struct {
	Runtime string   `hcl:"runtime,optional"`
	MRIQC   string   `hcl:"mriqc,optional"`
	Binds   []string `hcl:"binds,optional"`
}

// Resources carries the per-job requirements fed into the planner.
type Resources struct {
	MemPerJobGB float64 `hcl:"mem_per_job,optional"`
	SafeMem     float64 `hcl:"safe_mem,optional"`
	Threads     int     `hcl:"threads,optional"`
}

// QC configures the flagging pass over aggregated metrics: absolute
// bounds per metric, and the set of metrics checked against IQR
// fences.
type QC struct {
	IQRScale    float64
	FlagMetrics []string
	Max         map[string]float64
	Min         map[string]float64
}

// Slurm carries scheduler directives for array scripts.
type Slurm struct {
	Partition string `hcl:"partition,optional"`
	Time      string `hcl:"time,optional"`
	Account   string `hcl:"account,optional"`
}

// Config is a fully defaulted and validated study configuration.
type Config struct {
	Name        string
	BIDSRoot    string
	Derivatives string
	Container   Container
	Resources   Resources
	QC          QC
	Slurm       Slurm
}

// qcBlock is the wire form of the qc block. Absolute bounds are
// written either as max/min maps or as flat max_<metric> and
// min_<metric> attributes; the flat attributes land in Remain and are
// folded into the maps after decoding.
type qcBlock struct {
	IQRScale    float64            `hcl:"iqr_scale,optional"`
	FlagMetrics []string           `hcl:"flag_metrics,optional"`
	Max         map[string]float64 `hcl:"max,optional"`
	Min         map[string]float64 `hcl:"min,optional"`
	Remain      hcl.Body           `hcl:",remain"`
}

func (b *qcBlock) fold(ctx *hcl.EvalContext) (QC, error) {
	qc := QC{
		IQRScale:    b.IQRScale,
		FlagMetrics: b.FlagMetrics,
		Max:         b.Max,
		Min:         b.Min,
	}
	attrs, diags := b.Remain.JustAttributes()
	if diags.HasErrors() {
		return QC{}, diags
	}
	for name, attr := range attrs {
		var bounds *map[string]float64
		var metric string
		switch {
		case strings.HasPrefix(name, "max_"):
			bounds, metric = &qc.Max, strings.TrimPrefix(name, "max_")
		case strings.HasPrefix(name, "min_"):
			bounds, metric = &qc.Min, strings.TrimPrefix(name, "min_")
		}
		if metric == "" {
			return QC{}, errors.Errorf("%v: unsupported qc argument %v, want iqr_scale, flag_metrics, max, min, or max_/min_<metric>", attr.Range, name)
		}
		value, valueDiags := attr.Expr.Value(ctx)
		if valueDiags.HasErrors() {
			return QC{}, valueDiags
		}
		var bound float64
		if err := gocty.FromCtyValue(value, &bound); err != nil {
			return QC{}, errors.Wrapf(err, "qc argument %v", name)
		}
		if *bounds == nil {
			*bounds = make(map[string]float64)
		}
		(*bounds)[metric] = bound
	}
	return qc, nil
}

type studyBlock struct {
	Name        string     `hcl:"name,label"`
	BIDSRoot    string     `hcl:"bids_root"`
	Derivatives string     `hcl:"derivatives,optional"`
	Container   *Container `hcl:"container,block"`
	Resources   *Resources `hcl:"resources,block"`
	QC          *qcBlock   `hcl:"qc,block"`
	Slurm       *Slurm     `hcl:"slurm,block"`
}

type fileRoot struct {
	Studies []*studyBlock `hcl:"study,block"`
}

// Default returns the configuration used when no study file is in
// play.
func Default(bidsRoot string) Config {
	cfg := Config{
		Name:     "default",
		BIDSRoot: bidsRoot,
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Derivatives == "" {
		cfg.Derivatives = "derivatives"
	}
	if cfg.Container.Runtime == "" {
		cfg.Container.Runtime = "none"
	}
	if cfg.Resources.MemPerJobGB == 0 {
		cfg.Resources.MemPerJobGB = 8
	}
	if cfg.Resources.SafeMem == 0 {
		cfg.Resources.SafeMem = 0.9
	}
	if cfg.QC.IQRScale == 0 {
		cfg.QC.IQRScale = 1.5
	}
}

// Validate rejects configurations no command could run with.
func (cfg Config) Validate() error {
	if cfg.BIDSRoot == "" {
		return errors.New("study: bids_root is not set")
	}
	switch cfg.Container.Runtime {
	case "none", "singularity", "docker":
	default:
		return errors.Errorf("study: unknown container runtime %v, want none, singularity, or docker", cfg.Container.Runtime)
	}
	if cfg.Resources.MemPerJobGB <= 0 {
		return errors.Errorf("study: mem_per_job must be positive, got %v", cfg.Resources.MemPerJobGB)
	}
	if cfg.Resources.SafeMem <= 0 || cfg.Resources.SafeMem > 1 {
		return errors.Errorf("study: safe_mem must be in (0,1], got %v", cfg.Resources.SafeMem)
	}
	if cfg.Resources.Threads < 0 {
		return errors.Errorf("study: threads must not be negative, got %v", cfg.Resources.Threads)
	}
	if cfg.QC.IQRScale <= 0 {
		return errors.Errorf("study: iqr_scale must be positive, got %v", cfg.QC.IQRScale)
	}
	return nil
}

// DerivativesDir is the derivatives directory, resolved against the
// dataset root when the configured path is relative.
func (cfg Config) DerivativesDir() string {
	if filepath.IsAbs(cfg.Derivatives) {
		return cfg.Derivatives
	}
	return filepath.Join(cfg.BIDSRoot, cfg.Derivatives)
}

// Load parses and validates a study file. Expressions in the file can
// reference process environment variables as env.NAME.
func Load(path string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, errors.Wrapf(diags, "parsing study file %v", path)
	}
	ctx := evalContext()
	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, ctx, &root)
	if diags.HasErrors() {
		return Config{}, errors.Wrapf(diags, "decoding study file %v", path)
	}
	if len(root.Studies) != 1 {
		return Config{}, errors.Errorf("study file %v: want exactly one study block, got %v", path, len(root.Studies))
	}
	block := root.Studies[0]
	cfg := Config{
		Name:        block.Name,
		BIDSRoot:    block.BIDSRoot,
		Derivatives: block.Derivatives,
	}
	if block.Container != nil {
		cfg.Container = *block.Container
	}
	if block.Resources != nil {
		cfg.Resources = *block.Resources
	}
	if block.QC != nil {
		qc, err := block.QC.fold(ctx)
		if err != nil {
			return Config{}, errors.Wrapf(err, "decoding study file %v", path)
		}
		cfg.QC = qc
	}
	if block.Slurm != nil {
		cfg.Slurm = *block.Slurm
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "study file %v", path)
	}
	return cfg, nil
}

// evalContext exposes the process environment to study file
// expressions as attributes of the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
