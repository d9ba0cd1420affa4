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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/runner"
	"github.com/neuroscale/bidspipe/throughput"
	"github.com/neuroscale/bidspipe/tools"
)

// MriqcHelp is the help string for this command.
const MriqcHelp = "\nmriqc parameters:\n" +
	"bidspipe mriqc\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--out path]\n" +
	"[--work path]\n" +
	"[--mem-per-job GB]\n" +
	"[--safe-mem fraction]\n" +
	"[--threads number]\n" +
	"[--logical]\n" +
	"[--group]\n" +
	"[--resume]\n" +
	"[--fail-fast]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Mriqc implements the bidspipe mriqc command.
func Mriqc() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude, out, work  string
		memPerJob, safeMem           float64
		threads                      int
		logical, group               bool
		resume, failFast, dryRun     bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&out, "out", "", "MRIQC output directory (default derivatives/mriqc)")
	flags.StringVar(&work, "work", "", "MRIQC scratch directory")
	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory per job in GB")
	flags.Float64Var(&safeMem, "safe-mem", 0, "usable fraction of total RAM")
	flags.IntVar(&threads, "threads", 0, "threads per MRIQC job")
	flags.BoolVar(&logical, "logical", false, "count logical instead of physical cores")
	flags.BoolVar(&group, "group", false, "run the group level after the participant level")
	flags.BoolVar(&resume, "resume", false, "skip subjects with a done marker")
	flags.BoolVar(&failFast, "fail-fast", false, "stop the batch on the first failure")
	flags.BoolVar(&dryRun, "dry-run", false, "print the job commands without running them")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, MriqcHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	_, subjects, err := selectSubjects(cfg, include, exclude)
	if err != nil {
		return err
	}
	if memPerJob == 0 {
		memPerJob = cfg.Resources.MemPerJobGB
	}
	if safeMem == 0 {
		safeMem = cfg.Resources.SafeMem
	}
	if threads == 0 {
		threads = cfg.Resources.Threads
	}
	if out == "" {
		out = filepath.Join(cfg.DerivativesDir(), "mriqc")
	}

	hw, err := throughput.DetectHardware(logical)
	if err != nil {
		return err
	}
	capacity, err := throughput.ComputeCapacity(hw, memPerJob, safeMem, len(subjects))
	if err != nil {
		return err
	}
	conc := capacity.MaxJobs
	if threads == 0 {
		threads = hw.Cores / conc
		if threads < 1 {
			threads = 1
		}
	}
	log.Printf("Running MRIQC for %v subjects: %v in parallel, %v threads each, %v batches.\n",
		len(subjects), conc, threads, capacity.Batches)

	binds := append([]string{}, cfg.Container.Binds...)
	binds = append(binds, cfg.BIDSRoot, out)
	if work != "" {
		binds = append(binds, work)
	}

	manifestDir, logDir := stageDirs(cfg)
	jobs := make([]runner.Job, 0, len(subjects))
	for _, sub := range subjects {
		tool := tools.MRIQCParticipant(cfg.BIDSRoot, out, bids.ShortLabel(sub), threads, memPerJob, work)
		tool, err = tools.Containerize(cfg.Container.Runtime, cfg.Container.MRIQC, binds, tool)
		if err != nil {
			return err
		}
		jobs = append(jobs, runner.Job{
			Subject:    sub,
			Tool:       tool,
			LogFile:    filepath.Join(logDir, "mriqc-"+sub+".log"),
			DoneMarker: filepath.Join(out, sub, ".bidspipe.done"),
		})
	}

	opts := runner.Options{
		Stage:         "mriqc",
		Concurrency:   conc,
		ThreadsPerJob: threads,
		FailFast:      failFast,
		DryRun:        dryRun,
		Resume:        resume,
		ManifestDir:   manifestDir,
		LogDir:        logDir,
	}
	result, err := runner.Run(context.Background(), jobs, opts)
	if err != nil {
		return err
	}
	if !dryRun {
		log.Printf("MRIQC participant level: %v completed, %v failed, %v skipped in %v.\n",
			len(result.Completed), len(result.Failed), len(result.Skipped),
			throughput.FormatETA(result.WallSeconds))
	}
	if err := failedError("mriqc", result); err != nil {
		return err
	}

	if !group {
		return nil
	}
	groupTool, err := tools.Containerize(cfg.Container.Runtime, cfg.Container.MRIQC, binds,
		tools.MRIQCGroup(cfg.BIDSRoot, out))
	if err != nil {
		return err
	}
	groupJobs := []runner.Job{{
		Subject: "group",
		Tool:    groupTool,
		LogFile: filepath.Join(logDir, "mriqc-group.log"),
	}}
	groupOpts := runner.Options{
		Stage:       "mriqc-group",
		Concurrency: 1,
		DryRun:      dryRun,
		ManifestDir: manifestDir,
		LogDir:      logDir,
	}
	groupResult, err := runner.Run(context.Background(), groupJobs, groupOpts)
	if err != nil {
		return err
	}
	if len(groupResult.Failed) > 0 {
		return fmt.Errorf("mriqc group level failed")
	}
	return nil
}
