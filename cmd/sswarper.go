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

// SswarperHelp is the help string for this command.
const SswarperHelp = "\nsswarper parameters:\n" +
	"bidspipe sswarper\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--out path]\n" +
	"[--template dataset]\n" +
	"[--session label]\n" +
	"[--giant-move]\n" +
	"[--mem-per-job GB]\n" +
	"[--safe-mem fraction]\n" +
	"[--threads number]\n" +
	"[--freq-scale factor]\n" +
	"[--logical]\n" +
	"[--resume]\n" +
	"[--fail-fast]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Sswarper implements the bidspipe sswarper command.
func Sswarper() error {
	var (
		studyFile, bidsRoot, logPath  string
		include, exclude              string
		out, template, session        string
		memPerJob, safeMem, freqScale float64
		threads                       int
		logical, giantMove            bool
		resume, failFast, dryRun      bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&out, "out", "", "output directory (default derivatives/sswarper)")
	flags.StringVar(&template, "template", "MNI152_2009_template_SSW.nii.gz", "template dataset for the nonlinear warp")
	flags.StringVar(&session, "session", "", "session carrying the anatomical (default: first with a T1w)")
	flags.BoolVar(&giantMove, "giant-move", false, "allow large initial transforms")
	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory per job in GB")
	flags.Float64Var(&safeMem, "safe-mem", 0, "usable fraction of total RAM")
	flags.IntVar(&threads, "threads", 0, "pin the plan to this thread count")
	flags.Float64Var(&freqScale, "freq-scale", 0, "override the detected clock scaling factor")
	flags.BoolVar(&logical, "logical", false, "plan against logical instead of physical cores")
	flags.BoolVar(&resume, "resume", false, "skip subjects with a done marker")
	flags.BoolVar(&failFast, "fail-fast", false, "stop the batch on the first failure")
	flags.BoolVar(&dryRun, "dry-run", false, "print the job commands without running them")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, SswarperHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	dataset, subjects, err := selectSubjects(cfg, include, exclude)
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
		out = filepath.Join(cfg.DerivativesDir(), "sswarper")
	}
	session = fullSession(session)

	manifestDir, logDir := stageDirs(cfg)
	var jobs []runner.Job
	for _, sub := range subjects {
		t1w, err := subjectT1w(dataset, sub, session)
		if err != nil {
			log.Printf("Warning: skipping %v: %v.\n", sub, err)
			continue
		}
		outSub := filepath.Join(out, sub)
		jobs = append(jobs, runner.Job{
			Subject:    sub,
			Tool:       tools.SSwarper(t1w, template, sub, outSub, 0, giantMove),
			LogFile:    filepath.Join(logDir, "sswarper-"+sub+".log"),
			DoneMarker: filepath.Join(outSub, ".bidspipe.done"),
		})
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no subjects with a usable T1w in %v", cfg.BIDSRoot)
	}

	hw, err := throughput.DetectHardware(logical)
	if err != nil {
		return err
	}
	curve, err := throughput.CurveFor("sswarper", hw.Cores)
	if err != nil {
		return err
	}
	batches, err := throughput.PlanBatches(curve, hw, memPerJob, safeMem, freqScale, len(jobs), threads)
	if err != nil {
		return err
	}
	log.Printf("Scaling: %v.\n", batches.ScaleNote)
	log.Printf("Warping %v subjects: %v threads/job, %v in parallel, estimated %v.\n",
		len(jobs), batches.Full.ThreadsPerJob, batches.Full.Concurrency,
		throughput.FormatETA(batches.TotalSeconds()))

	opts := runner.Options{
		Stage:       "sswarper",
		FailFast:    failFast,
		DryRun:      dryRun,
		Resume:      resume,
		ManifestDir: manifestDir,
		LogDir:      logDir,
	}
	result, err := runPlanned(context.Background(), jobs, batches, opts)
	if err != nil {
		return err
	}
	if !dryRun {
		log.Printf("@SSwarper: %v completed, %v failed, %v skipped in %v.\n",
			len(result.Completed), len(result.Failed), len(result.Skipped),
			throughput.FormatETA(result.WallSeconds))
	}
	return failedError("sswarper", result)
}

// subjectT1w picks the anatomical for a subject: the requested
// session when given, otherwise the first session carrying a T1w.
func subjectT1w(dataset bids.Dataset, sub, session string) (string, error) {
	if session != "" {
		return dataset.T1w(sub, session)
	}
	sessions, err := dataset.Sessions(sub)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		sessions = []string{""}
	}
	var firstErr error
	for _, ses := range sessions {
		t1w, err := dataset.T1w(sub, ses)
		if err == nil {
			return t1w, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", firstErr
}
