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
	"os"
	"path/filepath"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/runner"
	"github.com/neuroscale/bidspipe/tools"
)

// TtestHelp is the help string for this command.
const TtestHelp = "\nttest parameters:\n" +
	"bidspipe ttest\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--results path]\n" +
	"[--stats pattern]\n" +
	"[--brick number]\n" +
	"[--out prefix]\n" +
	"[--set-a list]\n" +
	"[--label-a name]\n" +
	"[--set-b list]\n" +
	"[--label-b name]\n" +
	"[--mask dataset]\n" +
	"[--clustsim]\n" +
	"[--threads number]\n" +
	"[--resume]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Ttest implements the bidspipe ttest command.
func Ttest() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude             string
		results, statsPattern, out   string
		setAList, labelA             string
		setBList, labelB             string
		mask                         string
		brick, threads               int
		clustsim                     bool
		resume, dryRun               bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&results, "results", "", "afni_proc.py results directory (default derivatives/afniproc)")
	flags.StringVar(&statsPattern, "stats", "stats.%s+tlrc.HEAD", "stats dataset name with %s for the subject")
	flags.IntVar(&brick, "brick", -1, "sub-brick selector, negative for the whole dataset")
	flags.StringVar(&out, "out", "", "output prefix (default derivatives/ttest/group)")
	flags.StringVar(&setAList, "set-a", "", "comma-separated subjects for set A (default: all selected)")
	flags.StringVar(&labelA, "label-a", "all", "3dttest++ label for set A")
	flags.StringVar(&setBList, "set-b", "", "comma-separated subjects for set B (default: one-sample test)")
	flags.StringVar(&labelB, "label-b", "groupB", "3dttest++ label for set B")
	flags.StringVar(&mask, "mask", "", "restrict the test to this mask dataset")
	flags.BoolVar(&clustsim, "clustsim", false, "run the cluster threshold simulation")
	flags.IntVar(&threads, "threads", 0, "OpenMP threads for 3dttest++")
	flags.BoolVar(&resume, "resume", false, "skip the test when a done marker exists")
	flags.BoolVar(&dryRun, "dry-run", false, "print the command without running it")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, TtestHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	_, subjects, err := selectSubjects(cfg, include, exclude)
	if err != nil {
		return err
	}
	if results == "" {
		results = filepath.Join(cfg.DerivativesDir(), "afniproc")
	}
	if out == "" {
		out = filepath.Join(cfg.DerivativesDir(), "ttest", "group")
	}
	if threads == 0 {
		threads = cfg.Resources.Threads
	}

	subsA := subjects
	if setAList != "" {
		subsA = bids.SplitLabels(setAList)
	}
	setA, err := statsSet(labelA, subsA, results, statsPattern, brick, dryRun)
	if err != nil {
		return err
	}
	var setB *tools.TTestSet
	if setBList != "" {
		set, err := statsSet(labelB, bids.SplitLabels(setBList), results, statsPattern, brick, dryRun)
		if err != nil {
			return err
		}
		setB = &set
	}

	if !dryRun {
		if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
			return err
		}
	}
	manifestDir, logDir := stageDirs(cfg)
	job := runner.Job{
		Subject:    "group",
		Tool:       tools.TTest(out, mask, setA, setB, clustsim, threads),
		LogFile:    filepath.Join(logDir, "ttest-group.log"),
		DoneMarker: filepath.Join(filepath.Dir(out), ".bidspipe.done"),
	}
	log.Printf("Group comparison of %v subjects to prefix %v.\n", len(setA.Entries), out)
	result, err := runner.Run(context.Background(), []runner.Job{job}, runner.Options{
		Stage:       "ttest",
		Concurrency: 1,
		DryRun:      dryRun,
		Resume:      resume,
		ManifestDir: manifestDir,
		LogDir:      logDir,
	})
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("3dttest++ failed, see %v", job.LogFile)
	}
	return nil
}

// statsSet resolves one set of per-subject stats datasets, skipping
// subjects whose afni_proc.py results are missing. Dry runs keep all
// subjects so the printed command is complete.
func statsSet(label string, subjects []string, results, pattern string, brick int, dryRun bool) (tools.TTestSet, error) {
	set := tools.TTestSet{Label: label}
	for _, sub := range subjects {
		sub = bids.FullLabel(sub)
		file := filepath.Join(results, sub, sub+".results", fmt.Sprintf(pattern, sub))
		if _, err := os.Stat(file); err != nil && !dryRun {
			log.Printf("Warning: skipping %v: no stats dataset at %v.\n", sub, file)
			continue
		}
		if brick >= 0 {
			file = fmt.Sprintf("%s[%d]", file, brick)
		}
		set.Entries = append(set.Entries, tools.TTestEntry{Subject: bids.ShortLabel(sub), File: file})
	}
	if len(set.Entries) == 0 {
		return set, fmt.Errorf("set %v: no stats datasets under %v", label, results)
	}
	return set, nil
}

