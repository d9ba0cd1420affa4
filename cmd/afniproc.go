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
	"github.com/neuroscale/bidspipe/throughput"
	"github.com/neuroscale/bidspipe/tools"
)

// AfniprocHelp is the help string for this command.
const AfniprocHelp = "\nafniproc parameters:\n" +
	"bidspipe afniproc\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--out path]\n" +
	"[--sswarper path]\n" +
	"[--template dataset]\n" +
	"[--task label]\n" +
	"[--session label]\n" +
	"[--blur mm]\n" +
	"[--censor-motion mm]\n" +
	"[--script-only]\n" +
	"[--mem-per-job GB]\n" +
	"[--safe-mem fraction]\n" +
	"[--threads number]\n" +
	"[--freq-scale factor]\n" +
	"[--logical]\n" +
	"[--resume]\n" +
	"[--fail-fast]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Afniproc implements the bidspipe afniproc command.
func Afniproc() error {
	var (
		studyFile, bidsRoot, logPath  string
		include, exclude              string
		out, sswarperDir, template    string
		task, session                 string
		blur, censorMotion            float64
		scriptOnly                    bool
		memPerJob, safeMem, freqScale float64
		threads                       int
		logical                       bool
		resume, failFast, dryRun      bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&out, "out", "", "output directory (default derivatives/afniproc)")
	flags.StringVar(&sswarperDir, "sswarper", "", "@SSwarper output directory (default derivatives/sswarper)")
	flags.StringVar(&template, "template", "MNI152_2009_template_SSW.nii.gz", "template dataset the warps target")
	flags.StringVar(&task, "task", "", "restrict functional runs to this task label")
	flags.StringVar(&session, "session", "", "session to process (default: first with a T1w)")
	flags.Float64Var(&blur, "blur", 4, "blur FWHM in mm")
	flags.Float64Var(&censorMotion, "censor-motion", 0.3, "censor limit for the motion derivative")
	flags.BoolVar(&scriptOnly, "script-only", false, "generate the proc scripts without executing them")
	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory per job in GB")
	flags.Float64Var(&safeMem, "safe-mem", 0, "usable fraction of total RAM")
	flags.IntVar(&threads, "threads", 0, "pin the plan to this thread count")
	flags.Float64Var(&freqScale, "freq-scale", 0, "override the detected clock scaling factor")
	flags.BoolVar(&logical, "logical", false, "plan against logical instead of physical cores")
	flags.BoolVar(&resume, "resume", false, "skip subjects with a done marker")
	flags.BoolVar(&failFast, "fail-fast", false, "stop the batch on the first failure")
	flags.BoolVar(&dryRun, "dry-run", false, "print the job commands without running them")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, AfniprocHelp)

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
		out = filepath.Join(cfg.DerivativesDir(), "afniproc")
	}
	if sswarperDir == "" {
		sswarperDir = filepath.Join(cfg.DerivativesDir(), "sswarper")
	}
	session = fullSession(session)

	manifestDir, logDir := stageDirs(cfg)
	var jobs []runner.Job
	for _, sub := range subjects {
		bold, err := subjectBOLD(dataset, sub, session, task)
		if err != nil {
			log.Printf("Warning: skipping %v: %v.\n", sub, err)
			continue
		}
		warpDir := filepath.Join(sswarperDir, sub)
		if !dryRun {
			_, anatQQ, _, _ := tools.SSwarperOutputs(warpDir, sub)
			if _, err := os.Stat(anatQQ); err != nil {
				log.Printf("Warning: skipping %v: no @SSwarper output at %v, run bidspipe sswarper first.\n", sub, anatQQ)
				continue
			}
		}
		outSub := filepath.Join(out, sub)
		tool := tools.AfniProc(tools.AfniProcOpts{
			Label:        sub,
			Script:       filepath.Join(outSub, "proc."+sub),
			OutDir:       filepath.Join(outSub, sub+".results"),
			SSwarperDir:  warpDir,
			BOLD:         bold,
			Template:     template,
			BlurFWHM:     blur,
			CensorMotion: censorMotion,
			Execute:      !scriptOnly,
		})
		jobs = append(jobs, runner.Job{
			Subject:    sub,
			Tool:       tool,
			LogFile:    filepath.Join(logDir, "afniproc-"+sub+".log"),
			DoneMarker: filepath.Join(outSub, ".bidspipe.done"),
		})
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no runnable subjects in %v", cfg.BIDSRoot)
	}
	if !dryRun {
		for _, job := range jobs {
			if err := os.MkdirAll(filepath.Join(out, job.Subject), 0700); err != nil {
				return err
			}
		}
	}

	hw, err := throughput.DetectHardware(logical)
	if err != nil {
		return err
	}
	curve, err := throughput.CurveFor("afni_proc", hw.Cores)
	if err != nil {
		return err
	}
	batches, err := throughput.PlanBatches(curve, hw, memPerJob, safeMem, freqScale, len(jobs), threads)
	if err != nil {
		return err
	}
	log.Printf("Scaling: %v.\n", batches.ScaleNote)
	log.Printf("Preprocessing %v subjects: %v threads/job, %v in parallel, estimated %v.\n",
		len(jobs), batches.Full.ThreadsPerJob, batches.Full.Concurrency,
		throughput.FormatETA(batches.TotalSeconds()))

	opts := runner.Options{
		Stage:       "afniproc",
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
		log.Printf("afni_proc.py: %v completed, %v failed, %v skipped in %v.\n",
			len(result.Completed), len(result.Failed), len(result.Skipped),
			throughput.FormatETA(result.WallSeconds))
	}
	return failedError("afniproc", result)
}

// subjectBOLD collects the functional runs for a subject in the
// requested session, or across the first session that has any.
func subjectBOLD(dataset bids.Dataset, sub, session, task string) ([]string, error) {
	sessions := []string{session}
	if session == "" {
		var err error
		sessions, err = dataset.Sessions(sub)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			sessions = []string{""}
		}
	}
	for _, ses := range sessions {
		bold, err := dataset.BOLD(sub, ses, task)
		if err != nil {
			continue
		}
		if len(bold) > 0 {
			return bold, nil
		}
	}
	return nil, fmt.Errorf("no functional runs")
}
