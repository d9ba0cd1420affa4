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
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/neuroscale/bidspipe/cluster"
	"github.com/neuroscale/bidspipe/internal"
	"github.com/neuroscale/bidspipe/stages"
	"github.com/pkg/errors"
)

// ArrayHelp is the help string for this command.
const ArrayHelp = "\narray parameters:\n" +
	"bidspipe array stage\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--job-manager (SLURM|PBS|SGE|NONE)]\n" +
	"[--out file]\n" +
	"[--threads number]\n" +
	"[--mem-per-job GB]\n" +
	"[--throttle number]\n" +
	"[--time walltime]\n" +
	"[--partition name]\n" +
	"[--account name]\n" +
	"[--extra-args string]\n" +
	"[--submit]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Array implements the bidspipe array command. It renders a scheduler
// script that runs one bidspipe task per subject.
func Array() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude             string
		jobManager, out              string
		threads, throttle            int
		memPerJob                    float64
		walltime, partition, account string
		extraArgs                    string
		submit, dryRun               bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&jobManager, "job-manager", string(cluster.SLURM), "job manager to target ("+cluster.Managers()+")")
	flags.StringVar(&out, "out", "", "script file to write (default <stage>-array.sh)")
	flags.IntVar(&threads, "threads", 0, "CPUs requested per task")
	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory requested per task in GB")
	flags.IntVar(&throttle, "throttle", 0, "maximum simultaneously running tasks, 0 for no limit")
	flags.StringVar(&walltime, "time", "", "walltime requested per task")
	flags.StringVar(&partition, "partition", "", "partition or queue to submit to")
	flags.StringVar(&account, "account", "", "account the tasks are billed to")
	flags.StringVar(&extraArgs, "extra-args", "", "additional arguments for the per-task command")
	flags.BoolVar(&submit, "submit", false, "submit the script after writing it")
	flags.BoolVar(&dryRun, "dry-run", false, "print the script instead of writing it")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 3, ArrayHelp)

	stage := getFilename(os.Args[2], ArrayHelp)

	setLogOutput(logPath)

	var sanityChecksFailed bool
	if !stages.PerSubject(stage) {
		log.Printf("Stage %v does not fan out per subject, cannot schedule it as an array.\n", stage)
		sanityChecksFailed = true
	}
	manager, err := cluster.ParseManager(jobManager)
	if err != nil {
		log.Println(err)
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, ArrayHelp)
		os.Exit(1)
	}

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	_, subjects, err := selectSubjects(cfg, include, exclude)
	if err != nil {
		return err
	}
	if threads == 0 {
		threads = cfg.Resources.Threads
	}
	if memPerJob == 0 {
		memPerJob = cfg.Resources.MemPerJobGB
	}
	if partition == "" {
		partition = cfg.Slurm.Partition
	}
	if walltime == "" {
		walltime = cfg.Slurm.Time
	}
	if account == "" {
		account = cfg.Slurm.Account
	}
	if out == "" {
		out = stage + "-array.sh"
	}

	// Array tasks do not necessarily start in the submit directory.
	_, logDir := stageDirs(cfg)
	logDir, err = internal.FullPathname(logDir)
	if err != nil {
		return err
	}
	bidsRoot = cfg.BIDSRoot
	if bidsRoot != "" {
		if bidsRoot, err = internal.FullPathname(bidsRoot); err != nil {
			return err
		}
	}
	if studyFile != "" {
		if studyFile, err = internal.FullPathname(studyFile); err != nil {
			return err
		}
	}

	script, err := cluster.Script{
		Stage:     stage,
		Subjects:  subjects,
		Command:   taskCommand(stage, studyFile, bidsRoot, logDir, threads, extraArgs),
		LogDir:    logDir,
		Threads:   threads,
		MemGB:     memPerJob,
		Throttle:  throttle,
		Partition: partition,
		Time:      walltime,
		Account:   account,
	}.Render(manager)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Print(script)
		return nil
	}
	if err := os.WriteFile(out, []byte(script), 0755); err != nil {
		return errors.Wrap(err, "writing array script")
	}
	log.Printf("Wrote %v array script %v for %v subjects.\n", manager, out, len(subjects))
	if !submit {
		return nil
	}
	argv := cluster.SubmitArgv(manager, out)
	log.Println("Executing command:\n", strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return errors.Wrap(cmd.Run(), "submitting array script")
}

// taskCommand builds the shell line one array task runs. The scheduler
// script sets ${sub} to the task's subject label.
func taskCommand(stage, studyFile, bidsRoot, logDir string, threads int, extraArgs string) string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	parts := []string{exe, stage}
	if studyFile != "" {
		parts = append(parts, "--study", studyFile)
	} else if bidsRoot != "" {
		parts = append(parts, "--bids-root", bidsRoot)
	}
	parts = append(parts, "--subjects", "${sub}", "--resume")
	if threads > 0 {
		parts = append(parts, "--threads", fmt.Sprint(threads))
	}
	if logDir != "" {
		parts = append(parts, "--log-path", logDir)
	}
	if extraArgs != "" {
		parts = append(parts, extraArgs)
	}
	return strings.Join(parts, " ")
}
