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
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/stages"
	"github.com/pkg/errors"
)

// PipelineHelp is the help string for this command.
const PipelineHelp = "\npipeline parameters:\n" +
	"bidspipe pipeline\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--stages list]\n" +
	"[--strict]\n" +
	"[--resume]\n" +
	"[--fail-fast]\n" +
	"[--dry-run]\n" +
	"[--log-path path]\n"

// Pipeline implements the bidspipe pipeline command. It runs the
// selected stages and their dependencies in order, each as a child
// bidspipe process.
func Pipeline() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude             string
		stageList                    string
		strict                       bool
		resume, failFast, dryRun     bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&stageList, "stages", "", "comma-separated stages to run (default: all)")
	flags.BoolVar(&strict, "strict", false, "stop the pipeline when qc flags any metric")
	flags.BoolVar(&resume, "resume", false, "skip subjects with a done marker in every stage")
	flags.BoolVar(&failFast, "fail-fast", false, "stop a stage on its first failure")
	flags.BoolVar(&dryRun, "dry-run", false, "print the stage commands without running them")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, PipelineHelp)

	setLogOutput(logPath)

	// sanity checks

	var sanityChecksFailed bool

	order, err := stages.Order(bids.SplitLabels(stageList))
	if err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, PipelineHelp)
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

	// building commandline arguments and output command line

	var shared []string
	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " pipeline")

	if studyFile != "" {
		fmt.Fprint(&command, " --study ", studyFile)
		shared = append(shared, "--study", studyFile)
	}
	if bidsRoot != "" {
		fmt.Fprint(&command, " --bids-root ", bidsRoot)
		shared = append(shared, "--bids-root", bidsRoot)
	}
	if include != "" {
		fmt.Fprint(&command, " --subjects ", include)
		shared = append(shared, "--subjects", include)
	}
	if exclude != "" {
		fmt.Fprint(&command, " --exclude ", exclude)
		shared = append(shared, "--exclude", exclude)
	}
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
		shared = append(shared, "--log-path", logPath)
	}
	fmt.Fprint(&command, " --stages ", strings.Join(order, ","))

	commandString := command.String()

	log.Println("Executing command:\n", commandString)
	log.Printf("Pipeline over %v subjects: %v.\n", len(subjects), strings.Join(order, ", "))

	for _, stage := range order {
		args := append([]string{stage}, shared...)
		if stages.PerSubject(stage) || stage == stages.TTest {
			if resume {
				args = append(args, "--resume")
			}
		}
		if stages.PerSubject(stage) && failFast {
			args = append(args, "--fail-fast")
		}
		if stage == stages.QC && strict {
			args = append(args, "--strict")
		}
		if dryRun {
			fmt.Println(os.Args[0], strings.Join(args, " "))
			continue
		}
		log.Printf("Stage %v...\n", stage)
		stageCmd := exec.Command(os.Args[0], args...)
		stageCmd.Stdout = os.Stdout
		stageCmd.Stderr = os.Stderr
		if err := stageCmd.Run(); err != nil {
			return errors.Wrapf(err, "stage %v", stage)
		}
	}
	if !dryRun {
		log.Println("Pipeline done.")
	}
	return nil
}
