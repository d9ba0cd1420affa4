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
	"strconv"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/throughput"
	"github.com/olekukonko/tablewriter"
)

// PlanHelp is the help string for this command.
const PlanHelp = "\nplan parameters:\n" +
	"bidspipe plan workflow\n" +
	"[--n number]\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--mem-per-job GB]\n" +
	"[--safe-mem fraction]\n" +
	"[--threads number]\n" +
	"[--freq-scale factor]\n" +
	"[--logical]\n" +
	"[--table]\n" +
	"[--log-path path]\n"

// Plan implements the bidspipe plan command.
func Plan() error {
	var (
		n, threads                    int
		studyFile, bidsRoot, logPath  string
		memPerJob, safeMem, freqScale float64
		logical, table                bool
	)

	var flags flag.FlagSet
	flags.IntVar(&n, "n", 0, "number of jobs to plan for (default: subjects in the dataset)")
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory per job in GB")
	flags.Float64Var(&safeMem, "safe-mem", 0, "usable fraction of total RAM")
	flags.IntVar(&threads, "threads", 0, "pin the plan to this thread count")
	flags.Float64Var(&freqScale, "freq-scale", 0, "override the detected clock scaling factor")
	flags.BoolVar(&logical, "logical", false, "plan against logical instead of physical cores")
	flags.BoolVar(&table, "table", false, "print the full per-thread table")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 3, PlanHelp)

	workflow := getFilename(os.Args[2], PlanHelp)

	setLogOutput(logPath)

	// sanity checks
	var sanityChecksFailed bool
	if !checkWorkflow(workflow) {
		sanityChecksFailed = true
	}
	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, PlanHelp)
		os.Exit(1)
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
	if n == 0 && cfg.BIDSRoot != "" {
		subjects, err := (bids.Dataset{Root: cfg.BIDSRoot}).Subjects()
		if err != nil {
			return err
		}
		n = len(subjects)
	}

	hw, err := throughput.DetectHardware(logical)
	if err != nil {
		return err
	}
	curve, err := throughput.CurveFor(workflow, hw.Cores)
	if err != nil {
		return err
	}
	batches, err := throughput.PlanBatches(curve, hw, memPerJob, safeMem, freqScale, n, threads)
	if err != nil {
		return err
	}

	coreKind := "physical"
	if hw.Logical {
		coreKind = "logical"
	}
	log.Printf("Hardware: %v %v cores, %.1f GB RAM, %.0f MHz.\n", hw.Cores, coreKind, hw.TotalRAMGB, hw.CPUMHz)
	log.Printf("Scaling: %v.\n", batches.ScaleNote)
	log.Printf("Planning workflow %v with %v GB per job, safe fraction %v.\n", workflow, memPerJob, safeMem)

	if table {
		w := tablewriter.NewWriter(os.Stdout)
		w.SetHeader([]string{"threads/job", "runtime (min)", "jobs", "jobs/hour"})
		w.SetAutoFormatHeaders(false)
		w.SetBorder(false)
		w.SetHeaderLine(false)
		w.SetCenterSeparator("")
		w.SetColumnSeparator("")
		w.SetAlignment(tablewriter.ALIGN_RIGHT)
		for _, p := range throughput.ThreadTable(curve, hw.TotalRAMGB, memPerJob, safeMem, hw.Cores, 0) {
			w.Append([]string{
				strconv.Itoa(p.ThreadsPerJob),
				fmt.Sprintf("%.1f", curve[p.ThreadsPerJob]/batches.K),
				strconv.Itoa(p.Concurrency),
				fmt.Sprintf("%.2f", p.JobsPerHour*batches.K),
			})
		}
		w.Render()
	}

	full := batches.Full
	fmt.Printf("Recommended: %v threads/job, %v jobs in parallel, %.2f jobs/hour.\n",
		full.ThreadsPerJob, full.Concurrency, full.JobsPerHour)
	if n > 0 {
		fmt.Printf("Phase 1: %v batches of %v jobs, %v.\n",
			batches.FullBatches, full.Concurrency, throughput.FormatETA(batches.FullSeconds))
		if batches.Remainder != nil {
			rem := batches.Remainder
			fmt.Printf("Phase 2: %v jobs at %v threads/job, %v in parallel, %v.\n",
				batches.RemainderJobs, rem.ThreadsPerJob, rem.Concurrency,
				throughput.FormatETA(batches.RemainderSeconds))
		}
		fmt.Printf("Estimated wall time for %v jobs: %v.\n", n, throughput.FormatETA(batches.TotalSeconds()))
	}
	return nil
}
