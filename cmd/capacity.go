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

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/throughput"
)

// CapacityHelp is the help string for this command.
const CapacityHelp = "\ncapacity parameters:\n" +
	"bidspipe capacity\n" +
	"[--mem-per-job GB]\n" +
	"[--safe-mem fraction]\n" +
	"[--total-jobs number]\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--log-path path]\n"

// Capacity implements the bidspipe capacity command.
func Capacity() error {
	var (
		memPerJob, safeMem           float64
		totalJobs                    int
		studyFile, bidsRoot, logPath string
	)

	var flags flag.FlagSet

	flags.Float64Var(&memPerJob, "mem-per-job", 0, "memory per job in GB")
	flags.Float64Var(&safeMem, "safe-mem", 0, "usable fraction of total RAM")
	flags.IntVar(&totalJobs, "total-jobs", 0, "number of jobs to divide into batches")
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, CapacityHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	if memPerJob == 0 {
		memPerJob = cfg.Resources.MemPerJobGB
	}
	if safeMem == 0 {
		safeMem = cfg.Resources.SafeMem
	}
	if totalJobs == 0 && cfg.BIDSRoot != "" {
		subjects, err := (bids.Dataset{Root: cfg.BIDSRoot}).Subjects()
		if err != nil {
			return err
		}
		totalJobs = len(subjects)
	}

	// Capacity reasons about one-core jobs, so logical cores apply.
	hw, err := throughput.DetectHardware(true)
	if err != nil {
		return err
	}
	capacity, err := throughput.ComputeCapacity(hw, memPerJob, safeMem, totalJobs)
	if err != nil {
		return err
	}

	log.Printf("Hardware: %v logical cores, %.1f GB RAM.\n", hw.Cores, hw.TotalRAMGB)
	fmt.Printf("Maximum parallel jobs: %v (%.1f GB usable RAM at %v GB per job).\n",
		capacity.MaxJobs, hw.TotalRAMGB*safeMem, memPerJob)
	fmt.Printf("Beyond %v parallel jobs throughput plateaus on this machine.\n", capacity.MaxJobs)
	if totalJobs > 0 {
		fmt.Printf("Schedule %v jobs as %v batches of up to %v (%v slots).\n",
			totalJobs, capacity.Batches, capacity.MaxJobs, capacity.Slots)
	}
	return nil
}
