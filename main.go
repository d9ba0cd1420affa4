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

// bidspipe runs BIDS neuroimaging pipelines as parallel batches of
// external tool invocations, locally or under a cluster scheduler.
//
// Please see https://github.com/neuroscale/bidspipe for a
// documentation of the tool.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/neuroscale/bidspipe/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: pipeline, mriqc, sswarper, afniproc, ttest, qc, pack, bidsify, subjects, check, plan, capacity, array")
	fmt.Fprint(os.Stderr, "\n", cmd.PipelineHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.MriqcHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SswarperHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.AfniprocHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.TtestHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.QcHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.PackHelp)
}

func printExtendedHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: pipeline, mriqc, sswarper, afniproc, ttest, qc, pack, bidsify, subjects, check, plan, capacity, array")
	fmt.Fprint(os.Stderr, "\n", cmd.PipelineHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.MriqcHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SswarperHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.AfniprocHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.TtestHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.QcHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.PackHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.BidsifyHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SubjectsHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.CheckHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.PlanHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.CapacityHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.ArrayHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "pipeline":
		err = cmd.Pipeline()
	case "mriqc":
		err = cmd.Mriqc()
	case "sswarper":
		err = cmd.Sswarper()
	case "afniproc":
		err = cmd.Afniproc()
	case "ttest":
		err = cmd.Ttest()
	case "qc":
		err = cmd.Qc()
	case "pack":
		err = cmd.Pack()
	case "bidsify":
		err = cmd.Bidsify()
	case "subjects":
		err = cmd.Subjects()
	case "check":
		err = cmd.Check()
	case "plan":
		err = cmd.Plan()
	case "capacity":
		err = cmd.Capacity()
	case "array":
		err = cmd.Array()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	case "help-extended", "-help-extended", "--help-extended", "-he", "--he":
		printExtendedHelp()
	default:
		log.Println("Unknown command:", os.Args[1])
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
