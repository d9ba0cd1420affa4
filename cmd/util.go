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
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/neuroscale/bidspipe/utils"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/runner"
	"github.com/neuroscale/bidspipe/study"
	"github.com/neuroscale/bidspipe/throughput"

	"golang.org/x/sys/unix"
)

// ProgramMessage is the first line printed when the bidspipe binary is
// called.
var ProgramMessage string

func init() {
	ProgramMessage = fmt.Sprint(
		"\n", utils.ProgramName, " version ", utils.ProgramVersion,
		" compiled with ", runtime.Version(),
		" - see ", utils.ProgramURL, " for more information.\n",
	)
}

// HelpMessage is printed to show the --help and --help-extended flags
const HelpMessage = "Print command details:\n" +
	"[--help]\n" +
	"[--help-extended]\n"

func getFilename(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	default:
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "--") {
			log.Println("Filename(s) in command line missing.")
			fmt.Fprint(os.Stderr, help)
			os.Exit(1)
		}
	}
	return s
}

func parseFlags(flags flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(ioutil.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func checkWorkflow(workflow string) bool {
	for _, known := range throughput.Workflows() {
		if workflow == known {
			return true
		}
	}
	log.Printf("Error: Invalid workflow %v, expected one of %v.\n", workflow, strings.Join(throughput.Workflows(), ", "))
	return false
}

func logCheckFile(parameter, format string, v ...interface{}) {
	if parameter != "" {
		log.Printf(format+" for command line parameter %v.\n", append(v, parameter)...)
	} else {
		log.Printf(format+".\n", v...)
	}
}

func checkExist(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if _, err := os.Stat(filename); err == nil {
		return true
	} else if os.IsNotExist(err) {
		logCheckFile(parameter, "Error: File %v does not exist", filename)
		return false
	} else if os.IsPermission(err) {
		logCheckFile(parameter, "Error: No permission to read file %v", filename)
		return false
	} else {
		logCheckFile(parameter, "Error %v when trying to access file %v", err, filename)
		return false
	}
}

func checkCreate(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if _, err := os.Stat(filename); err == nil {
		// Assume that the file has been written by previous bidspipe runs, and can be overwritten.
		return true
	}
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err == nil {
		err = ioutil.WriteFile(filename, nil, 0666)
	}
	if err != nil {
		if os.IsPermission(err) {
			logCheckFile(parameter, "Error: No permission to create file %v", filename)
		} else {
			logCheckFile(parameter, "Error %v when trying to create file %v", err, filename)
		}
		return false
	}
	_ = os.Remove(filename)
	return true
}

// loadStudy resolves the effective study configuration: an explicit
// --study file when given, study.hcl in the working directory when
// present, and built-in defaults otherwise. A --bids-root flag always
// takes precedence over the configured root.
func loadStudy(studyFile, bidsRoot string) (study.Config, error) {
	path := studyFile
	if path == "" {
		if _, err := os.Stat(study.DefaultFilename); err == nil {
			path = study.DefaultFilename
		}
	}
	if path == "" {
		// No study file around. Commands that only do arithmetic can
		// run from the built-in defaults; anything that needs the
		// dataset fails in selectSubjects instead.
		return study.Default(bidsRoot), nil
	}
	cfg, err := study.Load(path)
	if err != nil {
		return study.Config{}, err
	}
	if bidsRoot != "" {
		cfg.BIDSRoot = bidsRoot
	}
	return cfg, nil
}

// selectSubjects lists the dataset subjects and applies the --subjects
// and --exclude filters.
func selectSubjects(cfg study.Config, include, exclude string) (bids.Dataset, []string, error) {
	if cfg.BIDSRoot == "" {
		return bids.Dataset{}, nil, fmt.Errorf("no BIDS dataset: pass --bids-root or create %v", study.DefaultFilename)
	}
	dataset := bids.Dataset{Root: cfg.BIDSRoot}
	subjects, err := dataset.Subjects()
	if err != nil {
		return dataset, nil, err
	}
	subjects = bids.Filter(subjects, bids.SplitLabels(include), bids.SplitLabels(exclude))
	if len(subjects) == 0 {
		return dataset, nil, fmt.Errorf("no subjects selected in %v", cfg.BIDSRoot)
	}
	return dataset, subjects, nil
}

// fullSession normalizes a session label to its ses- form, keeping ""
// as "no session".
func fullSession(label string) string {
	if label == "" || strings.HasPrefix(label, "ses-") {
		return label
	}
	return "ses-" + label
}

// stageDirs is where run manifests and log files live for a study.
func stageDirs(cfg study.Config) (manifestDir, logDir string) {
	base := filepath.Join(cfg.DerivativesDir(), "bidspipe")
	return filepath.Join(base, "manifests"), filepath.Join(base, "logs")
}

// runPlanned executes jobs in the planner's two phases: the full
// batches at the recommended width, then the remainder at its own
// width.
func runPlanned(ctx context.Context, jobs []runner.Job, batches throughput.BatchPlan, opts runner.Options) (runner.Result, error) {
	full := batches.FullJobs
	if full > len(jobs) {
		full = len(jobs)
	}
	phase1 := opts
	phase1.Concurrency = batches.Full.Concurrency
	phase1.ThreadsPerJob = batches.Full.ThreadsPerJob
	result, err := runner.Run(ctx, jobs[:full], phase1)
	if err != nil || full == len(jobs) {
		return result, err
	}
	phase2 := phase1
	if batches.Remainder != nil {
		phase2.Concurrency = batches.Remainder.Concurrency
		phase2.ThreadsPerJob = batches.Remainder.ThreadsPerJob
	}
	rest, rerr := runner.Run(ctx, jobs[full:], phase2)
	if result.RunID == "" {
		result = rest
	} else {
		result.Add(rest)
	}
	return result, rerr
}

// failedError reports a batch with failed jobs as the command error.
func failedError(stage string, result runner.Result) error {
	if len(result.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%v failed for %v subjects: %v",
		stage, len(result.Failed), strings.Join(result.Failed, ", "))
}

func createLogFilename() string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/bidspipe/bidspipe-%d-%02d-%02d-%02d-%02d-%02d-%09d-%v.log", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}

func setLogOutput(path string) {
	logPath := createLogFilename()
	var fullPath string
	if path == "" {
		fullPath = filepath.Join(os.Getenv("HOME"), logPath)
	} else {
		fullPath = filepath.Join(path, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		log.Panic(err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		log.Panic(err)
	}
	fmt.Fprintln(f, ProgramMessage)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		log.Panic(err)
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		log.Panic(err)
	}

	multi := io.MultiWriter(f, ferr)

	log.SetOutput(multi)
	log.Println("Created log file at", fullPath)
	log.Println("Command line:", os.Args)
}

func timedRun(timed bool, profile, msg string, phase int64, f func() error) (err error) {
	if profile != "" {
		filename := profile + strconv.FormatInt(phase, 10) + ".prof"
		file, ferr := os.Create(filename)
		if ferr != nil {
			return ferr
		}
		defer func() {
			if nerr := file.Close(); err == nil {
				err = nerr
			}
		}()
		if perr := pprof.StartCPUProfile(file); perr != nil {
			return perr
		}
		defer pprof.StopCPUProfile()
	}
	if timed {
		log.Println(msg)
		start := time.Now()
		defer func() {
			end := time.Now()
			log.Println("Elapsed time: ", end.Sub(start))
		}()
	}
	return f()
}
