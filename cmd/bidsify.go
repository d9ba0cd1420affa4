// bidspipe: batch orchestration for BIDS neuroimaging pipelines.
// Copyright (c) 2024-2025 Neuroscale Computing NV.

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
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/dicomscan"
	"github.com/neuroscale/bidspipe/runner"
	"github.com/neuroscale/bidspipe/tools"
	"github.com/olekukonko/tablewriter"
)

// BidsifyHelp is the help string for this command.
const BidsifyHelp = "\nbidsify parameters:\n" +
	"bidspipe bidsify /path/to/dicom/\n" +
	"[--bids-root path]\n" +
	"[--study file]\n" +
	"[--subject label]\n" +
	"[--session label]\n" +
	"[--task label]\n" +
	"[--execute]\n" +
	"[--resume]\n" +
	"[--nr-of-jobs number]\n" +
	"[--log-path path]\n"

// A conversion pairs a classified series with its target image name.
type conversion struct {
	series dicomscan.Series
	outDir string
	name   string
}

// Bidsify implements the bidspipe bidsify command.
func Bidsify() error {
	var (
		studyFile, bidsRoot, logPath string
		subject, session, task       string
		execute, resume              bool
		nrOfJobs                     int
	)

	var flags flag.FlagSet
	flags.StringVar(&bidsRoot, "bids-root", "", "output BIDS dataset root")
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&subject, "subject", "", "subject label for all series (default: derived from PatientID)")
	flags.StringVar(&session, "session", "", "session label for all series")
	flags.StringVar(&task, "task", "rest", "task label for functional series")
	flags.BoolVar(&execute, "execute", false, "run the conversions instead of printing them")
	flags.BoolVar(&resume, "resume", false, "skip series whose output image already exists")
	flags.IntVar(&nrOfJobs, "nr-of-jobs", 0, "number of parallel conversions")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 3, BidsifyHelp)

	dicomDir := getFilename(os.Args[2], BidsifyHelp)

	setLogOutput(logPath)

	// sanity checks
	var sanityChecksFailed bool
	if !checkExist("", dicomDir) {
		sanityChecksFailed = true
	}
	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	} else if cfg.BIDSRoot == "" {
		log.Println("Error: No output dataset root, pass --bids-root or a study file.")
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, BidsifyHelp)
		os.Exit(1)
	}

	series, skippedFiles, err := dicomscan.Scan(dicomDir)
	if err != nil {
		return err
	}
	log.Printf("Found %v series under %v, %v files skipped.\n", len(series), dicomDir, skippedFiles)

	var conversions []conversion
	for _, s := range series {
		datatype, suffix, ok := s.Classify()
		if !ok {
			continue
		}
		sub := subjectLabel(subject, s)
		if sub == "" {
			log.Printf("Warning: series %v (%v) has no usable PatientID, pass --subject.\n", s.Number, s.Description)
			continue
		}
		parts := []string{sub}
		dir := filepath.Join(cfg.BIDSRoot, sub)
		if session != "" {
			ses := "ses-" + sanitizeLabel(session)
			parts = append(parts, ses)
			dir = filepath.Join(dir, ses)
		}
		if suffix == "bold" {
			parts = append(parts, "task-"+sanitizeLabel(task))
		}
		parts = append(parts, suffix)
		conversions = append(conversions, conversion{
			series: s,
			outDir: filepath.Join(dir, datatype),
			name:   strings.Join(parts, "_"),
		})
	}
	numberRepeats(conversions)

	names := make(map[string]string)
	for _, c := range conversions {
		names[c.series.UID] = c.name
	}
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"series", "description", "modality", "files", "target"})
	w.SetAutoFormatHeaders(false)
	w.SetBorder(false)
	w.SetHeaderLine(false)
	w.SetCenterSeparator("")
	w.SetColumnSeparator("")
	for _, s := range series {
		target := names[s.UID]
		if target == "" {
			target = "-"
		}
		w.Append([]string{s.Number, s.Description, s.Modality, strconv.Itoa(s.Files), target})
	}
	w.Render()

	if len(conversions) == 0 {
		log.Println("Nothing to convert.")
		return nil
	}

	manifestDir, logDir := stageDirs(cfg)
	var jobs []runner.Job
	for _, c := range conversions {
		jobs = append(jobs, runner.Job{
			Subject:    c.name,
			Tool:       tools.Dcm2niix(c.series.Dir, c.outDir, c.name),
			LogFile:    filepath.Join(logDir, "bidsify-"+c.name+".log"),
			DoneMarker: filepath.Join(c.outDir, c.name+".nii.gz"),
		})
	}

	opts := runner.Options{
		Stage:       "bidsify",
		Concurrency: nrOfJobs,
		Resume:      resume,
		ManifestDir: manifestDir,
		LogDir:      logDir,
	}
	if !execute {
		opts.DryRun = true
		_, err := runner.Run(context.Background(), jobs, opts)
		return err
	}

	if opts.Concurrency == 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	for _, c := range conversions {
		if err := os.MkdirAll(c.outDir, 0700); err != nil {
			return err
		}
	}
	if err := ensureDescription(cfg.BIDSRoot, cfg.Name); err != nil {
		return err
	}
	result, err := runner.Run(context.Background(), jobs, opts)
	if err != nil {
		return err
	}
	log.Printf("Converted %v series, %v failed, %v skipped.\n",
		len(result.Completed), len(result.Failed), len(result.Skipped))
	return failedError("bidsify", result)
}

func subjectLabel(forced string, s dicomscan.Series) string {
	label := s.PatientID
	if forced != "" {
		label = bids.ShortLabel(forced)
	}
	cleaned := sanitizeLabel(label)
	if cleaned == "" {
		return ""
	}
	return "sub-" + cleaned
}

// sanitizeLabel keeps the alphanumeric runes of a BIDS entity label.
func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numberRepeats inserts a run entity when several series map onto the
// same image name.
func numberRepeats(conversions []conversion) {
	counts := make(map[string]int)
	for _, c := range conversions {
		counts[c.name]++
	}
	runs := make(map[string]int)
	for i, c := range conversions {
		if counts[c.name] < 2 {
			continue
		}
		runs[c.name]++
		cut := strings.LastIndex(c.name, "_")
		conversions[i].name = fmt.Sprintf("%v_run-%v%v", c.name[:cut], runs[c.name], c.name[cut:])
	}
}

// ensureDescription writes a minimal dataset_description.json when the
// output dataset does not have one yet.
func ensureDescription(root, name string) error {
	path := filepath.Join(root, "dataset_description.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if name == "" || name == "default" {
		name = filepath.Base(root)
	}
	desc := bids.Description{Name: name, BIDSVersion: "1.8.0"}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0666)
}
