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
	"bufio"
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/qc"
	"github.com/pkg/errors"
)

// QcHelp is the help string for this command.
const QcHelp = "\nqc parameters:\n" +
	"bidspipe qc\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--mriqc path]\n" +
	"[--out path]\n" +
	"[--intermediate file]\n" +
	"[--combine path]\n" +
	"[--iqr-scale factor]\n" +
	"[--flag-metrics list]\n" +
	"[--strict]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile file]\n"

// Qc implements the bidspipe qc command.
func Qc() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude             string
		mriqcDir, out                string
		intermediate, combine        string
		iqrScale                     float64
		flagMetrics                  string
		strict                       bool
		timed                        bool
		profile                      string
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&mriqcDir, "mriqc", "", "MRIQC output directory (default derivatives/mriqc)")
	flags.StringVar(&out, "out", "", "QC output directory (default derivatives/qc)")
	flags.StringVar(&intermediate, "intermediate", "", "write reports to this intermediate file instead of group tables")
	flags.StringVar(&combine, "combine", "", "load reports from intermediate files instead of MRIQC sidecars")
	flags.Float64Var(&iqrScale, "iqr-scale", 0, "IQR fence scale factor")
	flags.StringVar(&flagMetrics, "flag-metrics", "", "comma-separated metrics checked against IQR fences")
	flags.BoolVar(&strict, "strict", false, "fail when any metric is flagged")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	flags.BoolVar(&timed, "timed", false, "measure the aggregation phases")
	flags.StringVar(&profile, "profile", "", "write a CPU profile to the specified file")

	parseFlags(flags, 2, QcHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	if mriqcDir == "" && combine == "" {
		if cfg.BIDSRoot == "" {
			return errors.New("pass --mriqc, --combine, or --bids-root to locate the MRIQC output")
		}
		mriqcDir = filepath.Join(cfg.DerivativesDir(), "mriqc")
	}
	if out == "" && intermediate == "" {
		if cfg.BIDSRoot == "" {
			return errors.New("pass --out or --bids-root to locate the QC output")
		}
		out = filepath.Join(cfg.DerivativesDir(), "qc")
	}
	if iqrScale == 0 {
		iqrScale = cfg.QC.IQRScale
	}
	metrics := cfg.QC.FlagMetrics
	if flagMetrics != "" {
		metrics = bids.SplitLabels(flagMetrics)
	}

	var reports []*qc.Report
	err = timedRun(timed, profile, "Reading QC reports.", 1, func() error {
		var err error
		if combine != "" {
			reports, err = qc.LoadAndCombineReports(combine)
		} else {
			reports, err = readMRIQC(mriqcDir)
		}
		return err
	})
	if err != nil {
		return err
	}
	reports = selectReports(reports, include, exclude)
	if len(reports) == 0 {
		return errors.Errorf("no MRIQC reports for the selected subjects in %v", mriqcDir)
	}
	log.Printf("Aggregating %v QC reports.\n", len(reports))

	if intermediate != "" {
		if dir := filepath.Dir(intermediate); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
		if err := qc.PrintReportsToIntermediateFile(intermediate, reports); err != nil {
			return err
		}
		log.Printf("Wrote %v reports to %v.\n", len(reports), intermediate)
		return nil
	}

	var flagged []qc.Flag
	err = timedRun(timed, profile, "Aggregating group tables.", 2, func() error {
		tables := qc.GroupTables(reports)
		paths, err := qc.WriteGroupTables(out, tables)
		if err != nil {
			return err
		}
		for _, path := range paths {
			log.Println("Wrote group table", path)
		}
		flagged = qc.FlagTables(tables, qc.Thresholds{
			Max:         cfg.QC.Max,
			Min:         cfg.QC.Min,
			IQRScale:    iqrScale,
			FlagMetrics: metrics,
		})
		return writeFlagFile(filepath.Join(out, "flagged.tsv"), flagged)
	})
	if err != nil {
		return err
	}

	subjects := qc.FlaggedSubjects(flagged)
	if len(flagged) == 0 {
		log.Println("No metrics flagged.")
	} else {
		log.Printf("Flagged %v values across %v subjects: %v.\n",
			len(flagged), len(subjects), subjects)
		if strict {
			return errors.Errorf("%v QC metrics flagged across %v subjects", len(flagged), len(subjects))
		}
	}
	return nil
}

// readMRIQC loads per-subject QC reports from an MRIQC output
// directory. It prefers the JSON sidecars and falls back to MRIQC's own
// group tables when a derivatives tree only kept those.
func readMRIQC(mriqcDir string) ([]*qc.Report, error) {
	sidecars, err := qc.FindSidecars(mriqcDir)
	if err != nil {
		return nil, err
	}
	if len(sidecars) > 0 {
		return qc.ReadSidecars(sidecars)
	}
	tables, err := filepath.Glob(qc.TablePath(mriqcDir, "*"))
	if err != nil {
		return nil, err
	}
	var reports []*qc.Report
	for _, table := range tables {
		tableReports, err := qc.ReadGroupTSV(table)
		if err != nil {
			return nil, err
		}
		reports = append(reports, tableReports...)
	}
	return reports, nil
}

// selectReports applies the subject selection to reports that already
// exist, so qc does not need the raw dataset at hand.
func selectReports(reports []*qc.Report, include, exclude string) []*qc.Report {
	if include == "" && exclude == "" {
		return reports
	}
	seen := make(map[string]bool)
	var all []string
	for _, report := range reports {
		if !seen[report.Subject] {
			seen[report.Subject] = true
			all = append(all, report.Subject)
		}
	}
	sort.Strings(all)
	keep := make(map[string]bool)
	for _, sub := range bids.Filter(all, bids.SplitLabels(include), bids.SplitLabels(exclude)) {
		keep[sub] = true
	}
	var kept []*qc.Report
	for _, report := range reports {
		if keep[report.Subject] {
			kept = append(kept, report)
		}
	}
	return kept
}

func writeFlagFile(path string, flags []qc.Flag) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating flag report")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	buf := bufio.NewWriter(file)
	if err := qc.WriteFlagged(buf, flags); err != nil {
		return errors.Wrapf(err, "writing flag report %v", path)
	}
	log.Println("Wrote flag report", path)
	return buf.Flush()
}
