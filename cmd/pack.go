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
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/neuroscale/bidspipe/bids"
	"github.com/neuroscale/bidspipe/qc"
	"github.com/pkg/errors"
)

// PackHelp is the help string for this command.
const PackHelp = "\npack parameters:\n" +
	"bidspipe pack\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--qc path]\n" +
	"[--mriqc path]\n" +
	"[--out file]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--all]\n" +
	"[--log-path path]\n"

// Pack implements the bidspipe pack command.
func Pack() error {
	var (
		studyFile, bidsRoot, logPath string
		qcDir, mriqcDir, out         string
		include, exclude             string
		all                          bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&qcDir, "qc", "", "QC output directory (default derivatives/qc)")
	flags.StringVar(&mriqcDir, "mriqc", "", "MRIQC output directory (default derivatives/mriqc)")
	flags.StringVar(&out, "out", "", "bundle file to write (default: timestamped in the QC directory)")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to pack")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.BoolVar(&all, "all", false, "pack every subject in the group tables, not just the flagged ones")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, PackHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	if qcDir == "" {
		if cfg.BIDSRoot == "" {
			return errors.New("pass --qc or --bids-root to locate the QC output")
		}
		qcDir = filepath.Join(cfg.DerivativesDir(), "qc")
	}
	if mriqcDir == "" && cfg.BIDSRoot != "" {
		mriqcDir = filepath.Join(cfg.DerivativesDir(), "mriqc")
	}
	if out == "" {
		out = filepath.Join(qcDir, qc.BundleName(time.Now()))
	}

	subjects, err := packSubjects(qcDir, include, all)
	if err != nil {
		return err
	}
	subjects = bids.Filter(subjects, nil, bids.SplitLabels(exclude))
	if len(subjects) == 0 {
		log.Println("No flagged subjects, nothing to pack.")
		return nil
	}

	dirs := []string{qcDir}
	if mriqcDir != "" {
		dirs = append(dirs, mriqcDir)
	}
	_, logDir := stageDirs(cfg)
	if cfg.BIDSRoot != "" {
		dirs = append(dirs, logDir)
	}
	artifacts, missing, err := qc.CollectArtifacts(subjects, dirs...)
	if err != nil {
		return err
	}
	for _, sub := range missing {
		log.Printf("Warning: no artifacts found for %v.\n", sub)
	}
	artifacts = append(artifacts, groupArtifacts(qcDir)...)
	if err := qc.WriteBundle(out, artifacts); err != nil {
		return err
	}
	log.Printf("Wrote QC bundle %v with %v files for %v subjects.\n", out, len(artifacts), len(subjects))
	return nil
}

// packSubjects decides which subjects go into the bundle: an explicit
// list, everyone in the group tables, or by default the flagged ones.
func packSubjects(qcDir, include string, all bool) ([]string, error) {
	if include != "" {
		var subjects []string
		for _, label := range bids.SplitLabels(include) {
			subjects = append(subjects, bids.FullLabel(label))
		}
		return subjects, nil
	}
	if all {
		tables, err := filepath.Glob(qc.TablePath(qcDir, "*"))
		if err != nil {
			return nil, err
		}
		if len(tables) == 0 {
			return nil, errors.Errorf("no group tables in %v, run bidspipe qc first", qcDir)
		}
		seen := make(map[string]bool)
		var subjects []string
		for _, table := range tables {
			reports, err := qc.ReadGroupTSV(table)
			if err != nil {
				return nil, err
			}
			for _, report := range reports {
				if !seen[report.Subject] {
					seen[report.Subject] = true
					subjects = append(subjects, report.Subject)
				}
			}
		}
		sort.Strings(subjects)
		return subjects, nil
	}
	flagged, err := qc.ReadFlagged(filepath.Join(qcDir, "flagged.tsv"))
	if err != nil {
		return nil, errors.Wrap(err, "run bidspipe qc first")
	}
	return qc.FlaggedSubjects(flagged), nil
}

// groupArtifacts adds the group-level TSV reports so a bundle is
// reviewable on its own.
func groupArtifacts(qcDir string) []qc.Artifact {
	matches, _ := filepath.Glob(filepath.Join(qcDir, "*.tsv"))
	var artifacts []qc.Artifact
	for _, match := range matches {
		base := filepath.Base(match)
		if !strings.HasPrefix(base, "group_") && base != "flagged.tsv" {
			continue
		}
		artifacts = append(artifacts, qc.Artifact{
			Subject: "group",
			Source:  match,
			Name:    "group/" + base,
		})
	}
	return artifacts
}
