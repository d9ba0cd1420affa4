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
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/neuroscale/bidspipe/bids"
)

// SubjectsHelp is the help string for this command.
const SubjectsHelp = "\nsubjects parameters:\n" +
	"bidspipe subjects\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--sessions]\n" +
	"[--count]\n" +
	"[--tsv]\n" +
	"[--log-path path]\n"

// Subjects implements the bidspipe subjects command.
func Subjects() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude             string
		count, sessions, tsv         bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.BoolVar(&sessions, "sessions", false, "list sessions next to each subject")
	flags.BoolVar(&count, "count", false, "print only the number of selected subjects")
	flags.BoolVar(&tsv, "tsv", false, "print a participants table for the selection")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, SubjectsHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	dataset, subjects, err := selectSubjects(cfg, include, exclude)
	if err != nil {
		return err
	}

	if desc, err := dataset.ReadDescription(); err == nil {
		log.Printf("Dataset: %v (BIDS %v).\n", desc.Name, desc.BIDSVersion)
	}
	log.Printf("Selected %v subjects in %v.\n", len(subjects), cfg.BIDSRoot)

	if count {
		fmt.Println(len(subjects))
		return nil
	}
	if tsv {
		return printParticipants(dataset, subjects)
	}
	for _, sub := range subjects {
		if sessions {
			ses, err := dataset.Sessions(sub)
			if err != nil {
				return err
			}
			fmt.Printf("%v\t%v\n", sub, strings.Join(ses, ","))
		} else {
			fmt.Println(sub)
		}
	}
	return nil
}

// printParticipants writes a tab-separated table for the selected
// subjects, with the extra participants.tsv columns in sorted order.
func printParticipants(dataset bids.Dataset, subjects []string) error {
	participants, err := bids.ReadParticipants(dataset.ParticipantsPath())
	if err != nil {
		return err
	}
	rows := make(map[string]bids.Participant)
	columns := make(map[string]bool)
	for _, p := range participants {
		rows[p.ID] = p
		for col := range p.Fields {
			columns[col] = true
		}
	}
	var extra []string
	for col := range columns {
		extra = append(extra, col)
	}
	sort.Strings(extra)

	w := bufio.NewWriter(os.Stdout)
	fmt.Fprint(w, "participant_id")
	for _, col := range extra {
		fmt.Fprint(w, "\t", col)
	}
	fmt.Fprintln(w)
	for _, sub := range subjects {
		p, ok := rows[sub]
		if !ok {
			log.Printf("Warning: %v has no row in participants.tsv.\n", sub)
			continue
		}
		fmt.Fprint(w, sub)
		for _, col := range extra {
			value := p.Get(col)
			if value == "" {
				value = "n/a"
			}
			fmt.Fprint(w, "\t", value)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
