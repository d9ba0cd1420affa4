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
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// CheckHelp is the help string for this command.
const CheckHelp = "\ncheck parameters:\n" +
	"bidspipe check\n" +
	"[--study file]\n" +
	"[--bids-root path]\n" +
	"[--subjects list]\n" +
	"[--exclude list]\n" +
	"[--task label]\n" +
	"[--require-bold]\n" +
	"[--images]\n" +
	"[--log-path path]\n"

// Check implements the bidspipe check command.
func Check() error {
	var (
		studyFile, bidsRoot, logPath string
		include, exclude, task       string
		requireBOLD, images          bool
	)

	var flags flag.FlagSet
	flags.StringVar(&studyFile, "study", "", "study configuration file")
	flags.StringVar(&bidsRoot, "bids-root", "", "BIDS dataset root")
	flags.StringVar(&include, "subjects", "", "comma-separated subject labels to keep")
	flags.StringVar(&exclude, "exclude", "", "comma-separated subject labels to drop")
	flags.StringVar(&task, "task", "", "restrict functional runs to this task label")
	flags.BoolVar(&requireBOLD, "require-bold", false, "report subjects without functional runs")
	flags.BoolVar(&images, "images", false, "print a table of readable images")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 2, CheckHelp)

	setLogOutput(logPath)

	cfg, err := loadStudy(studyFile, bidsRoot)
	if err != nil {
		return err
	}
	dataset, subjects, err := selectSubjects(cfg, include, exclude)
	if err != nil {
		return err
	}

	problems, infos, err := dataset.Check(subjects, requireBOLD, task)
	if err != nil {
		return err
	}

	if images {
		w := tablewriter.NewWriter(os.Stdout)
		w.SetHeader([]string{"subject", "image", "dims", "voxel (mm)", "TR (s)"})
		w.SetAutoFormatHeaders(false)
		w.SetBorder(false)
		w.SetHeaderLine(false)
		w.SetCenterSeparator("")
		w.SetColumnSeparator("")
		for _, info := range infos {
			dims := make([]string, len(info.Dims))
			for i, d := range info.Dims {
				dims[i] = strconv.Itoa(d)
			}
			w.Append([]string{
				info.Subject,
				filepath.Base(info.Path),
				strings.Join(dims, "x"),
				fmt.Sprintf("%.1fx%.1fx%.1f", info.Voxel[0], info.Voxel[1], info.Voxel[2]),
				fmt.Sprintf("%.2f", info.TRSec),
			})
		}
		w.Render()
	}

	log.Printf("Checked %v subjects: %v readable images, %v problems.\n", len(subjects), len(infos), len(problems))
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Println(p)
		}
		return fmt.Errorf("%v problems in %v", len(problems), cfg.BIDSRoot)
	}
	return nil
}
