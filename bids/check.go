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

package bids

import (
	"fmt"
	"os"

	"github.com/neuroscale/bidspipe/nifti"
)

// A Problem is one failed expectation about the dataset layout.
type Problem struct {
	Subject string
	Path    string
	Message string
}

func (p Problem) String() string {
	switch {
	case p.Path != "":
		return fmt.Sprintf("%v: %v: %v", p.Subject, p.Path, p.Message)
	case p.Subject != "":
		return fmt.Sprintf("%v: %v", p.Subject, p.Message)
	default:
		return p.Message
	}
}

// An ImageInfo summarizes a readable image for reporting.
type ImageInfo struct {
	Subject string
	Path    string
	Dims    []int
	Voxel   [3]float32
	TRSec   float64
}

// Check verifies the dataset layout for the given subjects: every
// subject has a readable T1w anatomical, functional runs when
// requireBOLD is set, and participants.tsv agrees with the directory
// tree when present. NIfTI headers of all encountered images are
// parsed. Problems are collected rather than failing fast, so a whole
// dataset can be repaired in one pass.
func (d Dataset) Check(subjects []string, requireBOLD bool, task string) ([]Problem, []ImageInfo, error) {
	var problems []Problem
	var images []ImageInfo

	checkImage := func(sub, path string) {
		h, err := nifti.ReadHeaderFile(path)
		if err != nil {
			problems = append(problems, Problem{Subject: sub, Path: path, Message: err.Error()})
			return
		}
		images = append(images, ImageInfo{
			Subject: sub,
			Path:    path,
			Dims:    h.DimSizes(),
			Voxel:   h.VoxelSize(),
			TRSec:   h.TRSeconds(),
		})
	}

	for _, sub := range subjects {
		sessions, err := d.Sessions(sub)
		if err != nil {
			problems = append(problems, Problem{Subject: sub, Message: err.Error()})
			continue
		}
		// Datasets without a session level check the subject directly.
		if len(sessions) == 0 {
			sessions = []string{""}
		}
		for _, ses := range sessions {
			t1w, err := d.T1w(sub, ses)
			if err != nil {
				problems = append(problems, Problem{Subject: sub, Message: err.Error()})
			} else {
				checkImage(sub, t1w)
			}
			bold, err := d.BOLD(sub, ses, task)
			if err != nil {
				problems = append(problems, Problem{Subject: sub, Message: err.Error()})
				continue
			}
			if requireBOLD && len(bold) == 0 {
				problems = append(problems, Problem{Subject: sub, Message: "no functional runs"})
			}
			for _, run := range bold {
				checkImage(sub, run)
			}
		}
	}

	problems = append(problems, d.checkParticipants()...)
	return problems, images, nil
}

// checkParticipants cross-checks participants.tsv against all subject
// directories on disk, regardless of any subject filter in effect. A
// dataset without the file passes.
func (d Dataset) checkParticipants() []Problem {
	path := d.ParticipantsPath()
	participants, err := ReadParticipants(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []Problem{{Path: path, Message: err.Error()}}
	}
	all, err := d.Subjects()
	if err != nil {
		return []Problem{{Path: d.Root, Message: err.Error()}}
	}
	var problems []Problem
	listed := make(map[string]bool)
	for _, p := range participants {
		listed[FullLabel(p.ID)] = true
	}
	present := make(map[string]bool)
	for _, sub := range all {
		present[sub] = true
		if !listed[sub] {
			problems = append(problems, Problem{Subject: sub, Path: path, Message: "not listed in participants.tsv"})
		}
	}
	for _, p := range participants {
		if !present[FullLabel(p.ID)] {
			problems = append(problems, Problem{Subject: FullLabel(p.ID), Path: path, Message: "listed in participants.tsv but no subject directory"})
		}
	}
	return problems
}
