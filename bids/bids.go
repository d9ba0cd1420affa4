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

// Package bids locates subjects, sessions, and image files in a
// dataset laid out according to the Brain Imaging Data Structure.
package bids

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// A Dataset is the root directory of a BIDS dataset.
type Dataset struct {
	Root string
}

// Description is the part of dataset_description.json that bidspipe
// reports back to the user.
type Description struct {
	Name        string `json:"Name"`
	BIDSVersion string `json:"BIDSVersion"`
}

// ReadDescription parses dataset_description.json at the dataset root.
func (d Dataset) ReadDescription() (desc Description, err error) {
	f, err := os.Open(filepath.Join(d.Root, "dataset_description.json"))
	if err != nil {
		return Description{}, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	if err := json.NewDecoder(f).Decode(&desc); err != nil {
		return Description{}, errors.Wrap(err, "parsing dataset_description.json")
	}
	return desc, nil
}

// FullLabel returns the label with the sub- prefix, adding it when
// missing, so command lines can name subjects either way.
func FullLabel(label string) string {
	if strings.HasPrefix(label, "sub-") {
		return label
	}
	return "sub-" + label
}

// ShortLabel returns the label without the sub- prefix.
func ShortLabel(label string) string {
	return strings.TrimPrefix(label, "sub-")
}

// Subjects returns the sub-* directory names directly under the
// dataset root, sorted. An empty dataset is not an error here;
// commands decide whether zero subjects is acceptable.
func (d Dataset) Subjects() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset root %v", d.Root)
	}
	var subjects []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "sub-") {
			subjects = append(subjects, entry.Name())
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Sessions returns the ses-* directory names under a subject, sorted.
// A subject without a session level returns an empty slice.
func (d Dataset) Sessions(sub string) ([]string, error) {
	entries, err := os.ReadDir(d.SubjectDir(sub))
	if err != nil {
		return nil, errors.Wrapf(err, "reading subject %v", sub)
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "ses-") {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// SubjectDir is the directory of a subject.
func (d Dataset) SubjectDir(sub string) string {
	return filepath.Join(d.Root, FullLabel(sub))
}

func (d Dataset) dataDir(sub, ses, kind string) string {
	if ses == "" {
		return filepath.Join(d.SubjectDir(sub), kind)
	}
	return filepath.Join(d.SubjectDir(sub), ses, kind)
}

// AnatDir is the anatomical image directory of a subject, with ses
// empty for datasets without a session level.
func (d Dataset) AnatDir(sub, ses string) string {
	return d.dataDir(sub, ses, "anat")
}

// FuncDir is the functional image directory of a subject.
func (d Dataset) FuncDir(sub, ses string) string {
	return d.dataDir(sub, ses, "func")
}

// T1w returns the T1-weighted anatomical image of a subject. When a
// subject has several (e.g. reruns), the lexicographically first is
// returned, which prefers the unnumbered or lowest run.
func (d Dataset) T1w(sub, ses string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(d.AnatDir(sub, ses), "*_T1w.nii*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no T1w image for %v", FullLabel(sub))
	}
	sort.Strings(matches)
	return matches[0], nil
}

// BOLD returns the functional runs of a subject, sorted, optionally
// restricted to a task.
func (d Dataset) BOLD(sub, ses, task string) ([]string, error) {
	pattern := "*_bold.nii*"
	if task != "" {
		pattern = "*_task-" + task + "*_bold.nii*"
	}
	matches, err := filepath.Glob(filepath.Join(d.FuncDir(sub, ses), pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Filter reduces a subject list to the include set minus the exclude
// set, keeping order. Empty include means all subjects. Labels are
// accepted with or without the sub- prefix.
func Filter(subjects, include, exclude []string) []string {
	included := make(map[string]bool)
	for _, label := range include {
		included[FullLabel(label)] = true
	}
	excluded := make(map[string]bool)
	for _, label := range exclude {
		excluded[FullLabel(label)] = true
	}
	var result []string
	for _, sub := range subjects {
		if len(included) > 0 && !included[sub] {
			continue
		}
		if excluded[sub] {
			continue
		}
		result = append(result, sub)
	}
	return result
}

// SplitLabels splits a comma-separated label list as given on command
// lines, dropping empty entries.
func SplitLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	for _, label := range strings.Split(s, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}
