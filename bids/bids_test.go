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
	"os"
	"path/filepath"
	"testing"
)

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0666); err != nil {
		t.Fatal(err)
	}
}

func makeDataset(t *testing.T) Dataset {
	t.Helper()
	root := t.TempDir()
	d := Dataset{Root: root}
	if err := os.WriteFile(filepath.Join(root, "dataset_description.json"),
		[]byte(`{"Name": "demo study", "BIDSVersion": "1.8.0"}`), 0666); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(root, "sub-01", "anat", "sub-01_T1w.nii.gz"))
	touch(t, filepath.Join(root, "sub-01", "func", "sub-01_task-rest_bold.nii.gz"))
	touch(t, filepath.Join(root, "sub-01", "func", "sub-01_task-nback_bold.nii.gz"))
	touch(t, filepath.Join(root, "sub-02", "anat", "sub-02_T1w.nii.gz"))
	touch(t, filepath.Join(root, "sub-10", "ses-pre", "anat", "sub-10_ses-pre_T1w.nii.gz"))
	touch(t, filepath.Join(root, "derivatives", "keep.txt"))
	touch(t, filepath.Join(root, "sub-junkfile"))
	return d
}

func TestLabels(t *testing.T) {
	if FullLabel("01") != "sub-01" {
		t.Error("FullLabel add prefix failed")
	}
	if FullLabel("sub-01") != "sub-01" {
		t.Error("FullLabel keep prefix failed")
	}
	if ShortLabel("sub-01") != "01" {
		t.Error("ShortLabel failed")
	}
	if ShortLabel("01") != "01" {
		t.Error("ShortLabel passthrough failed")
	}
}

func TestSubjects(t *testing.T) {
	d := makeDataset(t)
	subjects, err := d.Subjects()
	if err != nil {
		t.Fatal(err)
	}
	if !stringsEqual(subjects, []string{"sub-01", "sub-02", "sub-10"}) {
		t.Error("Subjects failed:", subjects)
	}
	if _, err := (Dataset{Root: filepath.Join(d.Root, "nowhere")}).Subjects(); err == nil {
		t.Error("Subjects missing root failed")
	}
}

func TestSessions(t *testing.T) {
	d := makeDataset(t)
	sessions, err := d.Sessions("sub-10")
	if err != nil {
		t.Fatal(err)
	}
	if !stringsEqual(sessions, []string{"ses-pre"}) {
		t.Error("Sessions failed:", sessions)
	}
	sessions, err = d.Sessions("sub-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Error("Sessions flat subject failed:", sessions)
	}
}

func TestImagePaths(t *testing.T) {
	d := makeDataset(t)
	t1w, err := d.T1w("sub-01", "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(t1w) != "sub-01_T1w.nii.gz" {
		t.Error("T1w failed:", t1w)
	}
	t1w, err = d.T1w("10", "ses-pre")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(t1w) != "sub-10_ses-pre_T1w.nii.gz" {
		t.Error("T1w with session failed:", t1w)
	}
	if _, err := d.T1w("sub-02", "ses-pre"); err == nil {
		t.Error("T1w missing session failed")
	}

	bold, err := d.BOLD("sub-01", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(bold) != 2 {
		t.Error("BOLD all tasks failed:", bold)
	}
	bold, err = d.BOLD("sub-01", "", "rest")
	if err != nil {
		t.Fatal(err)
	}
	if len(bold) != 1 || filepath.Base(bold[0]) != "sub-01_task-rest_bold.nii.gz" {
		t.Error("BOLD task filter failed:", bold)
	}
}

func TestFilter(t *testing.T) {
	subjects := []string{"sub-01", "sub-02", "sub-10"}
	if !stringsEqual(Filter(subjects, nil, nil), subjects) {
		t.Error("Filter identity failed")
	}
	if !stringsEqual(Filter(subjects, []string{"02", "sub-10"}, nil), []string{"sub-02", "sub-10"}) {
		t.Error("Filter include failed")
	}
	if !stringsEqual(Filter(subjects, nil, []string{"10"}), []string{"sub-01", "sub-02"}) {
		t.Error("Filter exclude failed")
	}
	if !stringsEqual(Filter(subjects, []string{"01", "10"}, []string{"sub-10"}), []string{"sub-01"}) {
		t.Error("Filter include+exclude failed")
	}
}

func TestSplitLabels(t *testing.T) {
	if SplitLabels("") != nil {
		t.Error("SplitLabels empty failed")
	}
	if !stringsEqual(SplitLabels("01, 02,,sub-10"), []string{"01", "02", "sub-10"}) {
		t.Error("SplitLabels failed")
	}
}

func TestReadDescription(t *testing.T) {
	d := makeDataset(t)
	desc, err := d.ReadDescription()
	if err != nil {
		t.Fatal(err)
	}
	if desc.Name != "demo study" || desc.BIDSVersion != "1.8.0" {
		t.Error("ReadDescription failed:", desc)
	}
}

func TestReadParticipants(t *testing.T) {
	d := makeDataset(t)
	path := d.ParticipantsPath()
	content := "participant_id\tage\tgroup\n" +
		"sub-01\t31\tpatient\n" +
		"sub-02\t28\tcontrol\n" +
		"sub-10\t44\n"
	if err := os.WriteFile(path, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	participants, err := ReadParticipants(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(participants) != 3 {
		t.Fatal("ReadParticipants count failed:", len(participants))
	}
	if participants[0].ID != "sub-01" || participants[0].Get("group") != "patient" {
		t.Error("ReadParticipants row failed:", participants[0])
	}
	if participants[2].Get("group") != "" {
		t.Error("ReadParticipants short row failed")
	}

	if err := os.WriteFile(path, []byte("id\tage\nsub-01\t31\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadParticipants(path); err == nil {
		t.Error("ReadParticipants header check failed")
	}

	if err := os.WriteFile(path, []byte("participant_id\tage\nsub-01\t31\t9\t9\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadParticipants(path); err == nil {
		t.Error("ReadParticipants overlong row check failed")
	}

	if _, err := ReadParticipants(filepath.Join(d.Root, "no-such.tsv")); !os.IsNotExist(err) {
		t.Error("ReadParticipants missing file failed:", err)
	}
}

func TestCheckParticipantsConsistency(t *testing.T) {
	d := makeDataset(t)
	content := "participant_id\tage\n" +
		"sub-01\t31\n" +
		"sub-02\t28\n" +
		"sub-99\t60\n"
	if err := os.WriteFile(d.ParticipantsPath(), []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	problems := d.checkParticipants()
	var missingDir, unlisted int
	for _, p := range problems {
		switch p.Subject {
		case "sub-99":
			missingDir++
		case "sub-10":
			unlisted++
		default:
			t.Error("unexpected problem:", p)
		}
	}
	if missingDir != 1 || unlisted != 1 {
		t.Error("checkParticipants failed:", problems)
	}
}
