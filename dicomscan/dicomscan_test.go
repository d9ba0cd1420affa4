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

package dicomscan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanSkipsNonDICOM(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.dcm"), nil, 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "DICOMDIR"), []byte("index"), 0666); err != nil {
		t.Fatal(err)
	}

	series, skipped, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 0 {
		t.Errorf("series = %v, want none", series)
	}
	// DICOMDIR is ignored before parsing and does not count.
	if skipped != 2 {
		t.Errorf("skipped = %v, want 2", skipped)
	}
}

func TestScanMissingRoot(t *testing.T) {
	if _, _, err := Scan(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected an error for a missing scan root")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		description      string
		datatype, suffix string
		ok               bool
	}{
		{"MPRAGE T1 sagittal", "anat", "T1w", true},
		{"t1_mprage_1mm", "anat", "T1w", true},
		{"T2 SPACE", "anat", "T2w", true},
		{"rsfMRI REST run 1", "func", "bold", true},
		{"task-nback BOLD", "func", "bold", true},
		{"DTI 64 directions", "", "", false},
		{"localizer", "", "", false},
	}
	for _, c := range cases {
		datatype, suffix, ok := Series{Description: c.description}.Classify()
		if datatype != c.datatype || suffix != c.suffix || ok != c.ok {
			t.Errorf("Classify(%q) = %v/%v/%v, want %v/%v/%v",
				c.description, datatype, suffix, ok, c.datatype, c.suffix, c.ok)
		}
	}
}

func TestSeriesNumberLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2", "10", true},
		{"10", "2", false},
		{"3", "3", false},
		{"", "1", true},
		{"a", "b", true},
	}
	for _, c := range cases {
		if got := seriesNumberLess(c.a, c.b); got != c.want {
			t.Errorf("seriesNumberLess(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
