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

package qc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBIDSName(t *testing.T) {
	subject, session, modality, err := parseBIDSName("sub-01_T1w")
	if err != nil || subject != "sub-01" || session != "" || modality != "T1w" {
		t.Error("TestParseBIDSName failed for sub-01_T1w")
	}
	subject, session, modality, err = parseBIDSName("sub-01_ses-pre_task-rest_bold")
	if err != nil || subject != "sub-01" || session != "ses-pre" || modality != "bold" {
		t.Error("TestParseBIDSName failed for sub-01_ses-pre_task-rest_bold")
	}
	if _, _, _, err := parseBIDSName("T1w"); err == nil {
		t.Error("TestParseBIDSName failed, expected an error for a name without entities")
	}
	if _, _, _, err := parseBIDSName("ses-pre_T1w"); err == nil {
		t.Error("TestParseBIDSName failed, expected an error for a name without a subject")
	}
}

func writeSidecar(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSidecar(t *testing.T) {
	dir := t.TempDir()
	path := writeSidecar(t, dir, "sub-01_T1w.json",
		`{"efc": 0.52, "snr": 4.1, "size_x": 64,
		  "bids_meta": {"subject_id": "01"},
		  "provenance": {"version": "24.0"},
		  "warnings": false}`)
	report, err := ReadSidecar(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.BIDSName != "sub-01_T1w" || report.Subject != "sub-01" || report.Modality != "T1w" {
		t.Error("TestReadSidecar failed, identity mismatch")
	}
	if len(report.Metrics) != 3 || report.Metrics["efc"] != 0.52 || report.Metrics["snr"] != 4.1 || report.Metrics["size_x"] != 64 {
		t.Errorf("TestReadSidecar failed, got metrics %v", report.Metrics)
	}
	if _, err := ReadSidecar(filepath.Join(dir, "absent.json")); err == nil {
		t.Error("TestReadSidecar failed, expected an error for a missing file")
	}
	bad := writeSidecar(t, dir, "sub-02_T1w.json", "{")
	if _, err := ReadSidecar(bad); err == nil {
		t.Error("TestReadSidecar failed, expected an error for truncated JSON")
	}
}

func TestFindAndReadSidecars(t *testing.T) {
	dir := t.TempDir()
	writeSidecar(t, dir, "sub-02_T1w.json", `{"efc": 0.61}`)
	writeSidecar(t, dir, "sub-01_T1w.json", `{"efc": 0.52}`)
	writeSidecar(t, dir, filepath.Join("sub-01", "func", "sub-01_task-rest_bold.json"), `{"fd_mean": 0.15}`)
	writeSidecar(t, dir, "dataset_description.json", `{}`)
	writeSidecar(t, dir, "mriqc.log", "not json")
	paths, err := FindSidecars(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("TestFindAndReadSidecars failed, got %v sidecars", len(paths))
	}
	reports, err := ReadSidecars(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("TestFindAndReadSidecars failed, got %v reports", len(reports))
	}
	names := make([]string, len(reports))
	for i, report := range reports {
		names[i] = report.BIDSName
	}
	want := []string{"sub-01_task-rest_bold", "sub-01_T1w", "sub-02_T1w"}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("TestFindAndReadSidecars failed, got order %v", names)
			break
		}
	}
}

func testReports() []*Report {
	return []*Report{
		{BIDSName: "sub-02_T1w", Subject: "sub-02", Modality: "T1w",
			Metrics: map[string]float64{"efc": 0.61, "snr": 3.2}},
		{BIDSName: "sub-01_T1w", Subject: "sub-01", Modality: "T1w",
			Metrics: map[string]float64{"cjv": 0.42, "efc": 0.52, "snr": 4.1}},
		{BIDSName: "sub-01_task-rest_bold", Subject: "sub-01", Modality: "bold",
			Metrics: map[string]float64{"dvars_nstd": 1.2, "fd_mean": 0.15}},
	}
}

func TestGroupTables(t *testing.T) {
	tables := GroupTables(testReports())
	if len(tables) != 2 || tables[0].Modality != "T1w" || tables[1].Modality != "bold" {
		t.Fatal("TestGroupTables failed, modality grouping mismatch")
	}
	if strings.Join(tables[0].Columns, ",") != "cjv,efc,snr" {
		t.Errorf("TestGroupTables failed, got T1w columns %v", tables[0].Columns)
	}
	if tables[0].Rows[0].BIDSName != "sub-01_T1w" || tables[0].Rows[1].BIDSName != "sub-02_T1w" {
		t.Error("TestGroupTables failed, row order mismatch")
	}
	if strings.Join(tables[1].Columns, ",") != "dvars_nstd,fd_mean" {
		t.Errorf("TestGroupTables failed, got bold columns %v", tables[1].Columns)
	}
}

func TestWriteTSV(t *testing.T) {
	tables := GroupTables(testReports())
	var out strings.Builder
	if err := tables[0].WriteTSV(&out); err != nil {
		t.Fatal(err)
	}
	want := "bids_name\tsubject\tsession\tcjv\tefc\tsnr\n" +
		"sub-01_T1w\tsub-01\t\t0.42\t0.52\t4.1\n" +
		"sub-02_T1w\tsub-02\t\tn/a\t0.61\t3.2\n"
	if out.String() != want {
		t.Errorf("TestWriteTSV failed\ngot:\n%v\nwant:\n%v", out.String(), want)
	}
}

func TestGroupTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tables := GroupTables(testReports())
	paths, err := WriteGroupTables(dir, tables)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "group_T1w.tsv" || filepath.Base(paths[1]) != "group_bold.tsv" {
		t.Fatalf("TestGroupTableRoundTrip failed, got paths %v", paths)
	}
	reports, err := ReadGroupTSV(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("TestGroupTableRoundTrip failed, got %v reports", len(reports))
	}
	first := reports[0]
	if first.BIDSName != "sub-01_T1w" || first.Subject != "sub-01" || first.Modality != "T1w" {
		t.Error("TestGroupTableRoundTrip failed, identity mismatch")
	}
	if len(first.Metrics) != 3 || first.Metrics["cjv"] != 0.42 || first.Metrics["snr"] != 4.1 {
		t.Errorf("TestGroupTableRoundTrip failed, got metrics %v", first.Metrics)
	}
	second := reports[1]
	if len(second.Metrics) != 2 {
		t.Errorf("TestGroupTableRoundTrip failed, n/a should not parse, got %v", second.Metrics)
	}
}

func TestReadGroupTSVFromMRIQC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group_bold.tsv")
	contents := "bids_name\taor\tfd_mean\n" +
		"sub-01_task-rest_bold\t0.002\t0.15\n" +
		"sub-02_task-rest_bold\t0.004\t0.32\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	reports, err := ReadGroupTSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[1].Metrics["fd_mean"] != 0.32 {
		t.Error("TestReadGroupTSVFromMRIQC failed")
	}

	bad := filepath.Join(dir, "bad.tsv")
	if err := os.WriteFile(bad, []byte("name\tefc\nsub-01_T1w\t0.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadGroupTSV(bad); err == nil {
		t.Error("TestReadGroupTSVFromMRIQC failed, expected an error for a bad header")
	}
}

func TestAbsoluteFlags(t *testing.T) {
	tables := []*Table{{
		Modality: "bold",
		Columns:  []string{"fd_mean", "snr"},
		Rows: []*Report{
			{BIDSName: "sub-01_bold", Subject: "sub-01", Modality: "bold",
				Metrics: map[string]float64{"fd_mean": 0.5, "snr": 2}},
			{BIDSName: "sub-02_bold", Subject: "sub-02", Modality: "bold",
				Metrics: map[string]float64{"fd_mean": 0.1, "snr": 5}},
		},
	}}
	flags := FlagTables(tables, Thresholds{
		Max: map[string]float64{"fd_mean": 0.3},
		Min: map[string]float64{"snr": 3},
	})
	if len(flags) != 2 {
		t.Fatalf("TestAbsoluteFlags failed, got %v flags", len(flags))
	}
	if flags[0].Metric != "fd_mean" || flags[0].Rule != RuleMax || flags[0].Value != 0.5 || flags[0].Bound != 0.3 {
		t.Errorf("TestAbsoluteFlags failed, got %+v", flags[0])
	}
	if flags[1].Metric != "snr" || flags[1].Rule != RuleMin || flags[1].Subject != "sub-01" {
		t.Errorf("TestAbsoluteFlags failed, got %+v", flags[1])
	}
}

func TestFenceFlags(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 100}
	table := &Table{Modality: "bold", Columns: []string{"dvars_nstd"}}
	for i, value := range values {
		subject := fmt.Sprintf("sub-%02d", i+1)
		table.Rows = append(table.Rows, &Report{
			BIDSName: subject + "_bold",
			Subject:  subject,
			Modality: "bold",
			Metrics:  map[string]float64{"dvars_nstd": value},
		})
	}
	flags := FlagTables([]*Table{table}, Thresholds{FlagMetrics: []string{"dvars_nstd"}})
	if len(flags) != 1 {
		t.Fatalf("TestFenceFlags failed, got %v flags", len(flags))
	}
	flag := flags[0]
	if flag.Subject != "sub-08" || flag.Rule != RuleIQRHigh || flag.Value != 100 || flag.Bound != 12 {
		t.Errorf("TestFenceFlags failed, got %+v", flag)
	}

	small := &Table{Modality: "bold", Rows: table.Rows[:3], Columns: table.Columns}
	if flags := FlagTables([]*Table{small}, Thresholds{FlagMetrics: []string{"dvars_nstd"}}); len(flags) != 0 {
		t.Error("TestFenceFlags failed, fences applied to a tiny group")
	}
}

func TestFlaggedSubjects(t *testing.T) {
	flags := []Flag{
		{Subject: "sub-02"},
		{Subject: "sub-01"},
		{Subject: "sub-02"},
	}
	subjects := FlaggedSubjects(flags)
	if len(subjects) != 2 || subjects[0] != "sub-01" || subjects[1] != "sub-02" {
		t.Errorf("TestFlaggedSubjects failed, got %v", subjects)
	}
}

func TestWriteFlagged(t *testing.T) {
	flags := []Flag{{
		Subject:  "sub-01",
		BIDSName: "sub-01_bold",
		Modality: "bold",
		Metric:   "fd_mean",
		Value:    0.5,
		Bound:    0.3,
		Rule:     RuleMax,
	}}
	var out strings.Builder
	if err := WriteFlagged(&out, flags); err != nil {
		t.Fatal(err)
	}
	want := "subject\tbids_name\tmodality\tmetric\tvalue\tbound\trule\n" +
		"sub-01\tsub-01_bold\tbold\tfd_mean\t0.5\t0.3\tmax\n"
	if out.String() != want {
		t.Errorf("TestWriteFlagged failed\ngot:\n%v\nwant:\n%v", out.String(), want)
	}
}

func TestReadFlagged(t *testing.T) {
	flags := []Flag{
		{Subject: "sub-01", BIDSName: "sub-01_bold", Modality: "bold",
			Metric: "fd_mean", Value: 0.5, Bound: 0.3, Rule: RuleMax},
		{Subject: "sub-03", BIDSName: "sub-03_T1w", Modality: "T1w",
			Metric: "snr", Value: 2.5, Bound: 4, Rule: RuleIQRLow},
	}
	path := filepath.Join(t.TempDir(), "flagged.tsv")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFlagged(file, flags); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	read, err := ReadFlagged(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 2 || read[0] != flags[0] || read[1] != flags[1] {
		t.Errorf("TestReadFlagged failed, got %v", read)
	}
}

func TestIntermediateFiles(t *testing.T) {
	dir := t.TempDir()
	reports := testReports()
	if err := PrintReportsToIntermediateFile(filepath.Join(dir, "part-0.gob"), reports[:2]); err != nil {
		t.Fatal(err)
	}
	updated := &Report{BIDSName: "sub-02_T1w", Subject: "sub-02", Modality: "T1w",
		Metrics: map[string]float64{"efc": 0.7}}
	if err := PrintReportsToIntermediateFile(filepath.Join(dir, "part-1.gob"), []*Report{reports[2], updated}); err != nil {
		t.Fatal(err)
	}
	combined, err := LoadAndCombineReports(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(combined) != 3 {
		t.Fatalf("TestIntermediateFiles failed, got %v reports", len(combined))
	}
	if combined[0].BIDSName != "sub-01_T1w" ||
		combined[1].BIDSName != "sub-01_task-rest_bold" ||
		combined[2].BIDSName != "sub-02_T1w" {
		t.Error("TestIntermediateFiles failed, order mismatch")
	}
	if combined[2].Metrics["efc"] != 0.7 {
		t.Error("TestIntermediateFiles failed, later file should win")
	}
}
