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

package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neuroscale/bidspipe/tools"
)

func shellJob(dir, subject, script string) Job {
	return Job{
		Subject:    subject,
		Tool:       tools.Tool{Argv: []string{"/bin/sh", "-c", script}},
		LogFile:    filepath.Join(dir, "test-"+subject+".log"),
		DoneMarker: filepath.Join(dir, subject+".done"),
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, s := range a {
		if s != b[i] {
			return false
		}
	}
	return true
}

func TestRunCompletes(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		shellJob(dir, "sub-01", "echo one"),
		shellJob(dir, "sub-02", "echo two"),
		shellJob(dir, "sub-03", "echo three"),
	}
	result, err := Run(context.Background(), jobs, Options{
		Stage:         "test",
		Concurrency:   2,
		ThreadsPerJob: 1,
		ManifestDir:   filepath.Join(dir, "manifests"),
		LogDir:        filepath.Join(dir, "logs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !stringsEqual(result.Completed, []string{"sub-01", "sub-02", "sub-03"}) {
		t.Errorf("TestRunCompletes failed, got completed %v", result.Completed)
	}
	if len(result.Failed) != 0 || len(result.Skipped) != 0 {
		t.Error("TestRunCompletes failed, unexpected failures or skips")
	}
	for _, job := range jobs {
		if _, err := os.Stat(job.DoneMarker); err != nil {
			t.Errorf("TestRunCompletes failed, missing done marker for %v", job.Subject)
		}
		contents, err := os.ReadFile(job.LogFile)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(contents), "Executing command:") {
			t.Errorf("TestRunCompletes failed, job log for %v lacks the command header", job.Subject)
		}
	}
	contents, err := os.ReadFile(result.ManifestFile)
	if err != nil {
		t.Fatal(err)
	}
	var manifest Manifest
	if err := json.Unmarshal(contents, &manifest); err != nil {
		t.Fatal(err)
	}
	if manifest.RunID != result.RunID || manifest.Stage != "test" || manifest.Concurrency != 2 {
		t.Error("TestRunCompletes failed, manifest header mismatch")
	}
	if !stringsEqual(manifest.Subjects, []string{"sub-01", "sub-02", "sub-03"}) {
		t.Errorf("TestRunCompletes failed, manifest subjects %v", manifest.Subjects)
	}
	if manifest.Done.Count() != 3 || !manifest.Done.Test(0) || !manifest.Done.Test(2) {
		t.Error("TestRunCompletes failed, manifest done bitset mismatch")
	}
	if manifest.Status["sub-02"] != StatusDone {
		t.Error("TestRunCompletes failed, manifest status mismatch")
	}
	events, err := os.ReadFile(filepath.Join(dir, "logs", "test-events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(events), "\n"), "\n")
	if len(lines) != 7 {
		t.Errorf("TestRunCompletes failed, got %v event lines", len(lines))
	}
	for _, line := range lines {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("TestRunCompletes failed, bad event line %v: %v", line, err)
		}
		if event["run_id"] != result.RunID {
			t.Error("TestRunCompletes failed, event run_id mismatch")
		}
	}
}

func TestRunContinueOnError(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		shellJob(dir, "sub-01", "exit 0"),
		shellJob(dir, "sub-02", "exit 1"),
		shellJob(dir, "sub-03", "exit 0"),
	}
	result, err := Run(context.Background(), jobs, Options{Stage: "test", Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !stringsEqual(result.Failed, []string{"sub-02"}) {
		t.Errorf("TestRunContinueOnError failed, got failed %v", result.Failed)
	}
	if !stringsEqual(result.Completed, []string{"sub-01", "sub-03"}) {
		t.Errorf("TestRunContinueOnError failed, got completed %v", result.Completed)
	}
	if _, err := os.Stat(jobs[1].DoneMarker); err == nil {
		t.Error("TestRunContinueOnError failed, failed job has a done marker")
	}
}

func TestRunFailFast(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		shellJob(dir, "sub-01", "exit 1"),
		shellJob(dir, "sub-02", "sleep 5"),
	}
	result, err := Run(context.Background(), jobs, Options{Stage: "test", Concurrency: 1, FailFast: true})
	if err == nil {
		t.Fatal("TestRunFailFast failed, expected an error")
	}
	if !stringsEqual(result.Failed, []string{"sub-01"}) {
		t.Errorf("TestRunFailFast failed, got failed %v", result.Failed)
	}
	if len(result.Completed) != 0 {
		t.Errorf("TestRunFailFast failed, got completed %v", result.Completed)
	}
}

func TestRunResume(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		shellJob(dir, "sub-01", "echo one"),
		shellJob(dir, "sub-02", "echo two"),
	}
	if err := os.WriteFile(jobs[0].DoneMarker, []byte("earlier-run\n"), 0644); err != nil {
		t.Fatal(err)
	}
	result, err := Run(context.Background(), jobs, Options{Stage: "test", Concurrency: 2, Resume: true})
	if err != nil {
		t.Fatal(err)
	}
	if !stringsEqual(result.Skipped, []string{"sub-01"}) {
		t.Errorf("TestRunResume failed, got skipped %v", result.Skipped)
	}
	if !stringsEqual(result.Completed, []string{"sub-02"}) {
		t.Errorf("TestRunResume failed, got completed %v", result.Completed)
	}
	if _, err := os.Stat(jobs[0].LogFile); err == nil {
		t.Error("TestRunResume failed, skipped job wrote a log file")
	}
	contents, err := os.ReadFile(jobs[0].DoneMarker)
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "earlier-run\n" {
		t.Error("TestRunResume failed, skipped job rewrote its done marker")
	}
}

func TestRunDryRun(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{shellJob(dir, "sub-01", "echo one")}
	result, err := Run(context.Background(), jobs, Options{
		Stage:       "test",
		Concurrency: 1,
		DryRun:      true,
		ManifestDir: filepath.Join(dir, "manifests"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ManifestFile != "" {
		t.Error("TestRunDryRun failed, dry run wrote a manifest")
	}
	if _, err := os.Stat(jobs[0].LogFile); err == nil {
		t.Error("TestRunDryRun failed, dry run wrote a job log")
	}
	if _, err := os.Stat(jobs[0].DoneMarker); err == nil {
		t.Error("TestRunDryRun failed, dry run wrote a done marker")
	}
}

func TestRunThreadsEnv(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "batch.txt")
	own := filepath.Join(dir, "own.txt")
	jobs := []Job{
		shellJob(dir, "sub-01", "echo $OMP_NUM_THREADS > "+batch),
		{
			Subject: "sub-02",
			Tool: tools.Tool{
				Argv: []string{"/bin/sh", "-c", "echo $OMP_NUM_THREADS > " + own},
				Env:  []string{"OMP_NUM_THREADS=2"},
			},
		},
	}

	_, err := Run(context.Background(), jobs, Options{Stage: "test", ThreadsPerJob: 4})
	if err != nil {
		t.Fatal(err)
	}
	if data, err := os.ReadFile(batch); err != nil || strings.TrimSpace(string(data)) != "4" {
		t.Errorf("batch threads = %q (err %v), want 4", data, err)
	}
	if data, err := os.ReadFile(own); err != nil || strings.TrimSpace(string(data)) != "2" {
		t.Errorf("job threads = %q (err %v), want 2", data, err)
	}
}

func TestResultAdd(t *testing.T) {
	result := Result{Completed: []string{"sub-01"}, WallSeconds: 10}
	result.Add(Result{Completed: []string{"sub-02"}, Failed: []string{"sub-03"}, WallSeconds: 5})
	if !stringsEqual(result.Completed, []string{"sub-01", "sub-02"}) ||
		!stringsEqual(result.Failed, []string{"sub-03"}) ||
		result.WallSeconds != 15 {
		t.Error("TestResultAdd failed")
	}
}
