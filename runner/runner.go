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

// Package runner executes batches of per-subject jobs with bounded
// concurrency, records a manifest per run, and streams job events to a
// JSONL file so long runs can be monitored with tail.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuroscale/bidspipe/tools"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of work: a command line for one subject, the file
// its combined output goes to, and an optional marker file that makes
// the job resumable.
type Job struct {
	Subject    string
	Tool       tools.Tool
	LogFile    string
	DoneMarker string
}

// Per-subject status values recorded in the run manifest.
const (
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Options controls one batch run. A positive ThreadsPerJob exports
// OMP_NUM_THREADS to every job; a job's own environment wins when it
// sets the variable itself.
type Options struct {
	Stage         string
	Concurrency   int
	ThreadsPerJob int
	FailFast      bool
	DryRun        bool
	Resume        bool
	ManifestDir   string
	LogDir        string
}

// Manifest is the on-disk record of one batch run. The done bitset is
// indexed like the subject list.
type Manifest struct {
	RunID         string            `json:"run_id"`
	Stage         string            `json:"stage"`
	Started       time.Time         `json:"started"`
	Finished      time.Time         `json:"finished"`
	WallSeconds   float64           `json:"wall_seconds"`
	Concurrency   int               `json:"concurrency"`
	ThreadsPerJob int               `json:"threads_per_job,omitempty"`
	Subjects      []string          `json:"subjects"`
	Status        map[string]string `json:"status"`
	Done          *bitset.BitSet    `json:"done"`
	Failed        []string          `json:"failed,omitempty"`
	Skipped       []string          `json:"skipped,omitempty"`
}

// Result summarizes a finished batch for the caller.
type Result struct {
	RunID        string
	Completed    []string
	Failed       []string
	Skipped      []string
	WallSeconds  float64
	ManifestFile string
}

// Add folds the outcome of a follow-up phase into r, as when a
// remainder batch runs after the full batches.
func (r *Result) Add(other Result) {
	r.Completed = append(r.Completed, other.Completed...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.WallSeconds += other.WallSeconds
}

type tracker struct {
	mu     sync.Mutex
	status []string
}

func (t *tracker) set(index int, status string) {
	t.mu.Lock()
	t.status[index] = status
	t.mu.Unlock()
}

// Run executes the jobs with at most Concurrency of them in flight.
// Job failures do not abort the batch unless FailFast is set; they are
// collected in the result instead. The returned error reports
// infrastructure problems and fail-fast aborts, not individual job
// failures.
func Run(ctx context.Context, jobs []Job, opts Options) (Result, error) {
	if len(jobs) == 0 {
		return Result{}, nil
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	runID := uuid.New().String()
	started := time.Now()
	runName := fmt.Sprintf("%s-run-%s", opts.Stage, started.Format(time.RFC3339))

	if opts.DryRun {
		for _, job := range jobs {
			fmt.Println(job.Tool.String())
		}
		return Result{RunID: runID}, nil
	}

	events, closeEvents, err := openEvents(opts)
	if err != nil {
		return Result{}, err
	}
	defer closeEvents()

	var batchEnv []string
	if opts.ThreadsPerJob > 0 {
		batchEnv = []string{fmt.Sprintf("OMP_NUM_THREADS=%d", opts.ThreadsPerJob)}
	}

	track := &tracker{status: make([]string, len(jobs))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for index, job := range jobs {
		index, job := index, job
		g.Go(func() error {
			if opts.Resume && job.DoneMarker != "" {
				if _, err := os.Stat(job.DoneMarker); err == nil {
					track.set(index, StatusSkipped)
					events.Info("job skipped", "run_id", runID, "stage", opts.Stage, "subject", job.Subject)
					return nil
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			events.Info("job start", "run_id", runID, "stage", opts.Stage, "subject", job.Subject)
			jobStart := time.Now()
			err := runJob(gctx, job, batchEnv)
			seconds := time.Since(jobStart).Seconds()
			if err != nil {
				track.set(index, StatusFailed)
				events.Error("job failed", "run_id", runID, "stage", opts.Stage, "subject", job.Subject, "seconds", seconds, "error", err.Error())
				log.Printf("%v failed for %v: %v", opts.Stage, job.Subject, err)
				if opts.FailFast {
					return errors.Wrapf(err, "%v failed for %v", opts.Stage, job.Subject)
				}
				return nil
			}
			track.set(index, StatusDone)
			events.Info("job done", "run_id", runID, "stage", opts.Stage, "subject", job.Subject, "seconds", seconds)
			if job.DoneMarker != "" {
				if err := os.MkdirAll(filepath.Dir(job.DoneMarker), 0700); err != nil {
					return errors.Wrapf(err, "writing done marker for %v", job.Subject)
				}
				if err := os.WriteFile(job.DoneMarker, []byte(runID+"\n"), 0644); err != nil {
					return errors.Wrapf(err, "writing done marker for %v", job.Subject)
				}
			}
			return nil
		})
	}
	werr := g.Wait()
	finished := time.Now()

	manifest := Manifest{
		RunID:         runID,
		Stage:         opts.Stage,
		Started:       started,
		Finished:      finished,
		WallSeconds:   finished.Sub(started).Seconds(),
		Concurrency:   opts.Concurrency,
		ThreadsPerJob: opts.ThreadsPerJob,
		Status:        make(map[string]string, len(jobs)),
		Done:          bitset.New(uint(len(jobs))),
	}
	result := Result{RunID: runID, WallSeconds: manifest.WallSeconds}
	for index, job := range jobs {
		manifest.Subjects = append(manifest.Subjects, job.Subject)
		status := track.status[index]
		if status == "" {
			continue
		}
		manifest.Status[job.Subject] = status
		switch status {
		case StatusDone:
			manifest.Done.Set(uint(index))
			result.Completed = append(result.Completed, job.Subject)
		case StatusFailed:
			manifest.Failed = append(manifest.Failed, job.Subject)
			result.Failed = append(result.Failed, job.Subject)
		case StatusSkipped:
			manifest.Skipped = append(manifest.Skipped, job.Subject)
			result.Skipped = append(result.Skipped, job.Subject)
		}
	}
	if opts.ManifestDir != "" {
		path, err := writeManifest(opts.ManifestDir, runName, manifest)
		if err != nil {
			return result, err
		}
		result.ManifestFile = path
	}
	events.Info("batch done", "run_id", runID, "stage", opts.Stage,
		"completed", len(result.Completed), "failed", len(result.Failed),
		"skipped", len(result.Skipped), "seconds", manifest.WallSeconds)
	if werr != nil {
		return result, werr
	}
	return result, nil
}

// openEvents prepares the JSONL event logger. Events append to one
// file per stage so resumed runs extend the same stream.
func openEvents(opts Options) (*slog.Logger, func(), error) {
	if opts.LogDir == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return nil, nil, errors.Wrap(err, "creating log directory")
	}
	path := filepath.Join(opts.LogDir, opts.Stage+"-events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening event stream")
	}
	return slog.New(slog.NewJSONHandler(file, nil)), func() { _ = file.Close() }, nil
}

func runJob(ctx context.Context, job Job, extraEnv []string) (err error) {
	var out io.Writer = io.Discard
	if job.LogFile != "" {
		file, ferr := os.Create(job.LogFile)
		if ferr != nil {
			return errors.Wrapf(ferr, "creating job log for %v", job.Subject)
		}
		defer func() {
			nerr := file.Close()
			if err == nil {
				err = nerr
			}
		}()
		out = file
	}
	var command bytes.Buffer
	fmt.Fprint(&command, "Executing command:\n ", job.Tool.String(), "\n")
	log.Print(command.String())
	fmt.Fprint(out, command.String())
	cmd := exec.CommandContext(ctx, job.Tool.Argv[0], job.Tool.Argv[1:]...)
	if len(extraEnv) > 0 || len(job.Tool.Env) > 0 {
		// Job env comes last so it wins over the batch-wide settings.
		cmd.Env = append(append(os.Environ(), extraEnv...), job.Tool.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func writeManifest(dir, runName string, manifest Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating manifest directory")
	}
	contents, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding run manifest")
	}
	path := filepath.Join(dir, runName+".json")
	if err := os.WriteFile(path, append(contents, '\n'), 0644); err != nil {
		return "", errors.Wrap(err, "writing run manifest")
	}
	return path, nil
}

