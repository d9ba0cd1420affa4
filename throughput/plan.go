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

package throughput

import (
	"fmt"
)

// Plan is a recommended allocation for one phase of a batch run.
type Plan struct {
	// ThreadsPerJob is the thread count each job runs with.
	ThreadsPerJob int

	// Concurrency is how many jobs run side by side.
	Concurrency int

	// JobsPerHour is the expected throughput at the detected clock
	// speed, already multiplied by the scaling factor.
	JobsPerHour float64
}

// BatchPlan lays out a full run over a subject list: a number of
// identical full batches, followed by a remainder batch that is
// re-planned with its own smaller concurrency cap.
type BatchPlan struct {
	Subjects int

	// K is the clock scaling factor applied to the reference curve,
	// and ScaleNote says where it came from.
	K         float64
	ScaleNote string

	Full        Plan
	FullBatches int
	FullJobs    int
	FullSeconds float64

	// Remainder is nil when the subject count divides evenly into
	// full batches (or no subject count was given).
	Remainder        *Plan
	RemainderJobs    int
	RemainderSeconds float64
}

// TotalSeconds is the estimated wall time for both phases.
func (p BatchPlan) TotalSeconds() float64 {
	return p.FullSeconds + p.RemainderSeconds
}

// ValidateResources rejects per-job RAM requests the planner cannot
// work with before any arithmetic runs.
func ValidateResources(memPerJobGB, safeFrac, totalRAMGB float64) error {
	if memPerJobGB <= 0 {
		return fmt.Errorf("invalid mem-per-job %v GB, must be positive", memPerJobGB)
	}
	if safeFrac <= 0 || safeFrac > 1 {
		return fmt.Errorf("invalid safe-mem fraction %v, must be >0 and <=1", safeFrac)
	}
	if memPerJobGB > totalRAMGB {
		return fmt.Errorf("mem-per-job (%v GB) exceeds total RAM (%.1f GB)", memPerJobGB, totalRAMGB)
	}
	return nil
}

// RAMConcurrency is the number of jobs that fit in the safe fraction
// of total RAM, at least 1.
func RAMConcurrency(totalRAMGB, memPerJobGB, safeFrac float64) int {
	conc := int(totalRAMGB * safeFrac / memPerJobGB)
	if conc < 1 {
		conc = 1
	}
	return conc
}

// ThreadTable lists one candidate plan per curve entry, at reference
// speed. Concurrency is capped by RAM, by cores divided over threads,
// and by maxJobs when positive.
func ThreadTable(curve Curve, totalRAMGB, memPerJobGB, safeFrac float64, cores, maxJobs int) []Plan {
	ramConc := RAMConcurrency(totalRAMGB, memPerJobGB, safeFrac)
	var plans []Plan
	for _, t := range curve.Threads() {
		cpuConc := cores / t
		if cpuConc < 1 {
			cpuConc = 1
		}
		conc := ramConc
		if cpuConc < conc {
			conc = cpuConc
		}
		if maxJobs > 0 && maxJobs < conc {
			conc = maxJobs
		}
		tph := float64(conc) / curve[t] * 60
		plans = append(plans, Plan{ThreadsPerJob: t, Concurrency: conc, JobsPerHour: tph})
	}
	return plans
}

// BestThreadCount searches the curve for the allocation with the
// highest throughput at reference speed. Ties prefer more threads per
// job, then higher concurrency.
func BestThreadCount(curve Curve, totalRAMGB, memPerJobGB, safeFrac float64, cores, maxJobs int) (Plan, error) {
	if len(curve) == 0 {
		return Plan{}, fmt.Errorf("empty runtime curve")
	}
	var best Plan
	found := false
	for _, cand := range ThreadTable(curve, totalRAMGB, memPerJobGB, safeFrac, cores, maxJobs) {
		if !found || betterPlan(cand, best) {
			best = cand
			found = true
		}
	}
	return best, nil
}

func betterPlan(a, b Plan) bool {
	if a.JobsPerHour != b.JobsPerHour {
		return a.JobsPerHour > b.JobsPerHour
	}
	if a.ThreadsPerJob != b.ThreadsPerJob {
		return a.ThreadsPerJob > b.ThreadsPerJob
	}
	return a.Concurrency > b.Concurrency
}

// ScaleFactor computes the clock scaling factor k. A positive
// freqScale overrides detection.
func ScaleFactor(hw Hardware, freqScale float64) (k float64, note string) {
	if freqScale > 0 {
		return freqScale, fmt.Sprintf("user-supplied k=%.2fx", freqScale)
	}
	k = hw.CPUMHz / ReferenceCPUFreqMHz
	note = fmt.Sprintf("detected CPU %.0fMHz / %.0fMHz = %.2fx", hw.CPUMHz, ReferenceCPUFreqMHz, k)
	return k, note
}

// PlanBatches computes the two-phase plan for the given number of
// subjects. With subjects 0 only the full-batch phase is planned and
// no ETA applies. A fixed positive threads pins the curve to that
// entry instead of searching.
func PlanBatches(curve Curve, hw Hardware, memPerJobGB, safeFrac, freqScale float64, subjects, threads int) (BatchPlan, error) {
	if err := ValidateResources(memPerJobGB, safeFrac, hw.TotalRAMGB); err != nil {
		return BatchPlan{}, err
	}
	if threads > 0 {
		minutes, ok := curve[threads]
		if !ok {
			return BatchPlan{}, fmt.Errorf("no curve entry for %v threads, available: %v", threads, curve.Threads())
		}
		curve = Curve{threads: minutes}
	}

	plan := BatchPlan{Subjects: subjects}
	plan.K, plan.ScaleNote = ScaleFactor(hw, freqScale)

	full, err := BestThreadCount(curve, hw.TotalRAMGB, memPerJobGB, safeFrac, hw.Cores, 0)
	if err != nil {
		return BatchPlan{}, err
	}
	full.JobsPerHour *= plan.K
	plan.Full = full

	if subjects <= 0 {
		return plan, nil
	}

	plan.FullBatches = subjects / full.Concurrency
	plan.FullJobs = plan.FullBatches * full.Concurrency
	plan.FullSeconds = float64(plan.FullJobs) / full.JobsPerHour * 3600

	remainder := subjects - plan.FullJobs
	if remainder > 0 {
		rem, err := BestThreadCount(curve, hw.TotalRAMGB, memPerJobGB, safeFrac, hw.Cores, remainder)
		if err != nil {
			return BatchPlan{}, err
		}
		rem.JobsPerHour *= plan.K
		plan.Remainder = &rem
		plan.RemainderJobs = remainder
		plan.RemainderSeconds = float64(remainder) / rem.JobsPerHour * 3600
	}
	return plan, nil
}

// Capacity is the simple RAM/core bound on parallel one-core jobs.
type Capacity struct {
	MaxJobs int

	// Batches and Slots are filled in when a total job count is
	// requested; Slots is Batches*MaxJobs.
	Batches int
	Slots   int
}

// ComputeCapacity bounds the number of parallel jobs by the safe RAM
// fraction and the core count, and derives the batching strategy for
// totalJobs when positive.
func ComputeCapacity(hw Hardware, memPerJobGB, safeFrac float64, totalJobs int) (Capacity, error) {
	if err := ValidateResources(memPerJobGB, safeFrac, hw.TotalRAMGB); err != nil {
		return Capacity{}, err
	}
	maxJobs := RAMConcurrency(hw.TotalRAMGB, memPerJobGB, safeFrac)
	if hw.Cores < maxJobs {
		maxJobs = hw.Cores
	}
	if maxJobs < 1 {
		maxJobs = 1
	}
	c := Capacity{MaxJobs: maxJobs}
	if totalJobs > 0 {
		c.Batches = (totalJobs + maxJobs - 1) / maxJobs
		c.Slots = c.Batches * maxJobs
	}
	return c, nil
}

// FormatETA renders a second count the way the planner reports wall
// time, whole hours and minutes.
func FormatETA(seconds float64) string {
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	return fmt.Sprintf("%d h %d m", h, m)
}
