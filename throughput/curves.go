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

// Package throughput recommends threads-per-job and batch widths for
// per-subject neuroimaging jobs, based on reference speed-up curves,
// the resources of the current machine, and per-job RAM requirements.
package throughput

import (
	"fmt"
	"sort"
)

// ReferenceCPUFreqMHz is the clock speed of the machine on which the
// reference runtimes were measured.
const ReferenceCPUFreqMHz = 2600.0

// Curve maps a thread count to the reference runtime in minutes of one
// job run with that many threads.
type Curve map[int]float64

// Reference runtimes measured on the 2600MHz reference machine. The
// sswarper curve keeps improving up to 24 threads; afni_proc is mostly
// I/O bound and flattens out after 8.
var referenceCurves = map[string]Curve{
	"sswarper": {
		1: 125.98, 2: 86.935, 3: 74.313, 4: 65.29,
		8: 50.255, 12: 45.99, 16: 44.35, 24: 43.75, 32: 44.4,
	},
	"afni_proc": {
		1: 23.802, 2: 20.75, 3: 19.078, 4: 18.954,
		8: 17.614, 12: 17.199, 16: 17.1055, 24: 16.937, 32: 17.129,
	},
}

// Workflows returns the names of the available reference curves in
// sorted order.
func Workflows() []string {
	names := make([]string, 0, len(referenceCurves))
	for name := range referenceCurves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CurveFor returns the reference curve for the given workflow,
// restricted to thread counts that fit the given number of cores. An
// unknown workflow, or a machine too small for even the smallest curve
// entry, is an error.
func CurveFor(workflow string, cores int) (Curve, error) {
	reference, ok := referenceCurves[workflow]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %v, expected one of %v", workflow, Workflows())
	}
	curve := make(Curve)
	for t, m := range reference {
		if t <= cores {
			curve[t] = m
		}
	}
	if len(curve) == 0 {
		return nil, fmt.Errorf("no curve entries for %v fit %v cores", workflow, cores)
	}
	return curve, nil
}

// Threads returns the thread counts of the curve in increasing order.
func (curve Curve) Threads() []int {
	threads := make([]int, 0, len(curve))
	for t := range curve {
		threads = append(threads, t)
	}
	sort.Ints(threads)
	return threads
}
