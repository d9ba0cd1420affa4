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

package tools

import "strconv"

// MRIQCParticipant builds the participant-level MRIQC run for one
// subject. The label is the bare participant label without the sub-
// prefix. The --no-sub flag keeps MRIQC from phoning metrics home.
func MRIQCParticipant(bidsRoot, outDir, label string, threads int, memGB float64, workDir string) Tool {
	argv := []string{
		"mriqc", bidsRoot, outDir, "participant",
		"--participant-label", label,
		"--nprocs", strconv.Itoa(threads),
		"--omp-nthreads", strconv.Itoa(threads),
		"--mem_gb", strconv.FormatFloat(memGB, 'g', -1, 64),
		"--no-sub",
	}
	if workDir != "" {
		argv = append(argv, "-w", workDir)
	}
	return Tool{Argv: argv}
}

// MRIQCGroup builds the group-level MRIQC run that aggregates the
// participant outputs already present in outDir.
func MRIQCGroup(bidsRoot, outDir string) Tool {
	return Tool{Argv: []string{"mriqc", bidsRoot, outDir, "group", "--no-sub"}}
}
