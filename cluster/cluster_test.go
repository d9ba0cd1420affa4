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

package cluster

import (
	"strings"
	"testing"
)

func testScript() Script {
	return Script{
		Stage:     "sswarper",
		Subjects:  []string{"sub-01", "sub-02", "sub-10"},
		Command:   "@SSwarper -input /data/${sub}/anat/${sub}_T1w.nii.gz -subid ${sub}",
		LogDir:    "logs/bidspipe",
		Threads:   8,
		MemGB:     12,
		Throttle:  4,
		Partition: "compute",
		Time:      "08:00:00",
		Account:   "neuro",
	}
}

func mustRender(t *testing.T, s Script, m Manager) string {
	t.Helper()
	script, err := s.Render(m)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func wantLines(t *testing.T, script string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(script, line) {
			t.Errorf("script lacks %q:\n%v", line, script)
		}
	}
}

func TestRenderSLURM(t *testing.T) {
	script := mustRender(t, testScript(), SLURM)
	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Error("TestRenderSLURM failed, missing shebang")
	}
	wantLines(t, script,
		"#SBATCH --job-name=bidspipe-sswarper",
		"#SBATCH --partition=compute",
		"#SBATCH --account=neuro",
		"#SBATCH --cpus-per-task=8",
		"#SBATCH --mem=12288M",
		"#SBATCH --time=08:00:00",
		"#SBATCH --array=0-2%4",
		"subjects[0]=sub-01",
		"subjects[2]=sub-10",
		"sub=${subjects[$SLURM_ARRAY_TASK_ID]}",
		"@SSwarper -input /data/${sub}/anat/${sub}_T1w.nii.gz -subid ${sub}",
	)
}

func TestRenderSLURMOmitsEmptyDirectives(t *testing.T) {
	s := testScript()
	s.Partition = ""
	s.Account = ""
	s.Throttle = 0
	script := mustRender(t, s, SLURM)
	if strings.Contains(script, "--partition") || strings.Contains(script, "--account") {
		t.Error("TestRenderSLURMOmitsEmptyDirectives failed, empty directives rendered")
	}
	wantLines(t, script, "#SBATCH --array=0-2\n")
}

func TestRenderPBS(t *testing.T) {
	script := mustRender(t, testScript(), PBS)
	wantLines(t, script,
		"#PBS -N bidspipe-sswarper",
		"#PBS -q compute",
		"#PBS -A neuro",
		"#PBS -l nodes=1:ppn=8,mem=12288mb,walltime=08:00:00",
		"#PBS -t 0-2%4",
		"cd ${PBS_O_WORKDIR}",
		"sub=${subjects[$PBS_ARRAYID]}",
	)
}

func TestRenderSGE(t *testing.T) {
	script := mustRender(t, testScript(), SGE)
	wantLines(t, script,
		"#$ -N bidspipe-sswarper",
		"#$ -pe smp 8",
		"#$ -l h_vmem=12288M,h_rt=08:00:00",
		"#$ -t 1-3",
		"#$ -tc 4",
		"sub=${subjects[$((SGE_TASK_ID-1))]}",
	)
}

func TestRenderNONE(t *testing.T) {
	script := mustRender(t, testScript(), NONE)
	wantLines(t, script,
		"for sub in \"${subjects[@]}\"; do",
		"done",
	)
	if strings.Contains(script, "#SBATCH") || strings.Contains(script, "#PBS") || strings.Contains(script, "#$") {
		t.Error("TestRenderNONE failed, scheduler directives in local script")
	}
}

func TestRenderDefaults(t *testing.T) {
	s := Script{
		Stage:    "mriqc",
		Subjects: []string{"sub-01"},
		Command:  "echo ${sub}",
		MemGB:    8,
	}
	script := mustRender(t, s, SLURM)
	wantLines(t, script,
		"#SBATCH --cpus-per-task=1",
		"#SBATCH --time=24:00:00",
		"#SBATCH --output=logs/mriqc-%A_%a.out",
	)
}

func TestRenderErrors(t *testing.T) {
	s := testScript()
	s.Subjects = nil
	if _, err := s.Render(SLURM); err == nil {
		t.Error("TestRenderErrors failed, expected an error for an empty subject list")
	}
	s = testScript()
	s.Command = ""
	if _, err := s.Render(SLURM); err == nil {
		t.Error("TestRenderErrors failed, expected an error for an empty command")
	}
}

func TestParseManager(t *testing.T) {
	for input, want := range map[string]Manager{
		"slurm": SLURM,
		"SLURM": SLURM,
		"pbs":   PBS,
		"Sge":   SGE,
		"none":  NONE,
	} {
		got, err := ParseManager(input)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("TestParseManager failed, %v parsed as %v", input, got)
		}
	}
	if _, err := ParseManager("lsf"); err == nil {
		t.Error("TestParseManager failed, expected an error for lsf")
	}
}

func TestSubmitArgv(t *testing.T) {
	if got := SubmitArgv(SLURM, "x.sh"); got[0] != "sbatch" {
		t.Errorf("TestSubmitArgv failed, got %v", got)
	}
	if got := SubmitArgv(PBS, "x.sh"); got[0] != "qsub" {
		t.Errorf("TestSubmitArgv failed, got %v", got)
	}
	if got := SubmitArgv(SGE, "x.sh"); got[0] != "qsub" {
		t.Errorf("TestSubmitArgv failed, got %v", got)
	}
	if got := SubmitArgv(NONE, "x.sh"); got[0] != "/bin/sh" {
		t.Errorf("TestSubmitArgv failed, got %v", got)
	}
}
