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

// Package cluster generates array-job scripts that run one task per
// subject under a batch scheduler. The NONE manager produces a plain
// shell loop for machines without a scheduler.
package cluster

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// Manager identifies the batch scheduler a script targets.
type Manager string

const (
	SLURM Manager = "SLURM"
	PBS   Manager = "PBS"
	SGE   Manager = "SGE"
	NONE  Manager = "NONE"
)

// Managers lists the supported job managers for help texts.
func Managers() string {
	return "SLURM|PBS|SGE|NONE"
}

// ParseManager recognizes a job manager name, case-insensitively.
func ParseManager(s string) (Manager, error) {
	switch Manager(strings.ToUpper(s)) {
	case SLURM:
		return SLURM, nil
	case PBS:
		return PBS, nil
	case SGE:
		return SGE, nil
	case NONE:
		return NONE, nil
	default:
		return "", errors.Errorf("unknown job manager %v, want %v", s, Managers())
	}
}

// SubmitArgv is the command line that submits a rendered script. The
// NONE manager runs the script directly.
func SubmitArgv(m Manager, scriptPath string) []string {
	switch m {
	case SLURM:
		return []string{"sbatch", scriptPath}
	case PBS, SGE:
		return []string{"qsub", scriptPath}
	default:
		return []string{"/bin/sh", scriptPath}
	}
}

// Script parameterizes an array job: the subject list becomes a bash
// array indexed by the scheduler's task ID, and Command is one shell
// line that refers to the current label as ${sub}.
type Script struct {
	Stage     string
	Subjects  []string
	Command   string
	LogDir    string
	Threads   int
	MemGB     float64
	Throttle  int
	Partition string
	Time      string
	Account   string
}

// LastIndex is the upper bound of a zero-based task range.
func (s Script) LastIndex() int {
	return len(s.Subjects) - 1
}

// TaskCount is the upper bound of a one-based task range.
func (s Script) TaskCount() int {
	return len(s.Subjects)
}

// MemMB is the per-job memory request in whole megabytes.
func (s Script) MemMB() int {
	return int(s.MemGB * 1024)
}

const scriptTemplates = `{{define "SLURM"}}#!/bin/bash
#SBATCH --job-name=bidspipe-{{.Stage}}
{{if .Partition}}#SBATCH --partition={{.Partition}}
{{end}}{{if .Account}}#SBATCH --account={{.Account}}
{{end}}#SBATCH --cpus-per-task={{.Threads}}
#SBATCH --mem={{.MemMB}}M
#SBATCH --time={{.Time}}
#SBATCH --output={{.LogDir}}/{{.Stage}}-%A_%a.out
#SBATCH --array=0-{{.LastIndex}}{{if .Throttle}}%{{.Throttle}}{{end}}
set -euo pipefail

mkdir -p {{.LogDir}}

{{range $index, $subject := .Subjects}}subjects[{{$index}}]={{$subject}}
{{end}}
sub=${subjects[$SLURM_ARRAY_TASK_ID]}

{{.Command}}
{{end}}{{define "PBS"}}#!/bin/bash
#PBS -N bidspipe-{{.Stage}}
{{if .Partition}}#PBS -q {{.Partition}}
{{end}}{{if .Account}}#PBS -A {{.Account}}
{{end}}#PBS -l nodes=1:ppn={{.Threads}},mem={{.MemMB}}mb,walltime={{.Time}}
#PBS -o {{.LogDir}}/{{.Stage}}.out
#PBS -e {{.LogDir}}/{{.Stage}}.err
#PBS -t 0-{{.LastIndex}}{{if .Throttle}}%{{.Throttle}}{{end}}
set -euo pipefail
cd ${PBS_O_WORKDIR}

mkdir -p {{.LogDir}}

{{range $index, $subject := .Subjects}}subjects[{{$index}}]={{$subject}}
{{end}}
sub=${subjects[$PBS_ARRAYID]}

{{.Command}}
{{end}}{{define "SGE"}}#!/bin/bash
#$ -N bidspipe-{{.Stage}}
#$ -cwd
{{if .Partition}}#$ -q {{.Partition}}
{{end}}{{if .Account}}#$ -A {{.Account}}
{{end}}#$ -pe smp {{.Threads}}
#$ -l h_vmem={{.MemMB}}M,h_rt={{.Time}}
#$ -o {{.LogDir}}/{{.Stage}}.$TASK_ID.out
#$ -e {{.LogDir}}/{{.Stage}}.$TASK_ID.err
#$ -t 1-{{.TaskCount}}
{{if .Throttle}}#$ -tc {{.Throttle}}
{{end}}set -euo pipefail

mkdir -p {{.LogDir}}

{{range $index, $subject := .Subjects}}subjects[{{$index}}]={{$subject}}
{{end}}
sub=${subjects[$((SGE_TASK_ID-1))]}

{{.Command}}
{{end}}{{define "NONE"}}#!/bin/bash
set -euo pipefail

mkdir -p {{.LogDir}}

{{range $index, $subject := .Subjects}}subjects[{{$index}}]={{$subject}}
{{end}}
for sub in "${subjects[@]}"; do
  {{.Command}}
done
{{end}}`

var tmpl = template.Must(template.New("array").Parse(scriptTemplates))

// Render produces the array script for the given manager.
func (s Script) Render(m Manager) (string, error) {
	if len(s.Subjects) == 0 {
		return "", errors.New("cluster: no subjects to schedule")
	}
	if s.Command == "" {
		return "", errors.New("cluster: no command to schedule")
	}
	if s.Threads <= 0 {
		s.Threads = 1
	}
	if s.Time == "" {
		s.Time = "24:00:00"
	}
	if s.LogDir == "" {
		s.LogDir = "logs"
	}
	var script bytes.Buffer
	if err := tmpl.ExecuteTemplate(&script, string(m), s); err != nil {
		return "", errors.Wrapf(err, "rendering %v array script", m)
	}
	return script.String(), nil
}
