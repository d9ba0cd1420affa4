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

import (
	"path/filepath"
	"strconv"
)

// ompThreads caps AFNI's OpenMP parallelism to the planned thread
// count for the job.
func ompThreads(threads int) []string {
	if threads <= 0 {
		return nil
	}
	return []string{"OMP_NUM_THREADS=" + strconv.Itoa(threads)}
}

// SSwarper builds the @SSwarper run that skull-strips a T1w image and
// computes the nonlinear warp to the template. The label is the full
// sub- prefixed subject label, which @SSwarper embeds in its output
// file names.
func SSwarper(t1w, template, label, outDir string, threads int, giantMove bool) Tool {
	argv := []string{
		"@SSwarper",
		"-input", t1w,
		"-base", template,
		"-subid", label,
		"-odir", outDir,
	}
	if giantMove {
		argv = append(argv, "-giant_move")
	}
	return Tool{Argv: argv, Env: ompThreads(threads)}
}

// SSwarperOutputs names the @SSwarper products a downstream
// afni_proc.py run consumes: the skull-stripped anatomical, and the
// affine plus nonlinear warp to the template.
func SSwarperOutputs(outDir, label string) (anatSS, anatQQ, affine, warp string) {
	anatSS = filepath.Join(outDir, "anatSS."+label+".nii")
	anatQQ = filepath.Join(outDir, "anatQQ."+label+".nii")
	affine = filepath.Join(outDir, "anatQQ."+label+".aff12.1D")
	warp = filepath.Join(outDir, "anatQQ."+label+"_WARP.nii")
	return anatSS, anatQQ, affine, warp
}

// AfniProcOpts parameterizes a single-subject afni_proc.py pipeline.
// SSwarperDir must hold the outputs of a completed SSwarper run for
// the same subject.
type AfniProcOpts struct {
	Label        string
	Script       string
	OutDir       string
	SSwarperDir  string
	BOLD         []string
	Template     string
	BlurFWHM     float64
	CensorMotion float64
	Threads      int
	Execute      bool
}

// AfniProc builds the afni_proc.py run for one subject: the standard
// task/rest preprocessing blocks, anatomical alignment reusing the
// SSwarper warps, and nuisance regression with motion censoring.
func AfniProc(o AfniProcOpts) Tool {
	anatSS, anatQQ, affine, warp := SSwarperOutputs(o.SSwarperDir, o.Label)
	blur := o.BlurFWHM
	if blur <= 0 {
		blur = 4
	}
	censor := o.CensorMotion
	if censor <= 0 {
		censor = 0.3
	}
	argv := []string{
		"afni_proc.py",
		"-subj_id", o.Label,
		"-script", o.Script,
		"-scr_overwrite",
		"-out_dir", o.OutDir,
		"-blocks", "tshift", "align", "tlrc", "volreg", "blur", "mask", "scale", "regress",
		"-copy_anat", anatSS,
		"-anat_has_skull", "no",
	}
	argv = append(argv, "-dsets")
	argv = append(argv, o.BOLD...)
	argv = append(argv,
		"-tlrc_base", o.Template,
		"-tlrc_NL_warp",
		"-tlrc_NL_warped_dsets", anatQQ, affine, warp,
		"-volreg_align_to", "MIN_OUTLIER",
		"-volreg_align_e2a",
		"-volreg_tlrc_warp",
		"-blur_size", strconv.FormatFloat(blur, 'g', -1, 64),
		"-regress_motion_per_run",
		"-regress_censor_motion", strconv.FormatFloat(censor, 'g', -1, 64),
		"-regress_censor_outliers", "0.05",
		"-regress_est_blur_epits",
		"-regress_est_blur_errts",
	)
	if o.Execute {
		argv = append(argv, "-execute")
	}
	return Tool{Argv: argv, Env: ompThreads(o.Threads)}
}

// TTestEntry pairs a subject label with its input dataset for one set
// of a group comparison.
type TTestEntry struct {
	Subject string
	File    string
}

// TTestSet is one labeled set of subject datasets for 3dttest++.
type TTestSet struct {
	Label   string
	Entries []TTestEntry
}

// TTest builds the 3dttest++ group analysis. With a nil setB the test
// is a one-sample test of setA against zero. Clustsim adds the
// permutation-based cluster threshold simulation, which is what the
// thread count is for.
func TTest(prefix, mask string, setA TTestSet, setB *TTestSet, clustsim bool, threads int) Tool {
	argv := []string{"3dttest++", "-prefix", prefix}
	if mask != "" {
		argv = append(argv, "-mask", mask)
	}
	argv = appendSet(argv, "-setA", setA)
	if setB != nil {
		argv = appendSet(argv, "-setB", *setB)
	}
	if clustsim {
		argv = append(argv, "-Clustsim")
	}
	return Tool{Argv: argv, Env: ompThreads(threads)}
}

func appendSet(argv []string, flag string, set TTestSet) []string {
	argv = append(argv, flag, set.Label)
	for _, entry := range set.Entries {
		argv = append(argv, entry.Subject, entry.File)
	}
	return argv
}
