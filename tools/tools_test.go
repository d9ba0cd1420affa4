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
	"strings"
	"testing"
)

func argvEqual(t *testing.T, tool Tool, want string) {
	t.Helper()
	if got := strings.Join(tool.Argv, " "); got != want {
		t.Errorf("argv mismatch\ngot:  %v\nwant: %v", got, want)
	}
}

func TestMRIQCParticipant(t *testing.T) {
	tool := MRIQCParticipant("/data/demo", "/data/demo/derivatives/mriqc", "01", 4, 12, "/scratch/work")
	argvEqual(t, tool,
		"mriqc /data/demo /data/demo/derivatives/mriqc participant "+
			"--participant-label 01 --nprocs 4 --omp-nthreads 4 --mem_gb 12 --no-sub -w /scratch/work")
	if len(tool.Env) != 0 {
		t.Error("TestMRIQCParticipant failed, unexpected environment entries")
	}
	tool = MRIQCParticipant("/data/demo", "/out", "01", 1, 7.5, "")
	argvEqual(t, tool, "mriqc /data/demo /out participant --participant-label 01 --nprocs 1 --omp-nthreads 1 --mem_gb 7.5 --no-sub")
}

func TestMRIQCGroup(t *testing.T) {
	argvEqual(t, MRIQCGroup("/data/demo", "/out"), "mriqc /data/demo /out group --no-sub")
}

func TestSSwarper(t *testing.T) {
	tool := SSwarper("/data/demo/sub-01/anat/sub-01_T1w.nii.gz", "MNI152_2009_template_SSW.nii.gz", "sub-01", "/out/sub-01", 8, false)
	argvEqual(t, tool,
		"@SSwarper -input /data/demo/sub-01/anat/sub-01_T1w.nii.gz "+
			"-base MNI152_2009_template_SSW.nii.gz -subid sub-01 -odir /out/sub-01")
	if len(tool.Env) != 1 || tool.Env[0] != "OMP_NUM_THREADS=8" {
		t.Errorf("TestSSwarper failed, got env %v", tool.Env)
	}
	tool = SSwarper("t1.nii", "tpl.nii", "sub-02", "/out", 0, true)
	argvEqual(t, tool, "@SSwarper -input t1.nii -base tpl.nii -subid sub-02 -odir /out -giant_move")
	if len(tool.Env) != 0 {
		t.Errorf("TestSSwarper failed, got env %v", tool.Env)
	}
}

func TestSSwarperOutputs(t *testing.T) {
	anatSS, anatQQ, affine, warp := SSwarperOutputs("/out/sub-01", "sub-01")
	if anatSS != "/out/sub-01/anatSS.sub-01.nii" ||
		anatQQ != "/out/sub-01/anatQQ.sub-01.nii" ||
		affine != "/out/sub-01/anatQQ.sub-01.aff12.1D" ||
		warp != "/out/sub-01/anatQQ.sub-01_WARP.nii" {
		t.Error("TestSSwarperOutputs failed")
	}
}

func TestAfniProc(t *testing.T) {
	tool := AfniProc(AfniProcOpts{
		Label:       "sub-01",
		Script:      "/out/sub-01/proc.sub-01",
		OutDir:      "/out/sub-01/sub-01.results",
		SSwarperDir: "/warp/sub-01",
		BOLD:        []string{"run1_bold.nii.gz", "run2_bold.nii.gz"},
		Template:    "MNI152_2009_template_SSW.nii.gz",
		Threads:     4,
		Execute:     true,
	})
	argvEqual(t, tool,
		"afni_proc.py -subj_id sub-01 -script /out/sub-01/proc.sub-01 -scr_overwrite "+
			"-out_dir /out/sub-01/sub-01.results "+
			"-blocks tshift align tlrc volreg blur mask scale regress "+
			"-copy_anat /warp/sub-01/anatSS.sub-01.nii -anat_has_skull no "+
			"-dsets run1_bold.nii.gz run2_bold.nii.gz "+
			"-tlrc_base MNI152_2009_template_SSW.nii.gz -tlrc_NL_warp "+
			"-tlrc_NL_warped_dsets /warp/sub-01/anatQQ.sub-01.nii /warp/sub-01/anatQQ.sub-01.aff12.1D /warp/sub-01/anatQQ.sub-01_WARP.nii "+
			"-volreg_align_to MIN_OUTLIER -volreg_align_e2a -volreg_tlrc_warp "+
			"-blur_size 4 -regress_motion_per_run -regress_censor_motion 0.3 "+
			"-regress_censor_outliers 0.05 -regress_est_blur_epits -regress_est_blur_errts -execute")
	if len(tool.Env) != 1 || tool.Env[0] != "OMP_NUM_THREADS=4" {
		t.Errorf("TestAfniProc failed, got env %v", tool.Env)
	}
}

func TestTTest(t *testing.T) {
	setA := TTestSet{Label: "patients", Entries: []TTestEntry{
		{Subject: "sub-01", File: "stats.sub-01.nii"},
		{Subject: "sub-02", File: "stats.sub-02.nii"},
	}}
	tool := TTest("/out/group/ttest", "/out/group/mask.nii", setA, nil, false, 0)
	argvEqual(t, tool,
		"3dttest++ -prefix /out/group/ttest -mask /out/group/mask.nii "+
			"-setA patients sub-01 stats.sub-01.nii sub-02 stats.sub-02.nii")

	setB := &TTestSet{Label: "controls", Entries: []TTestEntry{
		{Subject: "sub-03", File: "stats.sub-03.nii"},
	}}
	tool = TTest("/out/group/ttest", "", setA, setB, true, 16)
	argvEqual(t, tool,
		"3dttest++ -prefix /out/group/ttest "+
			"-setA patients sub-01 stats.sub-01.nii sub-02 stats.sub-02.nii "+
			"-setB controls sub-03 stats.sub-03.nii -Clustsim")
	if len(tool.Env) != 1 || tool.Env[0] != "OMP_NUM_THREADS=16" {
		t.Errorf("TestTTest failed, got env %v", tool.Env)
	}
}

func TestDcm2niix(t *testing.T) {
	argvEqual(t, Dcm2niix("/dicom/series7", "/data/demo/sub-01/anat", "sub-01_T1w"),
		"dcm2niix -z y -b y -f sub-01_T1w -o /data/demo/sub-01/anat /dicom/series7")
}

func TestContainerize(t *testing.T) {
	base := Tool{Argv: []string{"mriqc", "/data", "/out", "group", "--no-sub"}}

	tool, err := Containerize("none", "", nil, base)
	if err != nil {
		t.Fatal(err)
	}
	argvEqual(t, tool, "mriqc /data /out group --no-sub")

	tool, err = Containerize("singularity", "/images/mriqc.sif", []string{"/data", "/out"},
		Tool{Argv: base.Argv, Env: []string{"OMP_NUM_THREADS=4"}})
	if err != nil {
		t.Fatal(err)
	}
	argvEqual(t, tool,
		"singularity run --cleanenv --env OMP_NUM_THREADS=4 "+
			"-B /data -B /out /images/mriqc.sif mriqc /data /out group --no-sub")
	if len(tool.Env) != 0 {
		t.Error("TestContainerize failed, environment should be folded into the command line")
	}

	tool, err = Containerize("docker", "nipreps/mriqc:24.0", []string{"/data:/data:ro", "/out"}, base)
	if err != nil {
		t.Fatal(err)
	}
	argvEqual(t, tool,
		"docker run --rm -v /data:/data:ro -v /out:/out nipreps/mriqc:24.0 mriqc /data /out group --no-sub")

	if _, err = Containerize("podman", "img", nil, base); err == nil {
		t.Error("TestContainerize failed, expected an error for an unknown runtime")
	}
}

func TestToolString(t *testing.T) {
	tool := Tool{Argv: []string{"3dttest++", "-prefix", "out"}, Env: []string{"OMP_NUM_THREADS=2"}}
	if got := tool.String(); got != "OMP_NUM_THREADS=2 3dttest++ -prefix out" {
		t.Errorf("TestToolString failed, got %v", got)
	}
}
