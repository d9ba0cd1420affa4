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
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Hardware describes the machine the planner allocates jobs against.
type Hardware struct {
	// Cores is the number of schedulable cores, physical unless
	// Logical is set.
	Cores int

	// Logical records whether Cores includes hyperthreads.
	Logical bool

	// TotalRAMGB is the total physical memory.
	TotalRAMGB float64

	// CPUMHz is the detected clock speed used for scaling reference
	// runtimes.
	CPUMHz float64
}

// DetectHardware queries cores, RAM, and clock speed of the current
// machine. With logical false, the physical core count is used when it
// can be determined, falling back to the logical count.
func DetectHardware(logical bool) (Hardware, error) {
	hw := Hardware{
		Cores:   runtime.NumCPU(),
		Logical: true,
		CPUMHz:  DetectCPUFreqMHz(),
	}
	if !logical {
		if physical := physicalCores(); physical > 0 {
			hw.Cores = physical
			hw.Logical = false
		}
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return hw, err
	}
	hw.TotalRAMGB = float64(uint64(info.Totalram)*uint64(info.Unit)) / (1 << 30)
	return hw, nil
}

// physicalCores counts distinct (physical id, core id) pairs in
// /proc/cpuinfo. Zero means the count could not be determined.
func physicalCores() int {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	pairs := make(map[string]bool)
	var physicalID string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := cpuinfoLine(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "physical id":
			physicalID = value
		case "core id":
			pairs[physicalID+"/"+value] = true
		}
	}
	return len(pairs)
}

// DetectCPUFreqMHz returns the average clock speed reported by
// /proc/cpuinfo, or the reference clock when it cannot be read, so
// that the scaling factor degrades to 1.
func DetectCPUFreqMHz() float64 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ReferenceCPUFreqMHz
	}
	defer f.Close()
	var sum float64
	var n int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := cpuinfoLine(scanner.Text())
		if !ok || key != "cpu MHz" {
			continue
		}
		mhz, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		sum += mhz
		n++
	}
	if n == 0 {
		return ReferenceCPUFreqMHz
	}
	return sum / float64(n)
}

func cpuinfoLine(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}
