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

// Dcm2niix builds the DICOM to NIfTI conversion for one series
// directory, producing compressed NIfTI plus a BIDS JSON sidecar named
// after the template.
func Dcm2niix(seriesDir, outDir, nameTemplate string) Tool {
	return Tool{Argv: []string{
		"dcm2niix",
		"-z", "y",
		"-b", "y",
		"-f", nameTemplate,
		"-o", outDir,
		seriesDir,
	}}
}
