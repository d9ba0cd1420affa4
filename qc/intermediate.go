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

package qc

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"

	"github.com/neuroscale/bidspipe/internal"
	"github.com/pkg/errors"
)

// PrintReportsToIntermediateFile writes parsed reports to a gob file,
// so array tasks can each aggregate their own piece.
func PrintReportsToIntermediateFile(name string, reports []*Report) (err error) {
	file, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "creating intermediate QC file")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	return gob.NewEncoder(file).Encode(reports)
}

// LoadAndCombineReports loads partial report sets from intermediate
// gob files and combines them. When the same image occurs in several
// files, the later file wins. The combined reports come back sorted by
// BIDS name.
func LoadAndCombineReports(path string) ([]*Report, error) {
	dir, files, err := internal.Directory(path)
	if err != nil {
		return nil, errors.Wrap(err, "locating intermediate QC files")
	}
	combined := make(map[string]*Report)
	for _, fileName := range files {
		partial, err := readIntermediateFile(filepath.Join(dir, fileName))
		if err != nil {
			return nil, err
		}
		for _, report := range partial {
			combined[report.BIDSName] = report
		}
	}
	reports := make([]*Report, 0, len(combined))
	for _, report := range combined {
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].BIDSName < reports[j].BIDSName })
	return reports, nil
}

func readIntermediateFile(path string) (reports []*Report, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening intermediate QC file")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	if err := gob.NewDecoder(file).Decode(&reports); err != nil {
		return nil, errors.Wrapf(err, "decoding intermediate QC file %v", path)
	}
	return reports, nil
}
