// bidspipe: batch orchestration for BIDS neuroimaging pipelines.
// Copyright (c) 2024-2025 Neuroscale Computing NV.

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

// Package dicomscan discovers DICOM series below a directory so that
// bidspipe bidsify can hand them to dcm2niix one series at a time.
package dicomscan

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// A Series groups the files of one DICOM series.
type Series struct {
	UID         string
	PatientID   string
	Description string
	Number      string
	Modality    string

	// Dir is the directory common to all files of the series. Series
	// spread over multiple directories keep the first one seen and
	// are reported by Scan.
	Dir   string
	Files int
}

// fileMeta is what Scan keeps per parseable file.
type fileMeta struct {
	path        string
	uid         string
	patientID   string
	description string
	number      string
	modality    string
}

func stringTag(dataset dicom.Dataset, t tag.Tag) string {
	el, err := dataset.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values := dicom.MustGetStrings(el.Value)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func readMeta(path string) (fileMeta, bool) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return fileMeta{}, false
	}
	uid := stringTag(dataset, tag.SeriesInstanceUID)
	if uid == "" {
		return fileMeta{}, false
	}
	return fileMeta{
		path:        path,
		uid:         uid,
		patientID:   stringTag(dataset, tag.PatientID),
		description: stringTag(dataset, tag.SeriesDescription),
		number:      stringTag(dataset, tag.SeriesNumber),
		modality:    stringTag(dataset, tag.Modality),
	}, true
}

// Scan walks root, parses every regular file as DICOM, and groups the
// parseable ones by series instance UID. Files that do not parse are
// counted as skipped rather than failing the scan; DICOMDIR index
// files are ignored up front. Series come back sorted by series
// number, then UID.
func Scan(root string) (series []Series, skipped int, err error) {
	var paths []string
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if strings.EqualFold(entry.Name(), "DICOMDIR") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	var metas []fileMeta
	var p pipeline.Pipeline
	p.Source(paths)
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			batch := data.([]string)
			out := make([]fileMeta, 0, len(batch))
			for _, path := range batch {
				if meta, ok := readMeta(path); ok {
					out = append(out, meta)
				}
			}
			return out
		})),
		pipeline.StrictOrd(pipeline.Slice(&metas)),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, 0, err
	}
	skipped = len(paths) - len(metas)

	byUID := make(map[string]*Series)
	for _, meta := range metas {
		s := byUID[meta.uid]
		if s == nil {
			s = &Series{
				UID:         meta.uid,
				PatientID:   meta.patientID,
				Description: meta.description,
				Number:      meta.number,
				Modality:    meta.modality,
				Dir:         filepath.Dir(meta.path),
			}
			byUID[meta.uid] = s
		}
		s.Files++
	}
	series = make([]Series, 0, len(byUID))
	for _, s := range byUID {
		series = append(series, *s)
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Number != series[j].Number {
			return seriesNumberLess(series[i].Number, series[j].Number)
		}
		return series[i].UID < series[j].UID
	})
	return series, skipped, nil
}

// seriesNumberLess orders series numbers numerically when both parse,
// lexically otherwise.
func seriesNumberLess(a, b string) bool {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}

// Classify maps a series onto the BIDS datatype and suffix bidsify
// files it under. Series that look like neither anatomy nor functional
// runs report ok false and are left alone.
func (s Series) Classify() (datatype, suffix string, ok bool) {
	desc := strings.ToLower(s.Description)
	switch {
	case strings.Contains(desc, "t1"):
		return "anat", "T1w", true
	case strings.Contains(desc, "t2"):
		return "anat", "T2w", true
	case strings.Contains(desc, "bold"),
		strings.Contains(desc, "fmri"),
		strings.Contains(desc, "rest"),
		strings.Contains(desc, "task"):
		return "func", "bold", true
	default:
		return "", "", false
	}
}
