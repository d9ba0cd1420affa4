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

// Package qc aggregates the image quality metrics MRIQC computes per
// subject into group tables, and flags images whose metrics fall
// outside configured bounds or outlier fences.
package qc

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"
)

// A Report holds the numeric quality metrics for one image, keyed by
// metric name, together with the identity parsed from its BIDS name.
type Report struct {
	BIDSName string
	Subject  string
	Session  string
	Modality string
	Metrics  map[string]float64
}

// parseBIDSName splits an MRIQC output name such as
// sub-01_ses-pre_task-rest_bold into its subject, session, and
// modality suffix.
func parseBIDSName(name string) (subject, session, modality string, err error) {
	fields := strings.Split(name, "_")
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "sub-") {
		return "", "", "", errors.Errorf("invalid BIDS name %v", name)
	}
	subject = fields[0]
	modality = fields[len(fields)-1]
	for _, field := range fields[1 : len(fields)-1] {
		if strings.HasPrefix(field, "ses-") {
			session = field
			break
		}
	}
	return subject, session, modality, nil
}

// ReadSidecar parses one MRIQC JSON sidecar. Only numeric top-level
// entries count as metrics; nested objects such as bids_meta and
// provenance are ignored.
func ReadSidecar(path string) (*Report, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading MRIQC sidecar")
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(contents, &raw); err != nil {
		return nil, errors.Wrapf(err, "decoding MRIQC sidecar %v", path)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	subject, session, modality, err := parseBIDSName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "in MRIQC sidecar %v", path)
	}
	metrics := make(map[string]float64)
	for key, value := range raw {
		if number, ok := value.(float64); ok {
			metrics[key] = number
		}
	}
	return &Report{
		BIDSName: name,
		Subject:  subject,
		Session:  session,
		Modality: modality,
		Metrics:  metrics,
	}, nil
}

// FindSidecars walks an MRIQC output directory and returns the
// per-image JSON sidecars in lexical order.
func FindSidecars(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		base := d.Name()
		if strings.HasPrefix(base, "sub-") && strings.HasSuffix(base, ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning MRIQC output %v", dir)
	}
	return paths, nil
}

// ReadSidecars parses the given sidecars in parallel, preserving the
// input order.
func ReadSidecars(paths []string) ([]*Report, error) {
	var reports []*Report
	var p pipeline.Pipeline
	p.Source(paths)
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			batch := data.([]string)
			parsed := make([]*Report, 0, len(batch))
			for _, path := range batch {
				report, err := ReadSidecar(path)
				if err != nil {
					p.SetErr(err)
					return parsed
				}
				parsed = append(parsed, report)
			}
			return parsed
		})),
		pipeline.StrictOrd(pipeline.Slice(&reports)),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}
