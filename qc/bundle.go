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
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// An Artifact is one file that goes into a QC bundle, stored under a
// per-subject path.
type Artifact struct {
	Subject string
	Source  string
	Name    string
}

// BundleName names a QC bundle after its creation time.
func BundleName(t time.Time) string {
	return fmt.Sprintf("qc-bundle-%s.tar.gz", t.Format(time.RFC3339))
}

// matchesSubject reports whether a file base name belongs to the
// subject, either as a BIDS-named output (sub-01_T1w.html) or a
// per-subject log (mriqc-sub-01.log).
func matchesSubject(base, subject string) bool {
	return base == subject ||
		strings.HasPrefix(base, subject+"_") ||
		strings.HasPrefix(base, subject+".") ||
		strings.Contains(base, "-"+subject+".")
}

// CollectArtifacts walks the given directories for files belonging to
// the subjects, and lays them out as <sub>/<dir-base>/<relative path>
// inside the bundle. Subjects without any artifact are returned
// separately so callers can warn about them.
func CollectArtifacts(subjects []string, dirs ...string) (artifacts []Artifact, missing []string, err error) {
	found := make(map[string]bool)
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			for _, subject := range subjects {
				if !matchesSubject(d.Name(), subject) && !underSubjectDir(rel, subject) {
					continue
				}
				artifacts = append(artifacts, Artifact{
					Subject: subject,
					Source:  path,
					Name:    filepath.ToSlash(filepath.Join(subject, filepath.Base(dir), rel)),
				})
				found[subject] = true
				break
			}
			return nil
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "collecting artifacts under %v", dir)
		}
	}
	for _, subject := range subjects {
		if !found[subject] {
			missing = append(missing, subject)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, missing, nil
}

// underSubjectDir reports whether a relative path has the subject as
// one of its directory components.
func underSubjectDir(rel, subject string) bool {
	for _, element := range strings.Split(filepath.ToSlash(rel), "/") {
		if element == subject {
			return true
		}
	}
	return false
}

// WriteBundle writes the artifacts to a gzipped tar file.
func WriteBundle(path string, artifacts []Artifact) (err error) {
	if len(artifacts) == 0 {
		return errors.New("qc: no artifacts to bundle")
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating QC bundle")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	zip := gzip.NewWriter(file)
	archive := tar.NewWriter(zip)
	for _, artifact := range artifacts {
		if err := addToBundle(archive, artifact); err != nil {
			return err
		}
	}
	if err := archive.Close(); err != nil {
		return errors.Wrap(err, "finalizing QC bundle")
	}
	return zip.Close()
}

func addToBundle(archive *tar.Writer, artifact Artifact) (err error) {
	file, err := os.Open(artifact.Source)
	if err != nil {
		return errors.Wrapf(err, "opening artifact for %v", artifact.Subject)
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	info, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "sizing artifact %v", artifact.Source)
	}
	header := &tar.Header{
		Name:    artifact.Name,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := archive.WriteHeader(header); err != nil {
		return errors.Wrapf(err, "writing bundle entry %v", artifact.Name)
	}
	if _, err := io.Copy(archive, file); err != nil {
		return errors.Wrapf(err, "writing bundle entry %v", artifact.Name)
	}
	return nil
}
