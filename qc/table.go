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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// missingValue marks metrics absent from a row in a written table.
const missingValue = "n/a"

// A Table is the group metric matrix for one modality: the union of
// metric names as columns, one row per image.
type Table struct {
	Modality string
	Columns  []string
	Rows     []*Report
}

// GroupTables groups reports by modality. Columns are the union of
// metric names in sorted order, rows are sorted by BIDS name, and
// tables are sorted by modality.
func GroupTables(reports []*Report) []*Table {
	grouped := make(map[string][]*Report)
	for _, report := range reports {
		grouped[report.Modality] = append(grouped[report.Modality], report)
	}
	tables := make([]*Table, 0, len(grouped))
	for modality, rows := range grouped {
		sort.Slice(rows, func(i, j int) bool { return rows[i].BIDSName < rows[j].BIDSName })
		columns := make(map[string]bool)
		for _, row := range rows {
			for metric := range row.Metrics {
				columns[metric] = true
			}
		}
		sorted := make([]string, 0, len(columns))
		for metric := range columns {
			sorted = append(sorted, metric)
		}
		sort.Strings(sorted)
		tables = append(tables, &Table{Modality: modality, Columns: sorted, Rows: rows})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Modality < tables[j].Modality })
	return tables
}

// WriteTSV writes the table with bids_name, subject, and session
// leading the metric columns.
func (t *Table) WriteTSV(w io.Writer) error {
	if _, err := fmt.Fprint(w, "bids_name\tsubject\tsession"); err != nil {
		return err
	}
	for _, column := range t.Columns {
		if _, err := fmt.Fprint(w, "\t", column); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if _, err := fmt.Fprint(w, row.BIDSName, "\t", row.Subject, "\t", row.Session); err != nil {
			return err
		}
		for _, column := range t.Columns {
			value, ok := row.Metrics[column]
			formatted := missingValue
			if ok {
				formatted = strconv.FormatFloat(value, 'g', -1, 64)
			}
			if _, err := fmt.Fprint(w, "\t", formatted); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// TablePath names the group table file for a modality.
func TablePath(dir, modality string) string {
	return filepath.Join(dir, "group_"+modality+".tsv")
}

// WriteGroupTables writes one group_<modality>.tsv per table and
// returns the written paths.
func WriteGroupTables(dir string, tables []*Table) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating QC output directory")
	}
	var paths []string
	for _, table := range tables {
		path := TablePath(dir, table.Modality)
		if err := writeTableFile(path, table); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeTableFile(path string, table *Table) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating group table")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	buf := bufio.NewWriter(file)
	if err := table.WriteTSV(buf); err != nil {
		return errors.Wrapf(err, "writing group table %v", path)
	}
	return buf.Flush()
}

// ReadGroupTSV parses a group table, either one written by
// WriteGroupTables or MRIQC's own group_<modality>.tsv, back into
// reports. Columns other than bids_name that do not parse as numbers
// are skipped.
func ReadGroupTSV(path string) (reports []*Report, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening group table")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	lines := bufio.NewScanner(file)
	lines.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !lines.Scan() {
		if err := lines.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading group table %v", path)
		}
		return nil, errors.Errorf("group table %v is empty", path)
	}
	var sc StringScanner
	sc.Reset(lines.Text())
	var columns []string
	for sc.Len() > 0 {
		field, found := sc.ReadField()
		columns = append(columns, field)
		if !found {
			break
		}
	}
	if len(columns) == 0 || columns[0] != "bids_name" {
		return nil, errors.Errorf("group table %v: first column must be bids_name", path)
	}
	lineno := 1
	for lines.Scan() {
		lineno++
		sc.Reset(lines.Text())
		name, found := sc.ReadField()
		if name == "" {
			continue
		}
		subject, session, modality, err := parseBIDSName(name)
		if err != nil {
			return nil, errors.Wrapf(err, "in group table %v line %v", path, lineno)
		}
		report := &Report{
			BIDSName: name,
			Subject:  subject,
			Session:  session,
			Modality: modality,
			Metrics:  make(map[string]float64),
		}
		for index := 1; found && index < len(columns); index++ {
			var field string
			field, found = sc.ReadField()
			switch columns[index] {
			case "subject", "session":
				continue
			}
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				continue
			}
			report.Metrics[columns[index]] = value
		}
		reports = append(reports, report)
	}
	if err := lines.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading group table %v", path)
	}
	return reports, nil
}
