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
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Flag rules. Absolute bounds come from the study configuration, IQR
// fences from the group distribution itself.
const (
	RuleMax     = "max"
	RuleMin     = "min"
	RuleIQRHigh = "iqr-high"
	RuleIQRLow  = "iqr-low"
)

// minFenceGroup is the smallest group for which IQR fences are
// meaningful.
const minFenceGroup = 4

// Thresholds configures the flagging pass.
type Thresholds struct {
	Max         map[string]float64
	Min         map[string]float64
	IQRScale    float64
	FlagMetrics []string
}

// A Flag records one metric value falling outside a bound.
type Flag struct {
	Subject  string
	BIDSName string
	Modality string
	Metric   string
	Value    float64
	Bound    float64
	Rule     string
}

// FlagTables applies absolute thresholds and IQR fences to the group
// tables and returns the flags in table order, absolute rules first.
func FlagTables(tables []*Table, th Thresholds) []Flag {
	scale := th.IQRScale
	if scale <= 0 {
		scale = 1.5
	}
	var flags []Flag
	for _, table := range tables {
		flags = append(flags, absoluteFlags(table, th)...)
		flags = append(flags, fenceFlags(table, th.FlagMetrics, scale)...)
	}
	return flags
}

func absoluteFlags(table *Table, th Thresholds) []Flag {
	metrics := make(map[string]bool, len(th.Max)+len(th.Min))
	for metric := range th.Max {
		metrics[metric] = true
	}
	for metric := range th.Min {
		metrics[metric] = true
	}
	sorted := make([]string, 0, len(metrics))
	for metric := range metrics {
		sorted = append(sorted, metric)
	}
	sort.Strings(sorted)
	var flags []Flag
	for _, row := range table.Rows {
		for _, metric := range sorted {
			value, ok := row.Metrics[metric]
			if !ok {
				continue
			}
			if bound, ok := th.Max[metric]; ok && value > bound {
				flags = append(flags, newFlag(row, metric, value, bound, RuleMax))
			}
			if bound, ok := th.Min[metric]; ok && value < bound {
				flags = append(flags, newFlag(row, metric, value, bound, RuleMin))
			}
		}
	}
	return flags
}

// fenceFlags flags values outside [Q1-scale*IQR, Q3+scale*IQR] per
// metric. Groups smaller than minFenceGroup are left alone since their
// quartiles carry no information.
func fenceFlags(table *Table, metrics []string, scale float64) []Flag {
	var flags []Flag
	for _, metric := range metrics {
		values := make([]float64, 0, len(table.Rows))
		for _, row := range table.Rows {
			if value, ok := row.Metrics[metric]; ok {
				values = append(values, value)
			}
		}
		if len(values) < minFenceGroup {
			continue
		}
		sort.Float64s(values)
		q1 := stat.Quantile(0.25, stat.Empirical, values, nil)
		q3 := stat.Quantile(0.75, stat.Empirical, values, nil)
		iqr := q3 - q1
		low := q1 - scale*iqr
		high := q3 + scale*iqr
		for _, row := range table.Rows {
			value, ok := row.Metrics[metric]
			if !ok {
				continue
			}
			if value < low {
				flags = append(flags, newFlag(row, metric, value, low, RuleIQRLow))
			} else if value > high {
				flags = append(flags, newFlag(row, metric, value, high, RuleIQRHigh))
			}
		}
	}
	return flags
}

func newFlag(row *Report, metric string, value, bound float64, rule string) Flag {
	return Flag{
		Subject:  row.Subject,
		BIDSName: row.BIDSName,
		Modality: row.Modality,
		Metric:   metric,
		Value:    value,
		Bound:    bound,
		Rule:     rule,
	}
}

// FlaggedSubjects returns the distinct flagged subject labels, sorted.
func FlaggedSubjects(flags []Flag) []string {
	seen := make(map[string]bool)
	for _, flag := range flags {
		seen[flag.Subject] = true
	}
	subjects := make([]string, 0, len(seen))
	for subject := range seen {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

// WriteFlagged writes the flag report as TSV.
func WriteFlagged(w io.Writer, flags []Flag) error {
	if _, err := fmt.Fprintln(w, "subject\tbids_name\tmodality\tmetric\tvalue\tbound\trule"); err != nil {
		return err
	}
	for _, flag := range flags {
		_, err := fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%s\t%s\t%v\n",
			flag.Subject, flag.BIDSName, flag.Modality, flag.Metric,
			strconv.FormatFloat(flag.Value, 'g', -1, 64),
			strconv.FormatFloat(flag.Bound, 'g', -1, 64),
			flag.Rule)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFlagged parses a flag report written by WriteFlagged.
func ReadFlagged(path string) (flags []Flag, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening flag report")
	}
	defer func() {
		nerr := file.Close()
		if err == nil {
			err = nerr
		}
	}()
	lines := bufio.NewScanner(file)
	if !lines.Scan() {
		if err := lines.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading flag report %v", path)
		}
		return nil, errors.Errorf("flag report %v is empty", path)
	}
	var sc StringScanner
	sc.Reset(lines.Text())
	if field, _ := sc.ReadField(); field != "subject" {
		return nil, errors.Errorf("flag report %v: first column must be subject", path)
	}
	lineno := 1
	for lines.Scan() {
		lineno++
		sc.Reset(lines.Text())
		var flag Flag
		var fields [7]string
		for index := range fields {
			fields[index], _ = sc.ReadField()
		}
		if fields[0] == "" {
			continue
		}
		flag.Subject = fields[0]
		flag.BIDSName = fields[1]
		flag.Modality = fields[2]
		flag.Metric = fields[3]
		if flag.Value, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, errors.Wrapf(err, "in flag report %v line %v", path, lineno)
		}
		if flag.Bound, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return nil, errors.Wrapf(err, "in flag report %v line %v", path, lineno)
		}
		flag.Rule = fields[6]
		flags = append(flags, flag)
	}
	if err := lines.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading flag report %v", path)
	}
	return flags, nil
}
