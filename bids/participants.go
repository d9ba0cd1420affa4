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

package bids

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// A Participant is one row of participants.tsv. Columns other than
// participant_id are kept by name.
type Participant struct {
	ID     string
	Fields map[string]string
}

// Get returns a column value, or "" when the row does not have it.
func (p Participant) Get(column string) string {
	return p.Fields[column]
}

// A scanner for tab-separated lines in participants.tsv.
//
// The zero fieldScanner is valid and empty.
type fieldScanner struct {
	index int
	data  string
}

func (sc *fieldScanner) reset(s string) {
	sc.index = 0
	sc.data = s
}

// next returns the field up to the next tab, and whether more fields
// follow on the line.
func (sc *fieldScanner) next() (s string, more bool) {
	start := sc.index
	for end := sc.index; end < len(sc.data); end++ {
		if sc.data[end] == '\t' {
			sc.index = end + 1
			return sc.data[start:end], true
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:], false
}

// ParticipantsPath is where participants.tsv lives for a dataset.
func (d Dataset) ParticipantsPath() string {
	return filepath.Join(d.Root, "participants.tsv")
}

// ReadParticipants parses a participants.tsv file. The first header
// column must be participant_id. Rows shorter than the header keep
// only the columns they have. A missing file is reported as is, so
// callers can choose to treat it as an empty list.
func ReadParticipants(path string) (participants []Participant, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()

	var sc fieldScanner
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading %v", path)
		}
		return nil, errors.Errorf("%v is empty", path)
	}
	sc.reset(scanner.Text())
	var header []string
	for {
		field, more := sc.next()
		header = append(header, field)
		if !more {
			break
		}
	}
	if header[0] != "participant_id" {
		return nil, errors.Errorf("%v: first column is %v, want participant_id", path, header[0])
	}

	line := 1
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		sc.reset(text)
		p := Participant{Fields: make(map[string]string)}
		for i := 0; ; i++ {
			field, more := sc.next()
			if i == 0 {
				p.ID = field
			} else if i < len(header) {
				p.Fields[header[i]] = field
			} else {
				return nil, errors.Errorf("%v line %v: more fields than header columns", path, line)
			}
			if !more {
				break
			}
		}
		if p.ID == "" {
			return nil, errors.Errorf("%v line %v: empty participant_id", path, line)
		}
		participants = append(participants, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %v", path)
	}
	return participants, nil
}
