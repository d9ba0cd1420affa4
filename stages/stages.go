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

// Package stages declares the pipeline stage graph: which processing
// steps exist and which ones they depend on.
package stages

import (
	"fmt"
	"strings"

	"github.com/dominikbraun/graph"
)

// The runnable stages, in canonical order.
const (
	MRIQC    = "mriqc"
	SSwarper = "sswarper"
	AfniProc = "afniproc"
	TTest    = "ttest"
	QC       = "qc"
	Pack     = "pack"
)

var canonical = []string{MRIQC, SSwarper, AfniProc, TTest, QC, Pack}

// dependencies maps a stage to the stages it needs finished first.
var dependencies = map[string][]string{
	AfniProc: {SSwarper},
	TTest:    {AfniProc},
	QC:       {MRIQC},
	Pack:     {QC},
}

// All lists every stage in canonical order.
func All() []string {
	all := make([]string, len(canonical))
	copy(all, canonical)
	return all
}

// PerSubject reports whether a stage runs once per subject, which makes
// it eligible for array scheduling. The group-level stages are not.
func PerSubject(stage string) bool {
	switch stage {
	case MRIQC, SSwarper, AfniProc:
		return true
	}
	return false
}

func index(stage string) int {
	for i, s := range canonical {
		if s == stage {
			return i
		}
	}
	return len(canonical)
}

// Graph builds the directed acyclic stage graph with edges from each
// dependency to its dependent.
func Graph() (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, stage := range canonical {
		if err := g.AddVertex(stage); err != nil {
			return nil, err
		}
	}
	for stage, deps := range dependencies {
		for _, dep := range deps {
			if err := g.AddEdge(dep, stage); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Order returns the selected stages plus their transitive
// dependencies, in a topological order that follows the canonical
// stage order wherever the graph leaves a choice. An empty selection
// means all stages.
func Order(selected []string) ([]string, error) {
	g, err := Graph()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	if len(selected) == 0 {
		for _, stage := range canonical {
			keep[stage] = true
		}
	} else {
		predecessors, err := g.PredecessorMap()
		if err != nil {
			return nil, err
		}
		var mark func(stage string) error
		mark = func(stage string) error {
			if keep[stage] {
				return nil
			}
			if _, ok := predecessors[stage]; !ok {
				return fmt.Errorf("unknown stage %v, valid stages: %v", stage, strings.Join(canonical, ", "))
			}
			keep[stage] = true
			for dep := range predecessors[stage] {
				if err := mark(dep); err != nil {
					return err
				}
			}
			return nil
		}
		for _, stage := range selected {
			if err := mark(strings.TrimSpace(stage)); err != nil {
				return nil, err
			}
		}
	}

	sorted, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return index(a) < index(b)
	})
	if err != nil {
		return nil, err
	}
	var order []string
	for _, stage := range sorted {
		if keep[stage] {
			order = append(order, stage)
		}
	}
	return order, nil
}
