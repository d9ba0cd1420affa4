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

// Package tools assembles command lines for the external neuroimaging
// programs bidspipe orchestrates. The programs themselves stay
// external processes; this package only knows their interfaces.
package tools

import (
	"strings"

	"github.com/pkg/errors"
)

// Tool is a fully assembled command line: the argument vector starting
// with the program name, plus environment entries the program needs on
// top of the inherited environment.
type Tool struct {
	Argv []string
	Env  []string
}

// String renders the command line the way it would be typed in a
// shell, with environment entries up front.
func (t Tool) String() string {
	var b strings.Builder
	for _, env := range t.Env {
		b.WriteString(env)
		b.WriteByte(' ')
	}
	b.WriteString(strings.Join(t.Argv, " "))
	return b.String()
}

// Containerize wraps a tool invocation for a container runtime. The
// none runtime returns the tool unchanged. Environment entries are
// forwarded into the container, and binds are mounted read-write.
func Containerize(runtime, image string, binds []string, t Tool) (Tool, error) {
	switch runtime {
	case "", "none":
		return t, nil
	case "singularity":
		argv := []string{"singularity", "run", "--cleanenv"}
		for _, env := range t.Env {
			argv = append(argv, "--env", env)
		}
		for _, bind := range binds {
			argv = append(argv, "-B", bind)
		}
		argv = append(argv, image)
		argv = append(argv, t.Argv...)
		return Tool{Argv: argv}, nil
	case "docker":
		argv := []string{"docker", "run", "--rm"}
		for _, env := range t.Env {
			argv = append(argv, "-e", env)
		}
		for _, bind := range binds {
			if !strings.Contains(bind, ":") {
				bind = bind + ":" + bind
			}
			argv = append(argv, "-v", bind)
		}
		argv = append(argv, image)
		argv = append(argv, t.Argv...)
		return Tool{Argv: argv}, nil
	default:
		return Tool{}, errors.Errorf("unknown container runtime %v", runtime)
	}
}
