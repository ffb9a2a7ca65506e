// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package playbook defines the workload-specific setup sequences that
// provisioning runs execute, loaded from a directory of YAML files.
package playbook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one named action in a playbook. Exactly one of Exec, Write,
// and Start must be set.
type Step struct {
	// Name labels the step in progress events.
	Name string `yaml:"name"`

	// Exec runs a command to completion inside the sandbox.
	Exec string `yaml:"exec,omitempty"`

	// Write places a file into the sandbox filesystem.
	Write *WriteFile `yaml:"write,omitempty"`

	// Start launches a long-running process and does not wait.
	Start string `yaml:"start,omitempty"`
}

// WriteFile is the payload of a write step.
type WriteFile struct {
	Path     string `yaml:"path"`
	Contents string `yaml:"contents"`
}

// Playbook is a named setup sequence plus the endpoint it produces.
type Playbook struct {
	// Name identifies the playbook; defaults to the filename stem.
	Name string `yaml:"name"`

	// Image is the sandbox base image.
	Image string `yaml:"image,omitempty"`

	// Env is applied to every step and started process.
	Env map[string]string `yaml:"env,omitempty"`

	// WorkingDir is the default working directory inside the sandbox.
	WorkingDir string `yaml:"working_dir,omitempty"`

	// Port is the sandbox port exposed as the public endpoint.
	Port int `yaml:"port"`

	// Health is an optional command run inside the sandbox to verify
	// the endpoint is serving; a zero exit code passes. Retried with a
	// bounded backoff before the sandbox is declared ready.
	Health string `yaml:"health,omitempty"`

	// Steps is the ordered setup sequence.
	Steps []Step `yaml:"steps"`
}

// Parse decodes and validates a playbook document.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// LoadFile reads and parses a playbook from disk.
func LoadFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pb, nil
}

// Validate checks structural requirements: a public port, and exactly
// one action per step.
func (p *Playbook) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("playbook %q: port must be in 1-65535, got %d", p.Name, p.Port)
	}
	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("playbook %q: step %d has no name", p.Name, i)
		}
		actions := 0
		if step.Exec != "" {
			actions++
		}
		if step.Write != nil {
			actions++
			if step.Write.Path == "" {
				return fmt.Errorf("playbook %q: step %q write has no path", p.Name, step.Name)
			}
		}
		if step.Start != "" {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("playbook %q: step %q must have exactly one of exec, write, start", p.Name, step.Name)
		}
	}
	return nil
}
