// Package schema holds the HCL decoding structs of a pipeline file.
package schema

import (
	"github.com/hashicorp/hcl/v2"
)

// --- Run-wide settings ---

// Pipeline represents the `pipeline` block.
type Pipeline struct {
	Timeout                 string `hcl:"timeout,optional"`
	PrimaryBranch           string `hcl:"primary_branch,optional"`
	DisableConcurrentBuilds *bool  `hcl:"disable_concurrent_builds,optional"`
	Template                string `hcl:"template,optional"`
	Dir                     string `hcl:"dir,optional"`
	DefaultNode             string `hcl:"default_node,optional"`
}

// --- Matrix ---

// Axis represents an `axis` block declaring the values of one matrix axis.
type Axis struct {
	Name   string   `hcl:"name,label"`
	Values []string `hcl:"values"`
}

// AxisConstraint is an `axis` block nested in an `exclude` block.
type AxisConstraint struct {
	Name      string   `hcl:"name,label"`
	Values    []string `hcl:"values,optional"`
	NotValues []string `hcl:"not_values,optional"`
}

// Exclude represents an `exclude` block. A cell is dropped when it
// satisfies every nested axis constraint.
type Exclude struct {
	Axes []*AxisConstraint `hcl:"axis,block"`
}

// --- Execution ---

// Native represents the `native_node` block.
type Native struct {
	Name            string            `hcl:"name,label"`
	CPUArchitecture string            `hcl:"cpu_architecture"`
	ComputeType     string            `hcl:"compute_type"`
	Env             map[string]string `hcl:"env,optional"`
}

// Retry represents the `retry` block nested in `build`.
type Retry struct {
	Attempts *int     `hcl:"attempts,optional"`
	OnOutput []string `hcl:"on_output,optional"`
	OnSignal *bool    `hcl:"on_signal,optional"`
}

// Build represents the `build` block. Command and Env are evaluated per cell.
type Build struct {
	Command hcl.Expression `hcl:"command"`
	Env     hcl.Expression `hcl:"env,optional"`
	Init    []string       `hcl:"init,optional"`
	Retry   *Retry         `hcl:"retry,block"`
}

// Publish represents the `publish` block.
type Publish struct {
	ComputeType string         `hcl:"compute_type"`
	Image       hcl.Expression `hcl:"image"`
	Command     hcl.Expression `hcl:"command"`
}

// SideTask represents a `side_task` block.
type SideTask struct {
	Name    string         `hcl:"name,label"`
	Command hcl.Expression `hcl:"command"`
	Enabled hcl.Expression `hcl:"enabled,optional"`
	Env     hcl.Expression `hcl:"env,optional"`
}

// File is the top-level structure of a pipeline file. Every block is
// optional; missing ones are taken from the built-in defaults. Unknown
// blocks and attributes are rejected.
type File struct {
	Pipeline  *Pipeline   `hcl:"pipeline,block"`
	Axes      []*Axis     `hcl:"axis,block"`
	Excludes  []*Exclude  `hcl:"exclude,block"`
	Native    *Native     `hcl:"native_node,block"`
	Build     *Build      `hcl:"build,block"`
	Publish   *Publish    `hcl:"publish,block"`
	SideTasks []*SideTask `hcl:"side_task,block"`
}
