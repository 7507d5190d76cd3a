package config

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/imagegrid/internal/matrix"
)

// Model is the unified, format-agnostic representation of a pipeline.
type Model struct {
	Pipeline  Pipeline
	Axes      matrix.Axes
	Excludes  []matrix.Rule
	Native    Native
	Build     Build
	Publish   Publish
	SideTasks []*SideTask
}

// Pipeline holds run-wide settings.
type Pipeline struct {
	Timeout       time.Duration
	PrimaryBranch string
	// DisableConcurrentBuilds serializes runs of the primary branch.
	DisableConcurrentBuilds bool
	// Template is the image builder template (file or directory).
	Template string
	// Dir is the working directory builds run in.
	Dir         string
	DefaultNode string
}

// Native describes the cells that get a dedicated native execution context.
type Native struct {
	Name            string
	CPUArchitecture string
	ComputeType     string
	Env             map[string]string
}

// Build is the per-cell image build step.
type Build struct {
	Command hcl.Expression
	Env     hcl.Expression
	// Init is the plugin initialization command; the template is appended.
	Init  []string
	Retry Retry
}

// Retry bounds the build retry wrapper.
type Retry struct {
	Attempts int
	// OnOutput lists regular expressions; a failed attempt whose output
	// matches one of them is retried.
	OnOutput []string
	// OnSignal retries attempts killed by a signal.
	OnSignal bool
}

// Publish is the registry push step.
type Publish struct {
	// ComputeType gates the step to cells of this compute type.
	ComputeType string
	Image       hcl.Expression
	Command     hcl.Expression
}

// SideTask is an auxiliary stage whose failure never fails the run.
type SideTask struct {
	Name    string
	Command hcl.Expression
	Enabled hcl.Expression
	Env     hcl.Expression
}
