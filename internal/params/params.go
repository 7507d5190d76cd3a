// Package params derives the flat set of build parameters for a matrix cell
// and the run it belongs to. Every function here is pure: the same cell and
// run always produce the same parameters.
package params

import (
	"sort"
	"strings"

	"github.com/vk/imagegrid/internal/matrix"
)

// Build channels.
const (
	ChannelProd    = "prod"
	ChannelStaging = "staging"
	ChannelDev     = "dev"
)

// Environment variable names understood by the image builder.
const (
	EnvBuildType      = "PKR_VAR_build_type"
	EnvImageVersion   = "PKR_VAR_image_version"
	EnvSourceRevision = "PKR_VAR_scm_ref"
	EnvOSType         = "PKR_VAR_agent_os_type"
	EnvOSVersion      = "PKR_VAR_agent_os_version"
	EnvArchitecture   = "PKR_VAR_architecture"
	EnvImageType      = "PKR_VAR_image_type"
)

// Params is the derived parameter record of one cell.
type Params struct {
	OSType         string `cty:"os_type"`
	OSVersion      string `cty:"os_version"`
	Architecture   string `cty:"architecture"`
	ImageType      string `cty:"image_type"`
	BuildChannel   string `cty:"build_channel"`
	ImageVersion   string `cty:"image_version"`
	SourceRevision string `cty:"source_revision"`
}

// Derive computes the parameters of a cell within a run.
func Derive(cell matrix.Cell, run Run) Params {
	osType, osVersion := SplitAgentType(cell.AgentType)
	return Params{
		OSType:         osType,
		OSVersion:      osVersion,
		Architecture:   cell.CPUArchitecture,
		ImageType:      cell.ComputeType,
		BuildChannel:   run.Channel(),
		ImageVersion:   run.ImageVersion(),
		SourceRevision: run.Commit,
	}
}

// SplitAgentType splits an agent type such as "ubuntu-20.04" into its OS
// type and version at the first '-'. Without a separator the whole string is
// the type.
func SplitAgentType(agentType string) (osType, osVersion string) {
	osType, osVersion, _ = strings.Cut(agentType, "-")
	return osType, osVersion
}

// Env returns the parameters as builder environment variables.
func (p Params) Env() map[string]string {
	return map[string]string{
		EnvBuildType:      p.BuildChannel,
		EnvImageVersion:   p.ImageVersion,
		EnvSourceRevision: p.SourceRevision,
		EnvOSType:         p.OSType,
		EnvOSVersion:      p.OSVersion,
		EnvArchitecture:   p.Architecture,
		EnvImageType:      p.ImageType,
	}
}

// Environ returns the builder environment as a sorted KEY=value list. The
// slice is freshly allocated on every call.
func (p Params) Environ() []string {
	return Environ(p.Env())
}

// Environ flattens a variable map into a sorted KEY=value list.
func Environ(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
