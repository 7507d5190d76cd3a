package config

import (
	"github.com/vk/imagegrid/internal/matrix"
	"github.com/vk/imagegrid/internal/params"
)

// Variable names visible to pipeline expressions.
const (
	VarCell     = "cell"
	VarParams   = "params"
	VarRun      = "run"
	VarPipeline = "pipeline"
	VarEnv      = "env"
	VarImage    = "image"
)

type cellVars struct {
	CPUArchitecture string `cty:"cpu_architecture"`
	AgentType       string `cty:"agent_type"`
	ComputeType     string `cty:"compute_type"`
	ID              string `cty:"id"`
}

type runVars struct {
	Branch          string `cty:"branch"`
	Tag             string `cty:"tag"`
	Commit          string `cty:"commit"`
	BuildNumber     string `cty:"build_number"`
	ChangeID        string `cty:"change_id"`
	IsTag           bool   `cty:"is_tag"`
	IsPrimaryBranch bool   `cty:"is_primary_branch"`
	Channel         string `cty:"channel"`
}

type pipelineVars struct {
	Template      string `cty:"template"`
	PrimaryBranch string `cty:"primary_branch"`
	Dir           string `cty:"dir"`
}

// RunScope returns the variables available to run-level expressions such as
// side tasks: `run`, `pipeline` and `env`.
func (m *Model) RunScope(run params.Run, env map[string]string) map[string]any {
	if env == nil {
		env = map[string]string{}
	}
	return map[string]any{
		VarRun: runVars{
			Branch:          run.Branch,
			Tag:             run.Tag,
			Commit:          run.Commit,
			BuildNumber:     run.BuildNumber,
			ChangeID:        run.ChangeID,
			IsTag:           run.IsTag(),
			IsPrimaryBranch: run.IsPrimaryBranch(),
			Channel:         run.Channel(),
		},
		VarPipeline: pipelineVars{
			Template:      m.Pipeline.Template,
			PrimaryBranch: m.Pipeline.PrimaryBranch,
			Dir:           m.Pipeline.Dir,
		},
		VarEnv: env,
	}
}

// CellScope extends RunScope with the `cell` and `params` of one matrix
// cell. Each call returns a new map.
func (m *Model) CellScope(cell matrix.Cell, p params.Params, run params.Run, env map[string]string) map[string]any {
	scope := m.RunScope(run, env)
	scope[VarCell] = cellVars{
		CPUArchitecture: cell.CPUArchitecture,
		AgentType:       cell.AgentType,
		ComputeType:     cell.ComputeType,
		ID:              cell.ID(),
	}
	scope[VarParams] = p
	return scope
}
