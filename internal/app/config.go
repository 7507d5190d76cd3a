package app

import (
	"errors"
	"fmt"

	"github.com/vk/imagegrid/internal/params"
)

// Commands understood by App.Run.
const (
	CommandRun       = "run"
	CommandPlan      = "plan"
	CommandManifests = "manifests"
)

// DefaultManifestDir is where the update tool's manifests live.
const DefaultManifestDir = "updatecli/updatecli.d"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command string
	// PipelinePath is a .hcl file or directory. Empty runs the built-in
	// pipeline.
	PipelinePath string
	ManifestDir  string
	ValuesFile   string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	WorkerCount     int
	StateDir        string

	// Run overrides the run context read from the environment.
	Run params.Run
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	var errs []error
	switch cfg.Command {
	case "":
		cfg.Command = CommandRun
	case CommandRun, CommandPlan, CommandManifests:
	default:
		errs = append(errs, fmt.Errorf("unknown command %q", cfg.Command))
	}
	if cfg.Command == CommandManifests && cfg.ManifestDir == "" {
		cfg.ManifestDir = DefaultManifestDir
	}
	if cfg.WorkerCount < 1 {
		errs = append(errs, errors.New("WorkerCount must be at least 1"))
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		errs = append(errs, fmt.Errorf("HealthcheckPort %d is out of range", cfg.HealthcheckPort))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}
