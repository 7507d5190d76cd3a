package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/vk/imagegrid/internal/app"
	"github.com/vk/imagegrid/internal/params"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

var commands = []string{app.CommandRun, app.CommandPlan, app.CommandManifests}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	command := app.CommandRun
	if len(args) > 0 && slices.Contains(commands, args[0]) {
		command, args = args[0], args[1:]
	}

	flagSet := pflag.NewFlagSet("imagegrid", pflag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
imagegrid - Builds a matrix of agent images and publishes the container ones.

Usage:
  imagegrid [run|plan|manifests] [options] [PATH]

Commands:
  run        Build every matrix cell (default).
  plan       Print the expanded matrix and commands without running them.
  manifests  List and validate the dependency-update manifests.

Arguments:
  PATH
    run, plan: a pipeline .hcl file or a directory of them. Without it the
               built-in pipeline is used.
    manifests: the manifest directory (default "`+app.DefaultManifestDir+`").

Options:
`)
		flagSet.PrintDefaults()
	}

	pipelineFlag := flagSet.StringP("pipeline", "p", "", "Path to the pipeline file or directory.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 10, "Number of matrix cells built concurrently.")
	stateDirFlag := flagSet.String("state-dir", "", "Directory for the run lock. Defaults to the user cache directory.")
	valuesFlag := flagSet.String("values", "", "Values file rendered into the manifests.")

	var run params.Run
	flagSet.StringVar(&run.Branch, "branch", "", "Branch being built. Overrides BRANCH_NAME.")
	flagSet.StringVar(&run.Tag, "tag", "", "Release tag being built. Overrides TAG_NAME.")
	flagSet.StringVar(&run.Commit, "commit", "", "Source revision. Overrides GIT_COMMIT.")
	flagSet.StringVar(&run.BuildNumber, "build-number", "", "CI build number. Overrides BUILD_NUMBER.")
	flagSet.StringVar(&run.ChangeID, "change-id", "", "Pull request number. Overrides CHANGE_ID.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.", "command", command)

	if flagSet.NArg() > 1 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %s", strings.Join(flagSet.Args()[1:], " "))}
	}
	path := *pipelineFlag
	if flagSet.NArg() > 0 {
		if path != "" {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("path given twice: --pipeline %s and %s", path, flagSet.Arg(0))}
		}
		path = flagSet.Arg(0)
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	cfg := app.Config{
		Command:         command,
		ValuesFile:      *valuesFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		WorkerCount:     *workersFlag,
		StateDir:        *stateDirFlag,
		Run:             run,
	}
	if command == app.CommandManifests {
		cfg.ManifestDir = path
	} else {
		cfg.PipelinePath = path
	}

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
