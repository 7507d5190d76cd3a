package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/vk/imagegrid/internal/executor"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	ctx       context.Context
	config    *Config
	model     *config.Model
	converter config.Converter
	runner    command.Runner
	// environ is the process environment, KEY=value.
	environ []string

	httpServer *http.Server
	// executor is set while a run is in progress, for the health endpoint.
	executor atomic.Pointer[executor.Executor]
}

// NewApp is the constructor for the main application. It loads the pipeline
// and panics when it is invalid. A nil runner runs commands as local
// processes writing to outW.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, runner command.Runner) *App {
	logger := newLogger(appConfig, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	var paths []string
	if appConfig.PipelinePath != "" {
		paths = append(paths, appConfig.PipelinePath)
	}
	model, converter, err := loader.Load(ctx, paths...)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load pipeline: %w", err))
	}
	logger.Debug("Pipeline loaded and translated into unified model.")

	if runner == nil {
		runner = command.NewExecRunner(outW)
	}

	return &App{
		outW:      outW,
		logger:    logger,
		ctx:       ctx,
		config:    appConfig,
		model:     model,
		converter: converter,
		runner:    runner,
		environ:   os.Environ(),
	}
}

// Model returns the loaded pipeline. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}
