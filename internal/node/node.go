// Package node decides where a matrix cell runs. All cells share one default
// execution context, except arm64 builds on container compute which get a
// fresh native context each. Every context runs the image builder's plugin
// initialization exactly once before its first build.
package node

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/ctxlog"
)

// Context is an execution context for builds.
type Context struct {
	Name string
	// Native marks a dedicated context for a single cell.
	Native bool
	Dir    string
	Env    []string

	initCmd  []string
	initOnce sync.Once
	initErr  error
}

// Init runs the plugin initialization command the first time it is called.
// Later calls return the first result without running anything.
func (c *Context) Init(ctx context.Context, runner command.Runner) error {
	c.initOnce.Do(func() {
		if len(c.initCmd) == 0 {
			return
		}
		logger := ctxlog.FromContext(ctx).With("node", c.Name)
		logger.Info("🔌 Initializing builder plugins")
		_, err := runner.Run(ctx, command.Command{
			Args:  c.initCmd,
			Dir:   c.Dir,
			Env:   slices.Clone(c.Env),
			Label: c.Name,
		})
		if err != nil {
			c.initErr = fmt.Errorf("plugin initialization on node %s failed: %w", c.Name, err)
		}
	})
	return c.initErr
}

// Native describes when a cell needs a dedicated native context.
type Native struct {
	Name            string
	CPUArchitecture string
	ComputeType     string
	Env             []string
}

// Config holds everything the Selector needs.
type Config struct {
	DefaultName string
	Dir         string
	Native      Native
	// InitCommand is run with the template name appended.
	InitCommand []string
}

// Selector hands out execution contexts.
type Selector struct {
	cfg   Config
	def   *Context
	fresh atomic.Int64
}

// NewSelector creates the selector and its shared default context.
func NewSelector(cfg Config, template string) *Selector {
	return &Selector{
		cfg: cfg,
		def: &Context{
			Name:    cfg.DefaultName,
			Dir:     cfg.Dir,
			initCmd: initArgs(cfg.InitCommand, template),
		},
	}
}

// Default returns the shared default context.
func (s *Selector) Default() *Context { return s.def }

// NeedsNative reports whether a cell with the given compute type and cpu
// architecture requires its own native context.
func (s *Selector) NeedsNative(computeType, cpuArchitecture string) bool {
	n := s.cfg.Native
	return n.ComputeType != "" && n.CPUArchitecture != "" &&
		computeType == n.ComputeType && cpuArchitecture == n.CPUArchitecture
}

// Select returns the execution context for a cell building template.
func (s *Selector) Select(template, computeType, cpuArchitecture string) *Context {
	if !s.NeedsNative(computeType, cpuArchitecture) {
		return s.def
	}
	seq := s.fresh.Add(1)
	return &Context{
		Name:    fmt.Sprintf("%s-%d", s.cfg.Native.Name, seq),
		Native:  true,
		Dir:     s.cfg.Dir,
		Env:     slices.Clone(s.cfg.Native.Env),
		initCmd: initArgs(s.cfg.InitCommand, template),
	}
}

func initArgs(cmd []string, template string) []string {
	if len(cmd) == 0 {
		return nil
	}
	args := slices.Clone(cmd)
	if template != "" {
		args = append(args, template)
	}
	return args
}
