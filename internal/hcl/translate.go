// This file contains the logic for translating the decoded HCL schema
// structs into the format-agnostic pipeline model.

package hcl

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/matrix"
	"github.com/vk/imagegrid/internal/schema"
)

const defaultRetryAttempts = 2

// translate converts the merged schema into the model and validates it.
func translate(f *schema.File) (*config.Model, error) {
	var errs []error
	m := &config.Model{}

	if f.Pipeline == nil {
		f.Pipeline = &schema.Pipeline{}
	}
	pipeline, err := translatePipeline(f.Pipeline)
	if err != nil {
		errs = append(errs, err)
	}
	m.Pipeline = pipeline

	axes, err := translateAxes(f.Axes)
	if err != nil {
		errs = append(errs, err)
	}
	m.Axes = axes

	for i, ex := range f.Excludes {
		rule, err := translateExclude(i, ex)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.Excludes = append(m.Excludes, rule)
	}
	if err := matrix.Validate(m.Axes, m.Excludes); err != nil {
		errs = append(errs, err)
	}

	if f.Native != nil {
		m.Native = config.Native{
			Name:            f.Native.Name,
			CPUArchitecture: f.Native.CPUArchitecture,
			ComputeType:     f.Native.ComputeType,
			Env:             f.Native.Env,
		}
	}

	if f.Build == nil {
		errs = append(errs, errors.New("a build block is required"))
	} else {
		build, err := translateBuild(f.Build)
		if err != nil {
			errs = append(errs, err)
		}
		m.Build = build
	}

	if f.Publish != nil {
		m.Publish = config.Publish{
			ComputeType: f.Publish.ComputeType,
			Image:       f.Publish.Image,
			Command:     f.Publish.Command,
		}
	}

	for _, t := range f.SideTasks {
		m.SideTasks = append(m.SideTasks, &config.SideTask{
			Name:    t.Name,
			Command: t.Command,
			Enabled: t.Enabled,
			Env:     t.Env,
		})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid pipeline: %w", errors.Join(errs...))
	}
	return m, nil
}

func translatePipeline(p *schema.Pipeline) (config.Pipeline, error) {
	out := config.Pipeline{
		PrimaryBranch: p.PrimaryBranch,
		Template:      p.Template,
		Dir:           p.Dir,
		DefaultNode:   p.DefaultNode,
	}
	if p.DisableConcurrentBuilds != nil {
		out.DisableConcurrentBuilds = *p.DisableConcurrentBuilds
	}
	if out.DefaultNode == "" {
		out.DefaultNode = "default"
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return out, fmt.Errorf("pipeline timeout: %w", err)
		}
		if d <= 0 {
			return out, fmt.Errorf("pipeline timeout must be positive, got %s", p.Timeout)
		}
		out.Timeout = d
	}
	return out, nil
}

func translateAxes(axes []*schema.Axis) (matrix.Axes, error) {
	var out matrix.Axes
	var errs []error
	for _, a := range axes {
		switch matrix.AxisName(a.Name) {
		case matrix.CPUArchitecture:
			out.CPUArchitectures = a.Values
		case matrix.AgentType:
			out.AgentTypes = a.Values
		case matrix.ComputeType:
			out.ComputeTypes = a.Values
		default:
			errs = append(errs, fmt.Errorf("axis %q: %w", a.Name, matrix.ErrUnknownAxis))
		}
	}
	return out, errors.Join(errs...)
}

func translateExclude(idx int, ex *schema.Exclude) (matrix.Rule, error) {
	var rule matrix.Rule
	if len(ex.Axes) == 0 {
		return rule, fmt.Errorf("exclude rule %d constrains no axis and would drop every cell", idx)
	}
	for _, c := range ex.Axes {
		hasValues, hasNot := len(c.Values) > 0, len(c.NotValues) > 0
		switch {
		case hasValues && hasNot:
			return rule, fmt.Errorf("exclude rule %d: axis %q sets both values and not_values", idx, c.Name)
		case hasNot:
			rule.Constraints = append(rule.Constraints, matrix.Constraint{
				Axis:   matrix.AxisName(c.Name),
				Values: c.NotValues,
				Negate: true,
			})
		default:
			rule.Constraints = append(rule.Constraints, matrix.Constraint{
				Axis:   matrix.AxisName(c.Name),
				Values: c.Values,
			})
		}
	}
	return rule, nil
}

func translateBuild(b *schema.Build) (config.Build, error) {
	out := config.Build{
		Command: b.Command,
		Env:     b.Env,
		Init:    b.Init,
		Retry:   config.Retry{Attempts: defaultRetryAttempts},
	}
	if b.Retry == nil {
		return out, nil
	}
	if b.Retry.Attempts != nil {
		if *b.Retry.Attempts < 1 {
			return out, fmt.Errorf("build retry attempts must be at least 1, got %d", *b.Retry.Attempts)
		}
		out.Retry.Attempts = *b.Retry.Attempts
	}
	if b.Retry.OnSignal != nil {
		out.Retry.OnSignal = *b.Retry.OnSignal
	}
	for _, pattern := range b.Retry.OnOutput {
		if _, err := regexp.Compile(pattern); err != nil {
			return out, fmt.Errorf("build retry pattern %q: %w", pattern, err)
		}
	}
	out.Retry.OnOutput = b.Retry.OnOutput
	return out, nil
}
