// Package manifest loads and checks the dependency-update manifests consumed
// by the update tool side task. Manifests are YAML documents that may embed
// Go template expressions, rendered with a values file before decoding.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/vk/imagegrid/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Manifest is one update task.
type Manifest struct {
	// Path is the file the manifest was read from.
	Path         string              `yaml:"-"`
	Name         string              `yaml:"name"`
	PipelineID   string              `yaml:"pipelineid"`
	Sources      map[string]Resource `yaml:"sources"`
	Conditions   map[string]Resource `yaml:"conditions"`
	Targets      map[string]Resource `yaml:"targets"`
	PullRequests map[string]Action   `yaml:"pullrequests"`
	Actions      map[string]Action   `yaml:"actions"`
}

// Resource is a source, condition or target.
type Resource struct {
	Name     string       `yaml:"name"`
	Kind     string       `yaml:"kind"`
	SourceID string       `yaml:"sourceid"`
	Spec     ResourceSpec `yaml:"spec"`
}

// ResourceSpec holds the spec fields that can be checked locally. Other
// fields are left to the update tool.
type ResourceSpec struct {
	Command       string         `yaml:"command"`
	VersionFilter *VersionFilter `yaml:"versionfilter"`
}

// VersionFilter selects versions of a source.
type VersionFilter struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// Action opens a pull request for the changed targets.
type Action struct {
	Kind  string `yaml:"kind"`
	Title string `yaml:"title"`
	Spec  struct {
		Labels Labels `yaml:"labels"`
	} `yaml:"spec"`
}

// Labels accepts a single label or a list of labels.
type Labels []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Labels) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = Labels{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Summary is the listing of one manifest.
type Summary struct {
	Path    string
	Name    string
	Sources []string
	Targets []string
	Labels  []string
}

// Summary lists the manifest's sources, targets and pull request labels.
func (m *Manifest) Summary() Summary {
	s := Summary{Path: m.Path, Name: m.Name}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(m.Path), filepath.Ext(m.Path))
	}
	s.Sources = sortedKeys(m.Sources)
	s.Targets = sortedKeys(m.Targets)
	for _, actions := range []map[string]Action{m.PullRequests, m.Actions} {
		for _, a := range actions {
			for _, label := range a.Spec.Labels {
				if !slices.Contains(s.Labels, label) {
					s.Labels = append(s.Labels, label)
				}
			}
		}
	}
	slices.Sort(s.Labels)
	return s
}

// DefaultValuesFile is the values file the update tool side task passes,
// relative to the repository root.
const DefaultValuesFile = "updatecli/values.github-action.yaml"

// Loader reads manifests from a directory.
type Loader struct {
	// Root is the directory script paths are resolved against.
	Root string
	// Values is a YAML file exposed to template expressions. When empty,
	// DefaultValuesFile under Root is used if it exists.
	Values string
	// Getenv backs the env and requiredEnv template functions.
	Getenv func(string) string
}

// Load reads every *.yaml and *.yml file under dir. Parse errors of all
// files are joined.
func (l *Loader) Load(ctx context.Context, dir string) ([]*Manifest, error) {
	logger := ctxlog.FromContext(ctx)

	values, err := l.loadValues()
	if err != nil {
		return nil, err
	}

	paths, err := fsutil.FindFilesByExtension(dir, ".yaml", ".yml")
	if err != nil {
		return nil, fmt.Errorf("failed to find manifests in %s: %w", dir, err)
	}
	logger.Debug("Found manifest files.", "count", len(paths), "dir", dir)

	var (
		manifests []*Manifest
		errs      []error
	)
	for _, path := range paths {
		m, err := l.loadFile(ctx, path, values)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return manifests, nil
}

func (l *Loader) loadValues() (map[string]any, error) {
	values := map[string]any{}
	path := l.Values
	if path == "" {
		path = filepath.Join(l.Root, DefaultValuesFile)
		if _, err := os.Stat(path); err != nil {
			return values, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse values file %s: %w", path, err)
	}
	return values, nil
}

func (l *Loader) loadFile(ctx context.Context, path string, values map[string]any) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(filepath.Base(path)).
		Option("missingkey=error").
		Funcs(l.funcs(ctx, path)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, values); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(rendered.Bytes(), m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// funcs mirrors the environment helpers of the update tool. A missing
// required variable only warns: credentials are absent outside CI. source
// and pipeline resolve at apply time, so they render back to themselves.
func (l *Loader) funcs(ctx context.Context, path string) template.FuncMap {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return template.FuncMap{
		"env": getenv,
		"requiredEnv": func(name string) string {
			v := getenv(name)
			if v == "" {
				ctxlog.FromContext(ctx).Warn("Required environment variable is not set.", "variable", name, "manifest", path)
			}
			return v
		},
		"source":   reemit("source"),
		"pipeline": reemit("pipeline"),
	}
}

func reemit(name string) func(...string) string {
	return func(args ...string) string {
		var b strings.Builder
		b.WriteString("{{ ")
		b.WriteString(name)
		for _, a := range args {
			fmt.Fprintf(&b, " %q", a)
		}
		b.WriteString(" }}")
		return b.String()
	}
}

// Validate checks every manifest and joins all problems found.
func (l *Loader) Validate(manifests []*Manifest) error {
	var errs []error
	for _, m := range manifests {
		if err := l.validate(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Path, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) validate(m *Manifest) error {
	var errs []error
	if len(m.Sources) == 0 {
		errs = append(errs, errors.New("no sources declared"))
	}
	if len(m.Targets) == 0 {
		errs = append(errs, errors.New("no targets declared"))
	}

	for _, id := range sortedKeys(m.Targets) {
		t := m.Targets[id]
		if t.SourceID != "" {
			if _, ok := m.Sources[t.SourceID]; !ok {
				errs = append(errs, fmt.Errorf("target %q references unknown source %q", id, t.SourceID))
			}
		}
	}
	for _, id := range sortedKeys(m.Conditions) {
		c := m.Conditions[id]
		if c.SourceID != "" {
			if _, ok := m.Sources[c.SourceID]; !ok {
				errs = append(errs, fmt.Errorf("condition %q references unknown source %q", id, c.SourceID))
			}
		}
	}

	for _, group := range []struct {
		name      string
		resources map[string]Resource
	}{
		{"source", m.Sources},
		{"condition", m.Conditions},
		{"target", m.Targets},
	} {
		for _, id := range sortedKeys(group.resources) {
			r := group.resources[id]
			if r.Kind == "shell" {
				for _, script := range scripts(r.Spec.Command) {
					if _, err := os.Stat(filepath.Join(l.Root, script)); err != nil {
						errs = append(errs, fmt.Errorf("%s %q runs missing script %s", group.name, id, script))
					}
				}
			}
			if vf := r.Spec.VersionFilter; vf != nil && vf.Kind == "regex" {
				if _, err := regexp.Compile(vf.Pattern); err != nil {
					errs = append(errs, fmt.Errorf("%s %q has an invalid version filter: %w", group.name, id, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// scripts returns the local shell scripts a command line refers to.
func scripts(command string) []string {
	var out []string
	for _, word := range strings.Fields(command) {
		if strings.HasSuffix(word, ".sh") && !filepath.IsAbs(word) && !strings.Contains(word, "://") {
			out = append(out, word)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
