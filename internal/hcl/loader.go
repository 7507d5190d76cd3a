package hcl

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/vk/imagegrid/internal/fsutil"
	"github.com/vk/imagegrid/internal/schema"
)

//go:embed defaults.hcl
var defaultPipeline []byte

// defaultsFilename is the pseudo filename diagnostics use for the built-in
// pipeline.
const defaultsFilename = "<defaults>.hcl"

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	// SkipDefaults disables the built-in pipeline, so the given files must
	// declare everything themselves.
	SkipDefaults bool
}

// NewLoader creates a new HCL pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses the built-in pipeline followed by every .hcl file under the
// given paths. Later files override earlier ones block by block.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, config.Converter, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	parser := hclparse.NewParser()
	merged := &schema.File{}

	if !l.SkipDefaults {
		f, diags := parser.ParseHCL(defaultPipeline, defaultsFilename)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("failed to parse built-in pipeline: %w", diags)
		}
		if err := decodeAndMerge(f, defaultsFilename, merged); err != nil {
			return nil, nil, err
		}
	}

	files, err := l.findPipelineFiles(paths)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Discovered pipeline files.", "count", len(files))

	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := decodeAndMerge(f, file, merged); err != nil {
			return nil, nil, err
		}
	}

	model, err := translate(merged)
	if err != nil {
		return nil, nil, err
	}

	logger.Debug("HCL loading complete.",
		"files", len(files),
		"matrix_size", model.Axes.Size(),
		"exclude_rules", len(model.Excludes),
		"side_tasks", len(model.SideTasks),
	)
	return model, NewConverter(), nil
}

func decodeAndMerge(f *hcl.File, name string, merged *schema.File) error {
	var root schema.File
	if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", name, diags)
	}
	return merge(merged, &root)
}

// findPipelineFiles expands the given paths into a de-duplicated list of
// .hcl files. A missing path is an error: a typo must not silently fall back
// to the built-in pipeline.
func (l *Loader) findPipelineFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		var found []string
		if info.IsDir() {
			found, err = fsutil.FindFilesByExtension(path, ".hcl")
			if err != nil {
				return nil, err
			}
		} else {
			found = []string{path}
		}

		for _, p := range found {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}
	return all, nil
}
