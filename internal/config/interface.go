package config

import (
	"context"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the interface for a format-specific pipeline loader.
type Loader interface {
	// Load reads the pipeline from the given paths, merges it over the
	// built-in defaults, and returns the model with a matching Converter.
	Load(ctx context.Context, paths ...string) (*Model, Converter, error)
}

// Converter is the interface for format-specific expression evaluation. It
// bridges the unevaluated expressions of the model and the Go types used by
// the executor.
type Converter interface {
	// EvalContext builds an evaluation scope from named Go values. Each value
	// must be convertible with ToCtyValue.
	EvalContext(vars map[string]any) (*hcl.EvalContext, error)

	// DecodeExpr evaluates expr in evalCtx and stores the result in target,
	// which must be a non-nil pointer. A null result leaves target untouched
	// and reports false.
	DecodeExpr(ctx context.Context, expr hcl.Expression, evalCtx *hcl.EvalContext, target any) (bool, error)

	// ToCtyValue converts a native Go value into its cty.Value.
	ToCtyValue(v any) (cty.Value, error)
}
