package hcl

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Converter is the HCL-specific implementation of the config.Converter interface.
type Converter struct {
	functions map[string]function.Function
}

// NewConverter creates a new HCL converter with the pipeline function table.
func NewConverter() *Converter {
	return &Converter{functions: pipelineFunctions()}
}

// pipelineFunctions is the set of functions available to pipeline expressions.
func pipelineFunctions() map[string]function.Function {
	return map[string]function.Function{
		"coalesce":   stdlib.CoalesceFunc,
		"concat":     stdlib.ConcatFunc,
		"format":     stdlib.FormatFunc,
		"join":       stdlib.JoinFunc,
		"lower":      stdlib.LowerFunc,
		"merge":      stdlib.MergeFunc,
		"replace":    stdlib.ReplaceFunc,
		"split":      stdlib.SplitFunc,
		"trimprefix": stdlib.TrimPrefixFunc,
		"trimsuffix": stdlib.TrimSuffixFunc,
		"upper":      stdlib.UpperFunc,
	}
}

// EvalContext converts every variable to a cty.Value and returns a fresh
// evaluation context. Nothing is shared between returned contexts.
func (c *Converter) EvalContext(vars map[string]any) (*hcl.EvalContext, error) {
	values := make(map[string]cty.Value, len(vars))
	for name, v := range vars {
		if cv, ok := v.(cty.Value); ok {
			values[name] = cv
			continue
		}
		cv, err := c.ToCtyValue(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		values[name] = cv
	}
	return &hcl.EvalContext{Variables: values, Functions: c.functions}, nil
}

// DecodeExpr evaluates the expression and decodes the result into the Go
// value target points to. A nil expression or a null result reports false.
func (c *Converter) DecodeExpr(ctx context.Context, expr hcl.Expression, evalCtx *hcl.EvalContext, target any) (bool, error) {
	if expr == nil {
		return false, nil
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return false, diags
	}
	if val.IsNull() {
		return false, nil
	}
	if !val.IsWhollyKnown() {
		return false, fmt.Errorf("expression at %s has an unknown value", expr.Range())
	}
	if err := c.decode(ctx, val, target); err != nil {
		return false, fmt.Errorf("expression at %s: %w", expr.Range(), err)
	}
	return true, nil
}

// decode handles the conversion and decoding of a cty.Value into a Go pointer.
func (c *Converter) decode(ctx context.Context, val cty.Value, goVal any) error {
	logger := ctxlog.FromContext(ctx)
	valPtr := reflect.ValueOf(goVal)
	if valPtr.Kind() != reflect.Ptr || valPtr.IsNil() {
		return fmt.Errorf("target for decoding must be a non-nil pointer, got %T", goVal)
	}

	impliedType, err := gocty.ImpliedType(valPtr.Elem().Interface())
	if err != nil {
		logger.Debug("Could not imply cty.Type from Go type, attempting direct decoding.", "go_type", valPtr.Elem().Type().String(), "error", err)
		return gocty.FromCtyValue(val, goVal)
	}

	convertedVal, err := convert.Convert(val, impliedType)
	if err != nil {
		return fmt.Errorf("cannot convert %s to required type %s: %w", val.Type().FriendlyName(), impliedType.FriendlyName(), err)
	}

	if !val.Type().Equals(convertedVal.Type()) {
		logger.Debug("Implicitly converted value type.",
			"from", val.Type().FriendlyName(),
			"to", convertedVal.Type().FriendlyName(),
		)
	}

	return gocty.FromCtyValue(convertedVal, goVal)
}

// ToCtyValue converts a native Go value into its corresponding cty.Value.
func (c *Converter) ToCtyValue(v any) (cty.Value, error) {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	if m, ok := v.(map[string]string); ok {
		return stringMap(m), nil
	}
	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unable to infer cty.Type: %w", err)
	}
	return gocty.ToCtyValue(v, ty)
}

// stringMap converts a Go string map into a cty map, which must not be
// built with cty.MapVal when empty.
func stringMap(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.MapVal(vals)
}
