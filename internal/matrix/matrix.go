package matrix

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// AxisName identifies one of the three matrix axes.
type AxisName string

const (
	CPUArchitecture AxisName = "cpu_architecture"
	AgentType       AxisName = "agent_type"
	ComputeType     AxisName = "compute_type"
)

// AxisNames lists the axes in expansion order. The first axis varies slowest.
var AxisNames = []AxisName{CPUArchitecture, AgentType, ComputeType}

// ErrUnknownAxis is returned by Validate for a constraint on an axis that
// does not exist.
var ErrUnknownAxis = errors.New("unknown matrix axis")

// Valid reports whether n names one of the matrix axes.
func (n AxisName) Valid() bool {
	return slices.Contains(AxisNames, n)
}

// Axes holds the ordered values of every axis.
type Axes struct {
	CPUArchitectures []string
	AgentTypes       []string
	ComputeTypes     []string
}

// Values returns the values of the named axis.
func (a Axes) Values(name AxisName) []string {
	switch name {
	case CPUArchitecture:
		return a.CPUArchitectures
	case AgentType:
		return a.AgentTypes
	case ComputeType:
		return a.ComputeTypes
	}
	return nil
}

// Size is the number of cells in the unfiltered cross product.
func (a Axes) Size() int {
	return len(a.CPUArchitectures) * len(a.AgentTypes) * len(a.ComputeTypes)
}

// Cell is one concrete combination of axis values. It is a plain value and
// is safe to hand to a concurrently running build.
type Cell struct {
	CPUArchitecture string
	AgentType       string
	ComputeType     string
}

// Value returns the cell's value for the named axis.
func (c Cell) Value(name AxisName) string {
	switch name {
	case CPUArchitecture:
		return c.CPUArchitecture
	case AgentType:
		return c.AgentType
	case ComputeType:
		return c.ComputeType
	}
	return ""
}

// ID is a stable, human readable identifier, e.g. "amd64/ubuntu-20.04/docker".
func (c Cell) ID() string {
	return strings.Join([]string{c.CPUArchitecture, c.AgentType, c.ComputeType}, "/")
}

func (c Cell) String() string { return c.ID() }

// Constraint restricts one axis of a rule.
type Constraint struct {
	Axis   AxisName
	Values []string
	// Negate turns Values into a "not one of" list.
	Negate bool
}

// Matches reports whether the cell satisfies the constraint.
func (c Constraint) Matches(cell Cell) bool {
	in := slices.Contains(c.Values, cell.Value(c.Axis))
	if c.Negate {
		return !in
	}
	return in
}

// Rule excludes every cell that satisfies all of its constraints.
type Rule struct {
	Constraints []Constraint
}

// Matches reports whether the rule excludes the cell. A rule without
// constraints matches everything.
func (r Rule) Matches(cell Cell) bool {
	for _, c := range r.Constraints {
		if !c.Matches(cell) {
			return false
		}
	}
	return true
}

// Exclusion records a cell removed from the plan and the index of the first
// rule that removed it.
type Exclusion struct {
	Cell Cell
	Rule int
}

// Plan is the result of expanding the matrix.
type Plan struct {
	Cells    []Cell
	Excluded []Exclusion
}

// Expand enumerates the cross product of the axes in order and filters it
// through the rules.
func Expand(axes Axes, rules []Rule) Plan {
	var plan Plan
	for _, arch := range axes.CPUArchitectures {
		for _, agent := range axes.AgentTypes {
			for _, compute := range axes.ComputeTypes {
				cell := Cell{CPUArchitecture: arch, AgentType: agent, ComputeType: compute}
				if idx := firstMatch(rules, cell); idx >= 0 {
					plan.Excluded = append(plan.Excluded, Exclusion{Cell: cell, Rule: idx})
					continue
				}
				plan.Cells = append(plan.Cells, cell)
			}
		}
	}
	return plan
}

func firstMatch(rules []Rule, cell Cell) int {
	for i, r := range rules {
		if r.Matches(cell) {
			return i
		}
	}
	return -1
}

// Validate checks axes and rules for authoring mistakes: empty or duplicated
// axis values, constraints on unknown axes, the same axis constrained twice
// in one rule, and constraints without values.
func Validate(axes Axes, rules []Rule) error {
	var errs []error
	for _, name := range AxisNames {
		values := axes.Values(name)
		if len(values) == 0 {
			errs = append(errs, fmt.Errorf("axis %q has no values", name))
		}
		seen := make(map[string]struct{}, len(values))
		for _, v := range values {
			if _, dup := seen[v]; dup {
				errs = append(errs, fmt.Errorf("axis %q lists %q more than once", name, v))
			}
			seen[v] = struct{}{}
		}
	}

	for i, r := range rules {
		constrained := make(map[AxisName]struct{})
		for _, c := range r.Constraints {
			if !c.Axis.Valid() {
				errs = append(errs, fmt.Errorf("exclude rule %d: %w %q", i, ErrUnknownAxis, c.Axis))
				continue
			}
			if _, dup := constrained[c.Axis]; dup {
				errs = append(errs, fmt.Errorf("exclude rule %d: axis %q constrained more than once", i, c.Axis))
			}
			constrained[c.Axis] = struct{}{}
			if len(c.Values) == 0 {
				errs = append(errs, fmt.Errorf("exclude rule %d: axis %q constraint lists no values", i, c.Axis))
			}
		}
	}
	return errors.Join(errs...)
}
