// Package matrix expands the build matrix. It takes the three ordered axes
// (cpu architecture, agent type, compute type), forms their cross product and
// drops every cell matched by an exclusion rule.
//
// A rule is a conjunction of axis constraints. A constraint matches when the
// cell's value for that axis is listed in Values, or, for a negated
// constraint, when it is not listed. Axes a rule does not mention match any
// value. Expansion is pure enumeration and cannot fail; malformed rules are
// rejected by Validate when the pipeline is loaded.
package matrix
