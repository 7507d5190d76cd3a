// Package hcl reads pipeline definitions written in HCL. It merges the
// embedded defaults.hcl with the user's files block by block, translates the
// result into a config.Model, and evaluates per-cell expressions against the
// run, params and env scopes through go-cty.
package hcl
