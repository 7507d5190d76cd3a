// Package config defines the format-agnostic pipeline model, along with the
// core interfaces (Loader, Converter) for loading a pipeline definition and
// evaluating the expressions it carries.
//
// The `config.Model` is the single source of truth for the `executor`
// package. Static settings (axes, exclusion rules, timeouts) are resolved at
// load time; command lines and environment maps stay as expressions and are
// evaluated per matrix cell. The HCL implementation lives in a separate
// package.
package config
