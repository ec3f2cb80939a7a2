// Package config loads and validates the diffract runtime configuration.
//
// Configuration is machine-scoped TOML: pool sizing, retry budgets, store
// tuning, cluster overrides, and logging. Experiment parameters live in
// recipe documents (internal/recipe), never here. Load expands and
// normalizes all paths, then validates, so downstream packages can trust
// every field.
package config
