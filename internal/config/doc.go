// Package config loads santa's runtime configuration: built-in defaults,
// an optional JSON or YAML file, then SANTA_* environment overrides, and
// finally struct-tag validation.
//
//	cfg, err := config.Load("/etc/santa.yaml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { ... }
package config
