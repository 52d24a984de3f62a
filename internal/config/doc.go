// Package config defines the settings snapshot used by a csda run.
//
// Settings can be provided via:
//   - Command-line flags (merged last)
//   - Environment variables (CSDA_ prefix)
//   - A dotenv file (default .env), loaded into the environment
//   - A YAML settings file
//
// A Settings value is built once per invocation and passed explicitly to
// every component that needs it. Nothing in the module reads it from a
// package-level variable.
package config
