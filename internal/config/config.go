// Package config loads and merges gitam's global and per-repository
// configuration, following the precedence and JSON-file shape the teacher
// repo uses for its own configuration.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Config holds all configurable gitam settings (spec.md §6 "Configuration").
type Config struct {
	// AdviceAmWorkdir controls whether a failed-patch message also prints
	// the path to the stuck patch file (spec.md's advice.amworkdir).
	AdviceAmWorkdir *bool `json:"advice.amworkdir,omitempty"`
	// ReflogAction is the default reflog message prefix used when the
	// GIT_REFLOG_ACTION environment variable is unset.
	ReflogAction string `json:"reflogAction,omitempty"`
}

// Defaults returns gitam's built-in configuration defaults.
func Defaults() Config {
	t := true
	return Config{
		AdviceAmWorkdir: &t,
		ReflogAction:    "am",
	}
}

// LoadGlobal reads ~/.config/gitam/config.json. Returns defaults if the
// file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "gitam", "config.json")
	return loadFile(path, true)
}

// LoadProjectAt reads .gitamconfig inside gitDir (the resolved
// repository's git directory, per SPEC_FULL.md's Session Directory
// Abstraction note). Returns nil (no error) if the file is absent.
func LoadProjectAt(gitDir string) (*Config, error) {
	return loadFile(filepath.Join(gitDir, ".gitamconfig"), false)
}

// LoadProject reads .gitamconfig in the current working directory, for
// callers that have not yet resolved a git directory.
func LoadProject() (*Config, error) {
	return loadFile(".gitamconfig", false)
}

// loadFile reads and parses a JSON config file at path. If
// returnDefaults is true, returns defaults when the file is absent. If
// returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking
// precedence over global, and global over defaults.
func Merge(global, project *Config) Config {
	result := Defaults()

	if global != nil {
		if global.AdviceAmWorkdir != nil {
			result.AdviceAmWorkdir = global.AdviceAmWorkdir
		}
		if global.ReflogAction != "" {
			result.ReflogAction = global.ReflogAction
		}
	}

	if project != nil {
		if project.AdviceAmWorkdir != nil {
			result.AdviceAmWorkdir = project.AdviceAmWorkdir
		}
		if project.ReflogAction != "" {
			result.ReflogAction = project.ReflogAction
		}
	}

	return result
}

// AmWorkdirAdvice reports whether advice.amworkdir is enabled, defaulting
// to true if unset.
func (c Config) AmWorkdirAdvice() bool {
	return c.AdviceAmWorkdir == nil || *c.AdviceAmWorkdir
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
