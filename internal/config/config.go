// Package config loads ptydeckd's optional config.toml and exposes the
// daemon's tunable parameters: classifier patterns, event queue sizing,
// and restart/resume policy.
package config

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/BurntSushi/toml"
	"github.com/ptydeck/ptydeckd/internal/classifier"
)

// Config is the parsed shape of config.toml. Every field has a sane
// default applied by Default/Load so a missing or partial file is fine.
type Config struct {
	Classifier ClassifierConfig `toml:"classifier"`
	Restart    RestartConfig    `toml:"restart"`
	EventBus   EventBusConfig   `toml:"eventbus"`
	Child      ChildConfig      `toml:"child"`
}

// ChildConfig names the interactive coding-assistant binary every session
// spawns, and the flag it takes to resume a prior run by id.
type ChildConfig struct {
	Command          []string `toml:"command"`
	ResumeFlag       string   `toml:"resume_flag"`
	SessionIDPattern string   `toml:"session_id_pattern"`
}

// ClassifierConfig overrides the status classifier's pattern set and
// debounce. Empty slices fall back to classifier.DefaultPatterns.
type ClassifierConfig struct {
	ErrorPatterns   []string `toml:"error_patterns"`
	RunningPatterns []string `toml:"running_patterns"`
	WaitingPatterns []string `toml:"waiting_patterns"`
	DebounceMillis  int      `toml:"debounce_millis"`
}

// RestartConfig controls session.restart's resume semantics, per
// SPEC_FULL.md §10's open-question decision.
type RestartConfig struct {
	// AlwaysResume, when true (the default), resumes via
	// claude_session_id regardless of how the session last exited.
	AlwaysResume bool `toml:"always_resume"`
}

// EventBusConfig controls per-subscriber queue depth.
type EventBusConfig struct {
	QueueSize int `toml:"queue_size"`
}

// Default returns a Config with every field set to its built-in default.
func Default() Config {
	return Config{
		Restart: RestartConfig{AlwaysResume: true},
		Child: ChildConfig{
			Command:          []string{"claude"},
			ResumeFlag:       "--resume",
			SessionIDPattern: `(?i)session[_-]?id[:=]\s*([0-9a-fA-F-]{8,})`,
		},
	}
}

// Load reads the config.toml file at path (normally inside the daemon's
// data directory). A missing file is not an error — Default() is returned
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Default(), fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Patterns resolves the effective classifier pattern set: any
// user-configured slice overrides the corresponding default slice
// independently.
func (c Config) Patterns() classifier.Patterns {
	d := classifier.DefaultPatterns()
	p := d
	if len(c.Classifier.ErrorPatterns) > 0 {
		p.Error = c.Classifier.ErrorPatterns
	}
	if len(c.Classifier.RunningPatterns) > 0 {
		p.Running = c.Classifier.RunningPatterns
	}
	if len(c.Classifier.WaitingPatterns) > 0 {
		p.Waiting = c.Classifier.WaitingPatterns
	}
	return p
}

// ValidateChildCommand checks that argv[0] is runnable before
// SessionEngine.create spawns it, so a missing executable fails fast
// with an actionable message instead of after a silent PTY-open/exec
// failure. Grounded on the teacher's validateDocker probe.
func ValidateChildCommand(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command configured")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("command %q not found on PATH: %w", argv[0], err)
	}
	return nil
}
