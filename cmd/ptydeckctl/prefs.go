package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// clientPrefs is a small local preferences file for ptydeckctl itself —
// separate from the daemon's config.toml, since these are per-operator
// client defaults rather than daemon behavior.
type clientPrefs struct {
	// DefaultDir is used for `create` when no directory is given.
	DefaultDir string `yaml:"default_dir"`
	// Endpoint is stored and printed by `prefs show`; the client does not
	// read it when connecting, and always uses bootstrap.EndpointPath.
	Endpoint string `yaml:"endpoint,omitempty"`
}

func prefsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determine config directory: %w", err)
	}
	return filepath.Join(dir, "ptydeck", "client.yaml"), nil
}

// loadPrefs reads the preferences file, returning a zero-value clientPrefs
// (not an error) when it doesn't exist yet.
func loadPrefs() (clientPrefs, error) {
	var p clientPrefs
	path, err := prefsPath()
	if err != nil {
		return p, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

func savePrefs(p clientPrefs) error {
	path, err := prefsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// cmdPrefs shows or updates the local preferences file.
//
//	ptydeckctl prefs show
//	ptydeckctl prefs set-dir <path>
func cmdPrefs() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl prefs <show|set-dir> [args]")
		os.Exit(1)
	}

	p, err := loadPrefs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[2] {
	case "show":
		path, _ := prefsPath()
		fmt.Printf("preferences file: %s\n", path)
		fmt.Printf("default_dir: %s\n", p.DefaultDir)
		fmt.Printf("endpoint: %s\n", p.Endpoint)
	case "set-dir":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: ptydeckctl prefs set-dir <path>")
			os.Exit(1)
		}
		abs, err := filepath.Abs(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
			os.Exit(1)
		}
		p.DefaultDir = abs
		if err := savePrefs(p); err != nil {
			fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("default_dir set to %s\n", abs)
	default:
		fmt.Fprintf(os.Stderr, "ptydeckctl: unknown prefs subcommand %q\n", os.Args[2])
		os.Exit(1)
	}
}
