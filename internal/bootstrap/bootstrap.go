// Package bootstrap wires every daemon component together from a single
// data directory: Store, PtyHost, Classifier, EventBus, and SessionEngine
// behind an IpcServer. Grounded on the teacher daemon's New/Run split —
// New does config resolution and directory setup; Run blocks serving
// connections until its context is cancelled.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ptydeck/ptydeckd/internal/classifier"
	"github.com/ptydeck/ptydeckd/internal/config"
	"github.com/ptydeck/ptydeckd/internal/engine"
	"github.com/ptydeck/ptydeckd/internal/eventbus"
	"github.com/ptydeck/ptydeckd/internal/ipc"
	"github.com/ptydeck/ptydeckd/internal/ptyhost"
	"github.com/ptydeck/ptydeckd/internal/store"
)

// RootEnvVar overrides the default data directory, mirroring the
// teacher's CATHERDD_ROOT/GROVE_ROOT convention.
const RootEnvVar = "PTYDECK_ROOT"

// DefaultRoot returns ~/.ptydeck, or RootEnvVar's value if set.
func DefaultRoot() (string, error) {
	if env := os.Getenv(RootEnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, ".ptydeck"), nil
}

// Daemon is every wired component plus the resolved paths needed to run
// and shut it down.
type Daemon struct {
	RootDir    string
	SocketPath string
	Logger     *log.Logger
	LogFile    *os.File

	Store      *store.Store
	Host       *ptyhost.Host
	Classifier *classifier.Classifier
	Bus        *eventbus.Bus
	Engine     *engine.Engine
	IPC        *ipc.Server
}

// New resolves rootDir's standard subdirectories, loads config.toml,
// opens the log file, and constructs every component in dependency
// order: Store, PtyHost, Classifier, EventBus, Engine, IpcServer.
func New(rootDir string) (*Daemon, error) {
	for _, sub := range []string{"state", "logs"} {
		if err := os.MkdirAll(filepath.Join(rootDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	logPath := filepath.Join(rootDir, "logs", "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger := log.New(io.MultiWriter(os.Stderr, logFile), "", log.LstdFlags)

	cfg, err := config.Load(filepath.Join(rootDir, "config.toml"))
	if err != nil {
		logger.Printf("warning: config.toml could not be parsed, using defaults: %v", err)
	}

	st, err := store.Load(rootDir)
	if err != nil {
		logger.Printf("warning: persisted state could not be fully reloaded: %v", err)
	}

	host := ptyhost.New(256, 64)
	cls := classifier.New(cfg.Patterns(), time.Duration(cfg.Classifier.DebounceMillis)*time.Millisecond)
	bus := eventbus.New(cfg.EventBus.QueueSize)
	eng := engine.New(st, host, cls, bus, cfg, rootDir)

	socketPath := EndpointPath(rootDir)
	srv := ipc.New(socketPath, eng, bus, logger)

	return &Daemon{
		RootDir:    rootDir,
		SocketPath: socketPath,
		Logger:     logger,
		LogFile:    logFile,
		Store:      st,
		Host:       host,
		Classifier: cls,
		Bus:        bus,
		Engine:     eng,
		IPC:        srv,
	}, nil
}

// Run blocks serving IPC connections until ctx is cancelled, then kills
// every live child before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.Logger.Printf("ptydeckd listening on %s", d.SocketPath)
	err := d.IPC.Serve(ctx)

	for _, sess := range d.Store.ListSessions() {
		d.Host.Kill(sess.ID)
	}
	d.LogFile.Close()
	return err
}
