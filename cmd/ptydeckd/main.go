// ptydeckd is the background daemon that owns every PTY-attached coding
// assistant session and speaks the ptydeck wire protocol over a local
// socket.
//
// Usage:
//
//	ptydeckd [--root <dir>]
//
// It is normally started automatically by a client; you do not need to
// run it by hand.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ptydeck/ptydeckd/internal/bootstrap"
)

func main() {
	defaultRoot, err := bootstrap.DefaultRoot()
	if err != nil {
		log.Fatalf("cannot determine data directory: %v", err)
	}

	rootDir := flag.String("root", defaultRoot, "ptydeckd data directory (env: "+bootstrap.RootEnvVar+")")
	flag.Parse()

	d, err := bootstrap.New(*rootDir)
	if err != nil {
		log.Fatalf("daemon init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		d.Logger.Printf("received %v, shutting down", sig)
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		d.Logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}
