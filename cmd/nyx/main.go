// Command nyx runs a single Nyx transport-overlay node: it loads a YAML
// configuration, opens the configured listeners, dials the configured
// peers, and serves connections until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyxproto/nyx/internal/config"
	"github.com/nyxproto/nyx/internal/node"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to the node's YAML configuration file")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nyx: %v\n", err)
			os.Exit(1)
		}
	} else if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "nyx: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyx: failed to create node: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "nyx: failed to start node: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nnyx: received signal %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "nyx: shutdown error: %v\n", err)
		os.Exit(1)
	}
}
