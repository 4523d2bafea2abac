// ABOUTME: Entry point for coven-chatstore, the durable conversation store
// ABOUTME: Dispatches serve, migrate, inspect, token and health subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-chatstore/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                           _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_ ___| |_ ___  _ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __/ __| __/ _ \| '__/ _ \
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_\__ \ || (_) | | |  __/
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|___/\__\___/|_|  \___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-chatstore <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the chat store server")
		fmt.Println("  migrate                Import the legacy message log and exit")
		fmt.Println("  inspect                Flush and report store durability")
		fmt.Println("  token --uid UID        Issue a signed bearer token")
		fmt.Println("  health                 Check server health")
		fmt.Println("  version                Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "migrate":
		err = runMigrate(ctx)
	case "inspect":
		err = runInspect(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
