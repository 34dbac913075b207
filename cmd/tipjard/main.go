// ABOUTME: Entry point for the tipjard daemon
// ABOUTME: Subcommand dispatch and config/data path resolution

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _   _       _               _
| |_(_)_ __ (_) __ _ _ __ __| |
| __| | '_ \| |/ _' | '__/ _' |
| |_| | |_) | | (_| | | | (_| |
 \__|_| .__// |\__,_|_|  \__,_|
      |_| |__/
`

// getConfigPath returns the path to the daemon config file.
// Priority: TIPJAR_CONFIG env var > XDG_CONFIG_HOME/tipjar/tipjard.yaml > ~/.config/tipjar/tipjard.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TIPJAR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tipjard.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tipjar", "tipjard.yaml")
}

// getDataPath returns the path to the tipjar data directory.
// Priority: XDG_DATA_HOME/tipjar > ~/.local/share/tipjar
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tipjar")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tipjard <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the tip bot daemon")
		fmt.Println("  init       Write a commented default config file")
		fmt.Println("  bootstrap  Create the database and faucet pool account")
		fmt.Println("  health     Check node and database reachability")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
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
