package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/signon/cmd/signon"
	"github.com/neboloop/signon/internal/config"
)

//go:embed etc/signon.yaml
var embeddedConfig []byte

// version is set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Embedded config is the default; --config overlays a file on it.
	c, err := config.LoadFromBytes(embeddedConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load embedded config: %v\n", err)
		os.Exit(1)
	}

	if err := cli.SetupRootCmd(&c, version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
