package cmd

import (
	"context"
	"fmt"
	"strings"

	"gauss-gateway/internal/server"
)

const usage = `gauss-gateway exposes the Gauss chat API behind an OpenAI-compatible interface.

Usage:
  gauss-gateway <command> [flags]

Commands:
  serve          Start the HTTP server
  check-config   Validate configuration and print the resolved egress paths
  version        Print the gateway version

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "check-config":
		return checkConfig(args[1:])
	case "version", "--version":
		fmt.Printf("gauss-gateway %s\n", server.Version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
