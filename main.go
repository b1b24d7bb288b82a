// Command gauss-gateway serves an OpenAI-compatible API in front of the Gauss
// chat service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gauss-gateway/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}

	err := cmd.Execute(ctx, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	default:
		fmt.Fprintf(os.Stderr, "gauss-gateway: %v\n", err)
		os.Exit(1)
	}
}
