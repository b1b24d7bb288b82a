package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gauss-gateway/internal/config"
	"gauss-gateway/internal/gauss"
)

const checkUsage = `Usage:
  gauss-gateway check-config [--config <path>] [--env-file <path>]

Loads configuration exactly as serve does, validates it and prints the egress
paths in failover order. No request is sent to the vendor.`

func checkConfig(args []string) error {
	return runCheckConfig(args, os.LookupEnv, os.Stdout)
}

func runCheckConfig(args []string, lookup func(string) (string, bool), out io.Writer) error {
	flags := flag.NewFlagSet("check-config", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.Usage = func() {
		fmt.Fprintln(out, checkUsage)
	}

	var cfgPath, envFile string
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "path to .env file")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse check-config flags: %w", err)
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.LoadWithEnv(cfgPath, lookup)
	if err != nil {
		return err
	}

	client, err := gauss.New(cfg.Gauss, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "configuration ok\n")
	fmt.Fprintf(out, "listen:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "base url:     %s\n", cfg.Gauss.BaseURL)
	fmt.Fprintf(out, "default model: %s\n", cfg.Defaults.Model)
	if !cfg.Gauss.CredentialsConfigured() {
		fmt.Fprintln(out, "warning: gauss credentials are not configured")
	}
	fmt.Fprintln(out, "egress paths:")
	for i, p := range client.Paths() {
		fmt.Fprintf(out, "  %d. %s\n", i+1, p)
	}
	return nil
}
