package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"gauss-gateway/internal/config"
	"gauss-gateway/internal/gauss"
	"gauss-gateway/internal/logging"
	"gauss-gateway/internal/router"
	"gauss-gateway/internal/server"
	"gauss-gateway/internal/translator"
)

const serveUsage = `Usage:
  gauss-gateway serve [--config <path>] [--env-file <path>] [--port <port>]

Flags:
  --config   string   Path to YAML configuration file (optional; defaults and environment apply without it)
  --env-file string   Path to a .env file loaded before configuration (default ".env", ignored when missing)
  --port     int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "path to .env file")
	flags.IntVar(&overridePort, "port", 0, "override server port")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)
	if !cfg.Gauss.CredentialsConfigured() {
		logger.Warn("gauss credentials are not configured; vendor calls are expected to fail")
	}

	client, err := gauss.New(cfg.Gauss, logger)
	if err != nil {
		return err
	}

	converter := translator.NewConverter(translator.Defaults{
		Model:          cfg.Defaults.Model,
		OwnedBy:        cfg.Defaults.OwnedBy,
		Temperature:    cfg.Defaults.Temperature,
		TopP:           cfg.Defaults.TopP,
		MaxTokens:      cfg.Defaults.MaxTokens,
		MaxTokensLimit: cfg.Defaults.MaxTokensLimit,
	})

	rt, err := router.New(client, converter, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, client, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnvFile populates the process environment from a .env file without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
