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

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/metrics"
	"chat-relay/internal/server"
	"chat-relay/internal/upstream"
)

const serveUsage = `Usage:
  chat-relay serve [--config <path>] [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file
  --port     int      Override server port from configuration
  --env-file string   Dotenv file loaded before the environment is read (default ".env")`

func serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.IntVar(&overridePort, "port", 0, "override server port")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file to load")

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
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	gate, err := newGate(cfg.Auth)
	if err != nil {
		return err
	}

	client, err := upstream.New(cfg.Upstream, upstream.NewHTTPClient())
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, gate, client, metrics.NewCollector(nil))
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
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
	slog.Info("loaded environment file", "path", path)
	return nil
}

func newGate(cfg config.AuthConfig) (auth.Gate, error) {
	switch cfg.Tenancy {
	case config.TenancyMulti:
		return auth.NewKeyed(cfg.Keys)
	default:
		return auth.NewSharedSecret(cfg.Password, cfg.Token)
	}
}
