// SPDX-License-Identifier: MIT

// Command relaycastd is the per-host relaycast agent daemon. It loads
// configuration, wires the composition root (internal/agent), and runs
// until SIGINT/SIGTERM, mirroring the teacher's cmd/lyrebird-stream daemon
// shape: parse flags, build one long-lived thing, wire signal cancellation,
// block on Run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/agent"
	"github.com/relaycast/agent/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr *os.File) int {
	fs := flag.NewFlagSet("relaycastd", flag.ContinueOnError)
	configPath := fs.String("config", config.ConfigFilePath, "path to the agent configuration file")
	envPrefix := fs.String("env-prefix", "RELAYCAST", "environment variable prefix for configuration overrides")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stderr, "relaycastd (relaycast agent)")
		return 0
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level %q: %v\n", *logLevel, err)
		return 2
	}
	logger := zerolog.New(stderr).Level(level).With().Timestamp().Logger()

	opts := []config.Option{config.WithEnvPrefix(*envPrefix)}
	if _, statErr := os.Stat(*configPath); statErr == nil {
		opts = append(opts, config.WithYAMLFile(*configPath))
	} else {
		logger.Warn().Str("path", *configPath).Msg("config file not found, using defaults plus environment overrides")
	}

	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	a, err := agent.New(kc, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct agent")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("agent exited with error")
		return 1
	}

	return 0
}

func printUsage(w *os.File, fs *flag.FlagSet) {
	fmt.Fprintln(w, "relaycastd: per-host relaycast streaming agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: relaycastd [flags]")
	fmt.Fprintln(w)
	fs.PrintDefaults()
}
