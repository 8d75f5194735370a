// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stellwerk/railwatch/internal/app"
	"github.com/stellwerk/railwatch/internal/config"
	rwlog "github.com/stellwerk/railwatch/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	opts, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "railwatchd: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		opts.Listen = *listen
	}

	rwlog.Configure(rwlog.Config{
		Level:   opts.LogLevel,
		Service: "railwatch",
		Version: version,
	})
	logger := rwlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Str("listen", opts.Listen).
		Str("data_dir", opts.DataDir).
		Msg("starting railwatch")

	engine, err := app.New(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	if err := engine.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("engine failed")
		os.Exit(1)
	}
}
