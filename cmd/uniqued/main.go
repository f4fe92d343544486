// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/alexlarsson/uniqued/lib/bus"
	"github.com/alexlarsson/uniqued/lib/clock"
	"github.com/alexlarsson/uniqued/lib/config"
	"github.com/alexlarsson/uniqued/lib/dedup"
	"github.com/alexlarsson/uniqued/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "uniqued: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		replace     bool
		verbose     bool
		configPath  string
		showVersion bool
	)

	flags := pflag.NewFlagSet("uniqued", pflag.ContinueOnError)
	flags.BoolVarP(&replace, "replace", "r", false, "Replace old daemon.")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug output.")
	flags.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("uniqued %s\n", version.Info())
		return nil
	}

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := dedup.New(logger)

	socketPath := configuration.SocketPath()
	server, err := bus.Own(bus.OwnRequest{
		SocketPath: socketPath,
		Replace:    replace,
		Handler:    service,
		Clock:      clock.Real(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("uniqued listening",
		"name", "org.freedesktop.portal.Unique",
		"socket", socketPath,
	)

	serveErr := server.Serve(ctx)

	// Releasing all peer state closes every blob descriptor.
	service.Shutdown()

	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutting down")
	return nil
}
