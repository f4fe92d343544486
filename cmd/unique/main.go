// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/alexlarsson/uniqued/lib/config"
	"github.com/alexlarsson/uniqued/lib/unique"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "unique: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		async      bool
		configPath string
	)

	flags := pflag.NewFlagSet("unique", pflag.ContinueOnError)
	flags.BoolVar(&async, "async", false, "submit asynchronously (map first, deduplicate in the background)")
	flags.StringVar(&configPath, "config", "", "path to YAML configuration file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	content, err := readInput(flags.Args())
	if err != nil {
		return err
	}

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client := unique.Connect(configuration.SocketPath(), unique.Options{
		CallTimeout: configuration.CallTimeout.Std(),
	})
	defer client.Close()

	submit := client.NewBytesSync
	if async {
		submit = client.NewBytesAsync
	}

	first := submit(content)
	defer first.Release()
	second := submit(content)
	defer second.Release()

	if !bytes.Equal(first.Data(), content) || !bytes.Equal(second.Data(), content) {
		return fmt.Errorf("buffer content does not match input")
	}

	fmt.Printf("submitted %d bytes twice\n", len(content))
	fmt.Printf("first:  shared=%v\n", first.Shared())
	fmt.Printf("second: shared=%v\n", second.Shared())
	if !second.Shared() {
		fmt.Println("second submission was not shared — is uniqued running?")
	}
	return nil
}

// readInput loads the file named by the first positional argument, or
// stdin when none is given.
func readInput(arguments []string) ([]byte, error) {
	if len(arguments) == 0 {
		return io.ReadAll(os.Stdin)
	}
	if len(arguments) > 1 {
		return nil, fmt.Errorf("expected at most one file argument")
	}
	content, err := os.ReadFile(arguments[0])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", arguments[0], err)
	}
	return content, nil
}
