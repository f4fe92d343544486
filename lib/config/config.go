// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "3s" or "500ms" (and from plain integers, read as nanoseconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInteger int64
	if err := node.Decode(&asInteger); err == nil {
		*d = Duration(asInteger)
		return nil
	}

	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the uniqued configuration.
type Config struct {
	// RuntimeDir is the session runtime directory holding the bus
	// socket. Empty means $XDG_RUNTIME_DIR, falling back to /tmp for
	// sessions without one.
	RuntimeDir string `yaml:"runtime_dir"`

	// SocketName is the bus socket filename inside the uniqued
	// subdirectory of RuntimeDir.
	SocketName string `yaml:"socket_name"`

	// CallTimeout bounds a client's synchronous MakeUnique
	// round-trip, e.g. "3s".
	CallTimeout Duration `yaml:"call_timeout"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		SocketName:  "bus.sock",
		CallTimeout: Duration(3 * time.Second),
	}
}

// Load reads the configuration from path, applying defaults for
// omitted fields. An empty path returns the defaults.
func Load(path string) (Config, error) {
	configuration := Default()
	if path == "" {
		return configuration, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return configuration, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &configuration); err != nil {
		return configuration, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if configuration.SocketName == "" {
		configuration.SocketName = Default().SocketName
	}
	if configuration.CallTimeout <= 0 {
		configuration.CallTimeout = Default().CallTimeout
	}
	return configuration, nil
}

// SocketPath resolves the bus socket location: the configured runtime
// directory, or $XDG_RUNTIME_DIR, or /tmp, with a uniqued/
// subdirectory holding the socket.
func (c Config) SocketPath() string {
	runtimeDir := c.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	return filepath.Join(runtimeDir, "uniqued", c.SocketName)
}
