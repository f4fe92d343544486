// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the uniqued
// daemon and tools.
//
// Configuration is loaded from a single YAML file passed via the
// --config flag. There are no fallbacks or automatic discovery: with
// no file, the compiled-in defaults apply. No command-line flag
// overrides a configuration value. This keeps effective configuration
// deterministic and auditable.
package config
