// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// uniqued is the per-session content-deduplication daemon.
//
// It owns the org.freedesktop.portal.Unique bus name, maintains the
// content-addressed table of sealed memory files, and hands shared
// read-only descriptors back to clients that submit byte-identical
// content. See lib/dedup for the method semantics and lib/unique for
// the client side.
//
// Usage:
//
//	uniqued [-r|--replace] [-v|--verbose] [--config FILE]
//
// The daemon exits 0 only on clean shutdown (SIGINT/SIGTERM); it
// exits 1 on option-parse failure, bus setup failure, or when a
// replacement daemon takes the bus name over.
package main
