// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// unique submits a file (or stdin) to the session deduplication
// daemon through the client library and reports the outcome. It is a
// manual-test surface for a running uniqued.
//
// Usage:
//
//	unique [--async] [--config FILE] [FILE]
//
// The content is submitted twice: the second submission should come
// back shared if the daemon is deduplicating correctly.
package main
