// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for uniqued packages.
//
// [SocketDir] creates a short-named temporary directory in /tmp for
// Unix domain sockets, which have a 108-byte path limit (sun_path in
// sockaddr_un) that deeply nested test temp directories can exceed.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. [Eventually] polls a
// condition on the wall clock for state settled by another goroutine.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
