// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package unique is the client library for the session
// deduplication daemon.
//
// A caller hands in bytes and gets back a [Bytes]: a read-only view
// that is, when everything goes right, a private mapping of a sealed
// memory file shared with every other process that submitted the same
// content. When anything goes wrong — the daemon is missing, the call
// times out, sealing fails — the caller gets a plain heap copy
// instead. No deduplication failure is ever surfaced; both outcomes
// honor the same buffer contract.
//
// [Client.NewBytesSync] blocks on the daemon round-trip (bounded by
// the configured call timeout). [Client.NewBytesAsync] returns a
// usable buffer immediately and deduplicates in the background: when
// the daemon answers with a canonical descriptor, the buffer's pages
// are replaced in place by a fixed-address remap that preserves the
// virtual addresses callers already hold.
//
// Dropping the last reference to a Bytes unmaps the view and tells
// the daemon to forget the handle.
package unique
