// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore implements the daemon's content-addressed table
// of sealed memory files.
//
// A Blob is a refcounted record keyed by the lowercase hex SHA-256 of
// its content. The store map itself holds no reference: a blob's
// refcount equals the number of per-peer handle entries pointing at
// it, and the blob removes itself from the table (and closes its
// descriptor, exactly once) when the last reference drops. Cycles are
// impossible by construction — peers reference blobs, blobs reference
// nothing.
//
// The store is not safe for concurrent use. The daemon touches it
// only from the bus dispatch goroutine, which is the whole of the
// locking story.
package blobstore
