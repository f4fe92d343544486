// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup is the daemon core: the per-peer reference table and
// the method dispatcher for the org.freedesktop.portal.Unique
// interface, layered over lib/blobstore.
//
// The dispatcher validates each call's argument signature before
// touching any state, hashes submitted content inline, and keeps
// descriptor ownership linear: every received descriptor is adopted
// into a blob or closed before the handler returns. State is mutated
// only after all failure points have passed, so a failed call leaves
// the daemon exactly as it was.
//
// All methods are invoked from the bus dispatch goroutine; the
// package contains no locks.
package dedup
