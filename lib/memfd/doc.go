// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package memfd provides sealed anonymous memory files, the currency
// of the deduplication protocol.
//
// A sealed anonymous file is created with memfd_create and carries all
// four seals — F_SEAL_SEAL, F_SEAL_SHRINK, F_SEAL_GROW, F_SEAL_WRITE —
// so its content can never change after submission. The daemon's
// content hash therefore stays valid for the lifetime of the blob;
// verifying the seal set is the protocol's single security check.
//
// Descriptor ownership is linear: at every point exactly one component
// is responsible for closing each fd. [Owned] ties a received
// descriptor to a value that closes it unless explicitly released,
// which is how the daemon's handlers guarantee that every descriptor
// is either adopted into a blob or closed before the handler returns.
package memfd
