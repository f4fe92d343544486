// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the wire-level protocol of the
// org.freedesktop.portal.Unique interface: method names, argument and
// reply types, and error codes. Both cmd/uniqued (the daemon) and
// lib/unique (the client library) import this package so the protocol
// is defined once rather than mirrored.
//
// Arguments of fd-handle type are small integers indexing into the
// descriptor list attached to the message; the descriptors themselves
// travel out of band via SCM_RIGHTS (see lib/bus).
package ipc
