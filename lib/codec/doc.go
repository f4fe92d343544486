// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes CBOR encoding for the uniqued bus protocol.
//
// Every message on the session bus — call envelopes, method bodies,
// replies, and errors — is encoded with the modes defined here so that
// both endpoints agree on one wire configuration. Consumers import
// this package rather than fxamacker/cbor directly.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Decoding is lenient by default (unknown fields ignored, for forward
// compatibility); [UnmarshalStrict] additionally rejects unknown
// fields and is what the daemon's method dispatcher uses to enforce
// argument signatures before touching state.
package codec
