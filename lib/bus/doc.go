// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the session-scoped IPC collaborator the
// deduplication core consumes. It supplies the four facilities the
// core depends on: registering a method-call handler, observing peer
// disappearance, sending method calls with attached file descriptors
// (and receiving replies with attached descriptors), and timers via
// lib/clock.
//
// # Transport
//
// The bus is a CBOR request/response protocol over a session-scoped
// Unix stream socket. Each message is a 4-byte big-endian length
// prefix followed by a CBOR envelope; descriptors attached to a
// message travel as SCM_RIGHTS ancillary data alongside the
// envelope's bytes. The envelope declares how many descriptors belong
// to it, so descriptors can never be misattributed across messages.
//
// # Identity and ordering
//
// The listening daemon assigns each connection a unique sender name
// of the form ":1.<n>". All method calls and peer-death notifications
// are delivered on a single dispatch goroutine, so handler code needs
// no locking and calls from one peer are handled in send order.
// When a connection drops — clean close or crash — the handler's
// PeerGone fires with that sender name; this is the only mechanism
// that recovers from unclean client exits.
//
// # Name ownership
//
// Owning the bus means owning the socket path. A starting daemon
// probes the path first: a live owner blocks startup unless Replace
// is set, in which case the newcomer takes the path over. The
// previous owner notices — a periodic watch compares the socket
// path's identity against its own listener — and Serve returns
// ErrNameLost; the process is expected to exit.
//
// # Descriptor ownership
//
// Ownership is linear. Descriptors delivered to a method handler
// belong to the handler: adopt or close, even on error. Descriptors
// returned by a handler stay with the handler; the transport
// duplicates them into the reply at send time. Descriptors in a
// received reply belong to the caller, which must close any it does
// not adopt. Descriptors arriving for a call nobody is waiting on
// (a timed-out call) are closed by the transport rather than leaked.
package bus
