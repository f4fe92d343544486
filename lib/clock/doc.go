// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The two places uniqued touches the clock — the client library's
// synchronous call timeout and the daemon's bus-ownership watch — take
// a Clock instead of calling the time package directly. Production
// code injects Real(); a test can inject Fake() and drive time with
// Advance instead of waiting on the wall clock. When no Clock is
// given, both default to Real().
//
// When a goroutine registers a timer on a FakeClock (via After,
// NewTicker, or Sleep), use WaitForTimers to block until the
// registration has happened before calling Advance. That closes the
// race between the goroutine under test arming its timer and the test
// advancing past the deadline.
package clock
