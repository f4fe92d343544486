// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
)

// errConnClosed reports a connection that shut down mid-exchange.
var errConnClosed = errors.New("bus: connection closed")

// Error is a typed method-call failure that travels back to the
// caller over the bus. Handlers return *Error to pick the code;
// any other error is reported with a generic internal code.
type Error struct {
	// Code is a stable machine-readable identifier, one of the
	// lib/ipc Error* constants.
	Code string

	// Message is a human-readable description.
	Message string
}

// NewError creates a typed bus error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
