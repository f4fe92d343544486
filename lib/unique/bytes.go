// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unique

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/uniqued/lib/bus"
	"github.com/alexlarsson/uniqued/lib/clock"
	"github.com/alexlarsson/uniqued/lib/codec"
	"github.com/alexlarsson/uniqued/lib/ipc"
	"github.com/alexlarsson/uniqued/lib/memfd"
)

// DefaultCallTimeout bounds the synchronous daemon round-trip. A
// stalled daemon costs a submitter at most this long before the heap
// fallback kicks in.
const DefaultCallTimeout = 3 * time.Second

// Options configures a Client. The zero value selects the defaults.
type Options struct {
	// CallTimeout overrides DefaultCallTimeout for synchronous
	// submissions.
	CallTimeout time.Duration

	// Clock overrides the real clock. Tests inject a fake.
	Clock clock.Clock

	// Logger receives debug output. Nil means silent.
	Logger *slog.Logger
}

// Client talks to the deduplication daemon. A nil connection (the
// daemon was unreachable at Connect time) is valid: every submission
// degrades to a heap copy.
type Client struct {
	conn        *bus.Conn
	callTimeout time.Duration
	logger      *slog.Logger
}

// Connect dials the daemon's bus socket. Connect never fails: if the
// daemon is unreachable the returned client serves heap copies, which
// is the contract for every other failure too.
func Connect(socketPath string, options Options) *Client {
	if options.CallTimeout <= 0 {
		options.CallTimeout = DefaultCallTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := bus.Dial(socketPath, options.Clock)
	if err != nil {
		options.Logger.Debug("deduplication unavailable", "socket", socketPath, "error", err)
		conn = nil
	}

	return &Client{
		conn:        conn,
		callTimeout: options.CallTimeout,
		logger:      options.Logger,
	}
}

// Close drops the daemon connection. The daemon sweeps every handle
// this client still holds.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Bytes is a read-only byte buffer, backed either by a shared sealed
// mapping or by a plain heap copy — callers cannot tell which.
// Release must be called when done; Retain shares the buffer.
type Bytes struct {
	data    []byte
	mapping *mapping
}

// Data returns the buffer contents. The slice must not be written to
// (shared mappings are read-only at the page level) and must not be
// used after Release.
func (b *Bytes) Data() []byte { return b.data }

// Len returns the buffer length.
func (b *Bytes) Len() int { return len(b.data) }

// Shared reports whether the daemon substituted an existing canonical
// copy for this buffer. For asynchronous submissions the answer may
// change from false to true when the reply arrives. Diagnostic only.
func (b *Bytes) Shared() bool {
	if b.mapping == nil {
		return false
	}
	b.mapping.mu.Lock()
	defer b.mapping.mu.Unlock()
	return b.mapping.shared
}

// Retain returns a new view of the same buffer. Each view must be
// Released independently.
func (b *Bytes) Retain() *Bytes {
	if b.mapping != nil {
		b.mapping.ref()
	}
	return &Bytes{data: b.data, mapping: b.mapping}
}

// Release drops this view. When the last view goes, the mapping is
// unmapped and the daemon told to forget the handle. Heap-backed
// buffers just become garbage.
func (b *Bytes) Release() {
	if b.mapping != nil {
		b.mapping.unref()
		b.mapping = nil
	}
	b.data = nil
}

// NewBytesSync submits data for deduplication and blocks for the
// outcome, bounded by the call timeout. The returned buffer is ready
// to read either way.
func (c *Client) NewBytesSync(data []byte) *Bytes {
	if c.conn == nil {
		return c.fallback(data)
	}

	fd, err := memfd.CreateSealed(data)
	if err != nil {
		c.logger.Debug("sealed memfd creation failed", "error", err)
		return c.fallback(data)
	}
	owned := memfd.Own(fd)

	reply, err := c.conn.Call(ipc.MethodMakeUnique,
		ipc.MakeUniqueRequest{Memfd: 0}, []int{fd}, c.callTimeout)
	if err != nil {
		c.logger.Debug("MakeUnique failed", "error", err)
		owned.Close()
		return c.fallback(data)
	}

	var decoded ipc.MakeUniqueReply
	if err := codec.Unmarshal(reply.Body, &decoded); err != nil {
		c.logger.Debug("undecodable MakeUnique reply", "error", err)
		closeReplyFDs(reply.FDs)
		owned.Close()
		return c.fallback(data)
	}

	// On a hit the reply carries the canonical descriptor; switch to
	// it and drop our own. Every reply descriptor not adopted is
	// closed, whatever the reply shape.
	shared := false
	if canonical, ok := takeCanonical(&decoded, reply.FDs); ok {
		owned.Close()
		owned = memfd.Own(canonical)
		shared = true
	}

	mapped, err := mapShared(owned.Fd(), len(data))
	if err != nil {
		c.logger.Debug("mapping deduplicated fd failed", "error", err)
		owned.Close()
		// The daemon already holds a reference for us; return it
		// rather than strand it until disconnect.
		c.forgetAsync(decoded.Handle)
		return c.fallback(data)
	}
	owned.Close() // the mapping keeps the file alive

	record := newMapping(c, mapped)
	record.handle = decoded.Handle
	record.shared = shared
	close(record.settled)

	return &Bytes{data: mapped, mapping: record}
}

// NewBytesAsync submits data for deduplication without blocking: the
// returned buffer maps this process's own sealed copy and is usable
// immediately. If the daemon later answers with a canonical
// descriptor, the buffer's pages are atomically replaced in place;
// the addresses callers hold never change.
func (c *Client) NewBytesAsync(data []byte) *Bytes {
	if c.conn == nil {
		return c.fallback(data)
	}

	fd, err := memfd.CreateSealed(data)
	if err != nil {
		c.logger.Debug("sealed memfd creation failed", "error", err)
		return c.fallback(data)
	}
	owned := memfd.Own(fd)

	mapped, err := mapShared(owned.Fd(), len(data))
	if err != nil {
		c.logger.Debug("mapping own memfd failed", "error", err)
		owned.Close()
		return c.fallback(data)
	}

	record := newMapping(c, mapped)
	buffer := &Bytes{data: mapped, mapping: record}

	// The reply callback holds its own reference so that a caller
	// dropping the buffer before the reply cannot destroy the
	// mapping mid-remap — and so the handle from a late reply is
	// still recorded and eventually forgotten.
	record.ref()
	c.conn.CallAsync(ipc.MethodMakeUnique,
		ipc.MakeUniqueRequest{Memfd: 0}, []int{fd},
		func(reply *bus.Reply, err error) {
			defer record.unref()
			defer close(record.settled)
			if err != nil {
				c.logger.Debug("async MakeUnique failed", "error", err)
				return
			}
			c.adoptAsyncReply(record, reply)
		})

	// The kernel duplicated the descriptor into the call; ours is
	// done once the mapping exists.
	owned.Close()

	return buffer
}

// adoptAsyncReply applies a MakeUnique reply to a live mapping:
// remap to the canonical descriptor on a hit, record the handle
// either way. Runs on the connection's receive goroutine.
func (c *Client) adoptAsyncReply(record *mapping, reply *bus.Reply) {
	var decoded ipc.MakeUniqueReply
	if err := codec.Unmarshal(reply.Body, &decoded); err != nil {
		c.logger.Debug("undecodable async MakeUnique reply", "error", err)
		closeReplyFDs(reply.FDs)
		return
	}

	if canonical, ok := takeCanonical(&decoded, reply.FDs); ok {
		adopted := memfd.Own(canonical)
		record.mu.Lock()
		if record.data != nil {
			if err := remapFixed(record.data, adopted.Fd()); err != nil {
				// Extremely unlikely; the original mapping is still
				// intact, so just skip the page sharing.
				c.logger.Debug("fixed remap failed", "error", err)
				record.handle = decoded.Handle
				record.mu.Unlock()
				adopted.Close()
				return
			}
		}
		record.shared = true
		record.handle = decoded.Handle
		record.mu.Unlock()
		adopted.Close()
		return
	}

	record.mu.Lock()
	record.handle = decoded.Handle
	record.mu.Unlock()
}

// fallback returns a plain heap copy. Deduplication is best-effort;
// this is the degraded path for every failure.
func (c *Client) fallback(data []byte) *Bytes {
	copied := make([]byte, len(data))
	copy(copied, data)
	return &Bytes{data: copied}
}

// forgetAsync releases a daemon handle, fire-and-forget.
func (c *Client) forgetAsync(handle uint32) {
	if c.conn == nil || handle == 0 {
		return
	}
	c.conn.CallAsync(ipc.MethodForget, ipc.ForgetRequest{Handle: handle}, nil,
		func(reply *bus.Reply, err error) {
			if err != nil {
				c.logger.Debug("Forget failed", "handle", handle, "error", err)
				return
			}
			closeReplyFDs(reply.FDs)
		})
}

// takeCanonical extracts the canonical descriptor from a hit reply.
// Returns false for a miss. All reply descriptors other than the
// adopted one are closed — including unexpected extras, which must
// not leak.
func takeCanonical(decoded *ipc.MakeUniqueReply, fds []int) (int, bool) {
	adopted := -1
	if len(decoded.Content) == 1 {
		index := decoded.Content[0]
		if index >= 0 && int(index) < len(fds) {
			adopted = int(index)
		}
	}
	for position, fd := range fds {
		if position != adopted {
			unix.Close(fd)
		}
	}
	if adopted < 0 {
		return -1, false
	}
	return fds[adopted], true
}

// closeReplyFDs closes every descriptor attached to a reply.
func closeReplyFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
