// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alexlarsson/uniqued/lib/clock"
	"github.com/alexlarsson/uniqued/lib/codec"
)

// Reply is a successful method reply: the CBOR body plus any attached
// descriptors, in declaration order. The receiver owns the
// descriptors and must close every one it does not adopt.
type Reply struct {
	Body []byte
	FDs  []int
}

// ReplyFunc receives the outcome of an asynchronous call. It runs on
// the connection's receive goroutine — the client-side event loop —
// so implementations must not block on bus traffic. Exactly one of
// reply and err is non-nil.
type ReplyFunc func(reply *Reply, err error)

// Conn is a client connection to the bus.
type Conn struct {
	conn  *net.UnixConn
	clock clock.Clock

	writeMu sync.Mutex

	mu         sync.Mutex
	nextSerial uint64
	pending    map[uint64]*pendingCall
	closed     bool
}

// pendingCall tracks one in-flight method call. Synchronous calls
// wait on done; asynchronous calls register a callback.
type pendingCall struct {
	done     chan callResult
	callback ReplyFunc
}

type callResult struct {
	reply *Reply
	err   error
}

// Dial connects to the bus socket. clk may be nil for the real clock.
func Dial(socketPath string, clk clock.Clock) (*Conn, error) {
	if clk == nil {
		clk = clock.Real()
	}

	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", socketPath, err)
	}

	conn := &Conn{
		conn:    raw.(*net.UnixConn),
		clock:   clk,
		pending: make(map[uint64]*pendingCall),
	}
	go conn.receiveLoop()
	return conn, nil
}

// Call invokes method synchronously, attaching fds (which the caller
// retains — the kernel duplicates them at send time). body is
// CBOR-marshalled. On timeout the call is abandoned and a late reply
// is discarded, with any attached descriptors closed by the receive
// loop.
func (c *Conn) Call(method string, body any, fds []int, timeout time.Duration) (*Reply, error) {
	call := &pendingCall{done: make(chan callResult, 1)}
	serial, err := c.send(method, body, fds, call)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-call.done:
		return result.reply, result.err
	case <-c.clock.After(timeout):
		c.mu.Lock()
		_, stillPending := c.pending[serial]
		delete(c.pending, serial)
		c.mu.Unlock()
		if !stillPending {
			// The receive loop claimed the call just as we timed
			// out; a result is on its way. Drain it so descriptors
			// attached to the late reply are closed, not leaked.
			go func() {
				result := <-call.done
				if result.reply != nil {
					closeAll(result.reply.FDs)
				}
			}()
		}
		return nil, fmt.Errorf("call %s timed out after %v", method, timeout)
	}
}

// CallAsync invokes method without waiting. callback fires on the
// receive goroutine when the reply or an error arrives; it fires with
// an error immediately (before CallAsync returns) only if the request
// cannot be sent at all.
func (c *Conn) CallAsync(method string, body any, fds []int, callback ReplyFunc) {
	call := &pendingCall{callback: callback}
	if _, err := c.send(method, body, fds, call); err != nil {
		callback(nil, err)
	}
}

// send registers the pending call and writes the call frame.
func (c *Conn) send(method string, body any, fds []int, call *pendingCall) (uint64, error) {
	encodedBody, err := marshalBody(body)
	if err != nil {
		return 0, fmt.Errorf("encoding %s body: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errConnClosed
	}
	c.nextSerial++
	serial := c.nextSerial
	c.pending[serial] = call
	c.mu.Unlock()

	request := &frame{
		Type:   frameCall,
		Serial: serial,
		Method: method,
		Body:   encodedBody,
	}

	c.writeMu.Lock()
	writeErr := writeFrame(c.conn, request, fds)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
		return 0, writeErr
	}
	return serial, nil
}

// receiveLoop matches reply frames to pending calls. Replies nobody
// is waiting on (timed-out synchronous calls) have their descriptors
// closed here rather than leaked.
func (c *Conn) receiveLoop() {
	reader := frameReader{conn: c.conn}
	defer reader.drainPending()

	for {
		response, fds, err := reader.readFrame()
		if err != nil {
			c.failAll(errConnClosed)
			return
		}

		c.mu.Lock()
		call, ok := c.pending[response.Serial]
		delete(c.pending, response.Serial)
		c.mu.Unlock()

		if !ok {
			closeAll(fds)
			continue
		}

		var result callResult
		switch response.Type {
		case frameReply:
			result.reply = &Reply{Body: response.Body, FDs: fds}
		case frameError:
			closeAll(fds)
			result.err = &Error{Code: response.ErrorCode, Message: response.ErrorMessage}
		default:
			closeAll(fds)
			result.err = fmt.Errorf("bus: unexpected frame type %q", response.Type)
		}

		if call.callback != nil {
			call.callback(result.reply, result.err)
		} else {
			call.done <- result
		}
	}
}

// failAll resolves every pending call with err. Invoked when the
// connection drops.
func (c *Conn) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		if call.callback != nil {
			call.callback(nil, err)
		} else {
			call.done <- callResult{err: err}
		}
	}
}

// Close shuts the connection down. Pending calls fail with a closed
// error; the daemon observes the disconnect and sweeps this peer's
// handles.
func (c *Conn) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	return c.conn.Close()
}

// marshalBody encodes a call or reply body, passing nil and
// pre-encoded bodies through untouched.
func marshalBody(body any) (codec.RawMessage, error) {
	switch value := body.(type) {
	case nil:
		return nil, nil
	case codec.RawMessage:
		return value, nil
	case []byte:
		return codec.RawMessage(value), nil
	default:
		encoded, err := codec.Marshal(body)
		if err != nil {
			return nil, err
		}
		return codec.RawMessage(encoded), nil
	}
}
