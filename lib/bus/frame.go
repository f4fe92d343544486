// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bus

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/uniqued/lib/codec"
)

// Frame types.
const (
	frameCall  = "call"
	frameReply = "reply"
	frameError = "error"
)

// maxFrameSize bounds a single envelope. Content never travels in the
// envelope (it travels behind descriptors), so frames are tiny; the
// cap exists to fail fast on a corrupt length prefix.
const maxFrameSize = 1 << 20

// frame is the wire envelope for every bus message. Descriptors are
// not part of the CBOR payload; NFDs declares how many SCM_RIGHTS
// descriptors accompany this frame.
type frame struct {
	Type         string           `cbor:"t"`
	Serial       uint64           `cbor:"serial"`
	Method       string           `cbor:"method,omitempty"`
	Body         codec.RawMessage `cbor:"body,omitempty"`
	NFDs         int              `cbor:"nfds,omitempty"`
	ErrorCode    string           `cbor:"error_code,omitempty"`
	ErrorMessage string           `cbor:"error_message,omitempty"`
}

// writeFrame sends one frame, attaching fds as SCM_RIGHTS ancillary
// data on the first byte of the envelope. The kernel duplicates the
// descriptors at send time; the caller keeps ownership of fds.
func writeFrame(conn *net.UnixConn, f *frame, fds []int) error {
	f.NFDs = len(fds)

	payload, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	message := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(message[:4], uint32(len(payload)))
	copy(message[4:], payload)

	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}

	written, _, err := conn.WriteMsgUnix(message, rights, nil)
	if err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	// A stream socket may accept the ancillary data with a partial
	// write; finish the remainder with plain writes.
	for written < len(message) {
		more, err := conn.Write(message[written:])
		if err != nil {
			return fmt.Errorf("sending frame tail: %w", err)
		}
		written += more
	}
	return nil
}

// frameReader reads length-prefixed frames from a Unix stream socket,
// collecting SCM_RIGHTS descriptors as they arrive. Descriptors are
// handed out with the frame that declared them.
type frameReader struct {
	conn *net.UnixConn

	// pendingFDs holds descriptors received but not yet claimed by a
	// frame. The sender attaches rights to the frame's own bytes, so
	// by the time a frame is fully read its descriptors are here.
	pendingFDs []int
}

// readFull fills buf from the connection, harvesting ancillary
// descriptors delivered along the way.
func (r *frameReader) readFull(buf []byte) error {
	oob := make([]byte, unix.CmsgSpace(32*4))
	filled := 0
	for filled < len(buf) {
		readCount, oobCount, _, _, err := r.conn.ReadMsgUnix(buf[filled:], oob)
		if err != nil {
			return err
		}
		if oobCount > 0 {
			if err := r.harvestRights(oob[:oobCount]); err != nil {
				return err
			}
		}
		if readCount == 0 {
			return fmt.Errorf("connection closed mid-frame: %w", errConnClosed)
		}
		filled += readCount
	}
	return nil
}

// harvestRights parses ancillary data into pendingFDs.
func (r *frameReader) harvestRights(oob []byte) error {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parsing ancillary data: %w", err)
	}
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			return fmt.Errorf("parsing descriptor rights: %w", err)
		}
		r.pendingFDs = append(r.pendingFDs, fds...)
	}
	return nil
}

// readFrame reads one frame and the descriptors it declares. The
// returned descriptors are owned by the caller.
func (r *frameReader) readFrame() (*frame, []int, error) {
	header := make([]byte, 4)
	if err := r.readFull(header); err != nil {
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return nil, nil, fmt.Errorf("frame length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if err := r.readFull(payload); err != nil {
		return nil, nil, err
	}

	var f frame
	if err := codec.Unmarshal(payload, &f); err != nil {
		return nil, nil, fmt.Errorf("decoding frame: %w", err)
	}

	if f.NFDs < 0 || f.NFDs > len(r.pendingFDs) {
		return nil, nil, fmt.Errorf("frame declares %d descriptors, %d available", f.NFDs, len(r.pendingFDs))
	}
	fds := r.pendingFDs[:f.NFDs]
	r.pendingFDs = r.pendingFDs[f.NFDs:]

	return &f, append([]int(nil), fds...), nil
}

// drainPending closes any descriptors that arrived but were never
// claimed by a frame. Called when the connection shuts down.
func (r *frameReader) drainPending() {
	for _, fd := range r.pendingFDs {
		unix.Close(fd)
	}
	r.pendingFDs = nil
}

// closeAll closes every descriptor in fds.
func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
