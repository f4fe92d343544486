// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unique

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapping is the refcounted record behind one deduplicated buffer:
// the mapped region, the daemon-assigned handle (zero until known),
// and whether the daemon substituted its canonical descriptor.
//
// The mutex guards handle/shared against the asynchronous reply
// callback, which runs on the connection's receive goroutine. data
// itself is written only before the mapping is shared (or replaced
// in place by the kernel, which callers never observe).
type mapping struct {
	client *Client

	mu     sync.Mutex
	data   []byte // nil for zero-length content
	refs   int
	handle uint32
	shared bool

	// settled is closed once the deduplication outcome is known:
	// immediately for synchronous submissions, on reply (or call
	// failure) for asynchronous ones. Heap fallbacks have no mapping.
	settled chan struct{}
}

// newMapping creates a mapping holding one reference.
func newMapping(client *Client, data []byte) *mapping {
	return &mapping{
		client:  client,
		data:    data,
		refs:    1,
		settled: make(chan struct{}),
	}
}

// ref takes an additional reference.
func (m *mapping) ref() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// unref drops one reference. The last drop unmaps the region and, if
// the daemon assigned a handle, sends Forget — fire-and-forget, no
// reply awaited. An asynchronous submission holds its own reference
// across the call, so a late reply always finds the mapping alive and
// the handle it records is still forgotten.
func (m *mapping) unref() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	data := m.data
	handle := m.handle
	m.mu.Unlock()

	if !last {
		return
	}

	if data != nil {
		unix.Munmap(data)
	}
	if handle != 0 {
		m.client.forgetAsync(handle)
	}
}

// mapShared maps fd read-only and private. length must be the sealed
// file's length; zero-length content is represented as a nil slice
// (mmap rejects empty ranges).
func mapShared(fd int, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", length, err)
	}
	return data, nil
}

// remapFixed replaces the pages behind target with a read-only
// private mapping of fd, at the exact same virtual address. The
// kernel performs the substitution atomically; concurrent readers
// observe identical content throughout.
//
// If the kernel were ever to place the mapping elsewhere the process
// must die: callers already hold pointers into the original range.
func remapFixed(target []byte, fd int) error {
	base := uintptr(unsafe.Pointer(&target[0]))
	address, _, errno := unix.Syscall6(unix.SYS_MMAP,
		base,
		uintptr(len(target)),
		uintptr(unix.PROT_READ),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("fixed remap at %#x: %w", base, errno)
	}
	if address != base {
		panic(fmt.Sprintf("unique: fixed remap landed at %#x instead of %#x", address, base))
	}
	return nil
}
