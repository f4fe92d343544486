// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package memfd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// AllSeals is the seal set every submitted descriptor must carry:
// no further sealing, no shrinking, no growing, no writing.
const AllSeals = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// digestChunkSize is the read granularity when hashing a descriptor.
const digestChunkSize = 64 * 1024

// nameCounter disambiguates memfd names within one process.
var nameCounter atomic.Uint64

// CreateSealed creates an anonymous memory file containing exactly
// data, with all four seals applied. The file is named
// "unique-<pid>-<counter>" (the name is informational; it appears in
// /proc/<pid>/fd). Returns the descriptor, which the caller owns.
//
// On any failure the partially constructed descriptor is closed and
// an error returned; no fd leaks.
func CreateSealed(data []byte) (int, error) {
	name := fmt.Sprintf("unique-%d-%d", os.Getpid(), nameCounter.Add(1))

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %s: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("truncating %s to %d bytes: %w", name, len(data), err)
	}

	if err := writeAll(fd, data); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("writing %s: %w", name, err)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, AllSeals); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sealing %s: %w", name, err)
	}

	return fd, nil
}

// writeAll writes data to fd in full, retrying interrupted and short
// writes.
func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		written, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[written:]
	}
	return nil
}

// CheckSeals verifies that fd carries all four required seals.
func CheckSeals(fd int) error {
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return fmt.Errorf("querying seals: %w", err)
	}
	if seals&AllSeals != AllSeals {
		return fmt.Errorf("fd seals are %#x, need %#x", seals, AllSeals)
	}
	return nil
}

// Digest streams the content of fd from offset 0 to EOF through
// SHA-256 and returns the lowercase hex digest. Reads are positional
// (pread), so the descriptor's file offset is undisturbed.
func Digest(fd int) (string, error) {
	hasher := sha256.New()
	buffer := make([]byte, digestChunkSize)
	offset := int64(0)

	for {
		readCount, err := unix.Pread(fd, buffer, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("pread at offset %d: %w", offset, err)
		}
		if readCount == 0 {
			break
		}
		hasher.Write(buffer[:readCount])
		offset += int64(readCount)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Size returns the byte length of the file behind fd.
func Size(fd int) (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return stat.Size, nil
}

// Dup duplicates fd with close-on-exec set.
func Dup(fd int) (int, error) {
	duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return duplicate, nil
}

// Owned wraps a descriptor in linear-ownership discipline: Close
// closes the descriptor unless Release has transferred it away.
// Create one with Own; a zero Owned holds descriptor 0 and its Close
// closes that descriptor.
type Owned struct {
	fd       int
	released bool
}

// Own takes ownership of fd.
func Own(fd int) *Owned {
	return &Owned{fd: fd}
}

// Fd returns the descriptor without transferring ownership.
func (o *Owned) Fd() int {
	return o.fd
}

// Release transfers the descriptor to the caller; a subsequent Close
// is a no-op.
func (o *Owned) Release() int {
	o.released = true
	return o.fd
}

// Close closes the descriptor if it is still owned. Idempotent.
func (o *Owned) Close() {
	if o.released {
		return
	}
	o.released = true
	if o.fd >= 0 {
		unix.Close(o.fd)
	}
}
