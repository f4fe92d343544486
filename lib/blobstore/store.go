// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blobstore

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/uniqued/lib/memfd"
)

// Blob is one content-addressed entry: a sealed read-only descriptor
// plus its identity and reference count. The descriptor is never
// mutated after creation — the seal set guarantees that at the kernel
// level.
type Blob struct {
	digest   string
	length   int64
	fd       int
	refCount int
	store    *Store
}

// Digest returns the lowercase hex SHA-256 of the blob's content.
func (b *Blob) Digest() string { return b.digest }

// Len returns the content length in bytes.
func (b *Blob) Len() int64 { return b.length }

// Fd returns the sealed descriptor. The blob retains ownership; the
// descriptor stays valid while the caller holds a reference.
func (b *Blob) Fd() int { return b.fd }

// RefCount returns the current reference count.
func (b *Blob) RefCount() int { return b.refCount }

// Ref takes an additional reference and returns b.
func (b *Blob) Ref() *Blob {
	b.refCount++
	return b
}

// Unref drops one reference. When the count reaches zero the blob is
// removed from its store, the real-size counter is decremented, and
// the descriptor is closed — exactly once.
func (b *Blob) Unref() {
	b.refCount--
	if b.refCount > 0 {
		return
	}

	b.store.logger.Debug("blob destroyed", "sha256", b.digest, "len", b.length)

	b.store.realSize -= uint64(b.length)
	delete(b.store.blobs, b.digest)

	unix.Close(b.fd)
	b.fd = -1
}

// Store is the authoritative blob table, keyed by hex digest.
type Store struct {
	blobs    map[string]*Blob
	realSize uint64
	logger   *slog.Logger
}

// New creates an empty store. logger may be nil for a silent store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		blobs:  make(map[string]*Blob),
		logger: logger,
	}
}

// Lookup returns the blob stored under digest with its reference
// count bumped, or nil if the digest is unknown.
func (s *Store) Lookup(digest string) *Blob {
	blob, ok := s.blobs[digest]
	if !ok {
		return nil
	}
	return blob.Ref()
}

// Insert creates a blob under digest, taking ownership of fd. The
// blob's length is read from the descriptor. The returned blob holds
// the initial (and only) reference; the caller releases it with Unref
// once peer entries hold their own.
//
// Inserting a digest that is already present is a programming error
// in the dispatcher and is rejected without consuming fd.
func (s *Store) Insert(fd int, digest string) (*Blob, error) {
	if _, exists := s.blobs[digest]; exists {
		return nil, fmt.Errorf("blob %s already present", digest)
	}

	length, err := memfd.Size(fd)
	if err != nil {
		return nil, fmt.Errorf("sizing blob %s: %w", digest, err)
	}

	blob := &Blob{
		digest:   digest,
		length:   length,
		fd:       fd,
		refCount: 1,
		store:    s,
	}
	s.blobs[digest] = blob
	s.realSize += uint64(length)

	s.logger.Debug("blob created", "sha256", digest, "len", length)
	return blob, nil
}

// RealSize returns the sum of blob lengths over live blobs: the bytes
// actually resident.
func (s *Store) RealSize() uint64 { return s.realSize }

// Len returns the number of live blobs.
func (s *Store) Len() int { return len(s.blobs) }

// Each calls visit for every live blob. The callback must not mutate
// the store.
func (s *Store) Each(visit func(*Blob)) {
	for _, blob := range s.blobs {
		visit(blob)
	}
}
