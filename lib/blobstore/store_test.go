// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blobstore

import (
	"testing"

	"github.com/alexlarsson/uniqued/lib/memfd"
)

// sealedFd creates a sealed memfd for test content.
func sealedFd(t *testing.T, content []byte) (int, string) {
	t.Helper()
	fd, err := memfd.CreateSealed(content)
	if err != nil {
		t.Fatalf("CreateSealed: %v", err)
	}
	digest, err := memfd.Digest(fd)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	return fd, digest
}

func TestInsertAndLookup(t *testing.T) {
	store := New(nil)
	content := []byte("blob content")
	fd, digest := sealedFd(t, content)

	blob, err := store.Insert(fd, digest)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if blob.RefCount() != 1 {
		t.Errorf("fresh blob refcount = %d, want 1", blob.RefCount())
	}
	if blob.Len() != int64(len(content)) {
		t.Errorf("blob len = %d, want %d", blob.Len(), len(content))
	}
	if store.RealSize() != uint64(len(content)) {
		t.Errorf("real size = %d, want %d", store.RealSize(), len(content))
	}

	found := store.Lookup(digest)
	if found != blob {
		t.Fatal("Lookup returned a different blob")
	}
	if blob.RefCount() != 2 {
		t.Errorf("refcount after Lookup = %d, want 2", blob.RefCount())
	}

	blob.Unref()
	blob.Unref()
	if store.Len() != 0 {
		t.Errorf("store len after last Unref = %d, want 0", store.Len())
	}
	if store.RealSize() != 0 {
		t.Errorf("real size after last Unref = %d, want 0", store.RealSize())
	}
}

func TestLookupMiss(t *testing.T) {
	store := New(nil)
	if blob := store.Lookup("0000000000000000000000000000000000000000000000000000000000000000"); blob != nil {
		t.Errorf("Lookup on empty store = %v, want nil", blob)
	}
}

func TestInsertDuplicateDigestRejected(t *testing.T) {
	store := New(nil)
	content := []byte("same bytes")

	fd1, digest := sealedFd(t, content)
	blob, err := store.Insert(fd1, digest)
	if err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	defer blob.Unref()

	fd2, _ := sealedFd(t, content)
	if _, err := store.Insert(fd2, digest); err == nil {
		t.Error("second Insert of the same digest should fail")
	}
	// The rejected fd stays with the caller.
	if err := memfd.CheckSeals(fd2); err != nil {
		t.Errorf("rejected fd should remain open: %v", err)
	}
	memfd.Own(fd2).Close()
}

func TestUnrefClosesFdExactlyOnce(t *testing.T) {
	store := New(nil)
	fd, digest := sealedFd(t, []byte("close me"))

	blob, err := store.Insert(fd, digest)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	blob.Ref()
	blob.Unref()
	// Still referenced: fd must remain open.
	if err := memfd.CheckSeals(fd); err != nil {
		t.Fatalf("fd closed while blob still referenced: %v", err)
	}

	blob.Unref()
	if err := memfd.CheckSeals(fd); err == nil {
		t.Error("fd should be closed after the last Unref")
	}
	if blob.Fd() != -1 {
		t.Errorf("destroyed blob fd = %d, want -1", blob.Fd())
	}
}

func TestRealSizeSumsLiveBlobs(t *testing.T) {
	store := New(nil)

	fdA, digestA := sealedFd(t, []byte("aaaa"))
	blobA, err := store.Insert(fdA, digestA)
	if err != nil {
		t.Fatalf("Insert A: %v", err)
	}

	fdB, digestB := sealedFd(t, []byte("bbbbbbbb"))
	blobB, err := store.Insert(fdB, digestB)
	if err != nil {
		t.Fatalf("Insert B: %v", err)
	}

	if store.RealSize() != 12 {
		t.Errorf("real size = %d, want 12", store.RealSize())
	}

	blobA.Unref()
	if store.RealSize() != 8 {
		t.Errorf("real size after dropping A = %d, want 8", store.RealSize())
	}
	blobB.Unref()
	if store.RealSize() != 0 {
		t.Errorf("real size after dropping B = %d, want 0", store.RealSize())
	}
}

func TestStoredDigestMatchesContent(t *testing.T) {
	store := New(nil)
	fd, digest := sealedFd(t, []byte("verify me"))

	blob, err := store.Insert(fd, digest)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	defer blob.Unref()

	store.Each(func(b *Blob) {
		rehashed, err := memfd.Digest(b.Fd())
		if err != nil {
			t.Fatalf("re-hashing stored blob: %v", err)
		}
		if rehashed != b.Digest() {
			t.Errorf("stored blob key %s does not match content hash %s", b.Digest(), rehashed)
		}
	})
}
