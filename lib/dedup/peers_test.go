// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package dedup

import (
	"testing"

	"github.com/alexlarsson/uniqued/lib/blobstore"
	"github.com/alexlarsson/uniqued/lib/memfd"
)

// insertBlob creates a sealed blob in store from content and returns
// it holding the initial reference.
func insertBlob(t *testing.T, store *blobstore.Store, content []byte) *blobstore.Blob {
	t.Helper()
	fd, err := memfd.CreateSealed(content)
	if err != nil {
		t.Fatalf("CreateSealed: %v", err)
	}
	digest, err := memfd.Digest(fd)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	blob, err := store.Insert(fd, digest)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return blob
}

func TestHandlesStartAtOneAndNeverReuse(t *testing.T) {
	store := blobstore.New(nil)
	peers := NewPeers(nil)
	blob := insertBlob(t, store, []byte("content"))

	first := peers.Add(":1.7", blob)
	if first != 1 {
		t.Errorf("first handle = %d, want 1", first)
	}

	second := peers.Add(":1.7", blob)
	if second != 2 {
		t.Errorf("second handle = %d, want 2", second)
	}

	peers.Remove(":1.7", first)
	third := peers.Add(":1.7", blob)
	if third != 3 {
		t.Errorf("handle after Remove = %d, want 3 (freed handles are not re-issued)", third)
	}

	blob.Unref()
	peers.Drop(":1.7")
}

func TestHandleCountersArePerPeer(t *testing.T) {
	store := blobstore.New(nil)
	peers := NewPeers(nil)
	blob := insertBlob(t, store, []byte("shared"))

	handleA := peers.Add(":1.1", blob)
	handleB := peers.Add(":1.2", blob)
	if handleA != 1 || handleB != 1 {
		t.Errorf("handles = %d, %d; each peer's counter starts at 1", handleA, handleB)
	}

	blob.Unref()
	peers.DropAll()
}

func TestRemoveUnknownIsNoOp(t *testing.T) {
	peers := NewPeers(nil)

	// Unknown sender.
	peers.Remove(":1.99", 1)

	store := blobstore.New(nil)
	blob := insertBlob(t, store, []byte("x"))
	peers.Add(":1.1", blob)
	blob.Unref()

	// Known sender, unknown handle.
	peers.Remove(":1.1", 42)
	if peers.ApparentSize() != 1 {
		t.Errorf("apparent size disturbed by no-op Remove: %d", peers.ApparentSize())
	}

	// Duplicate remove of a real handle.
	peers.Remove(":1.1", 1)
	peers.Remove(":1.1", 1)
	if peers.ApparentSize() != 0 {
		t.Errorf("apparent size after duplicate Remove = %d, want 0", peers.ApparentSize())
	}
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
}

func TestApparentSizeAccounting(t *testing.T) {
	store := blobstore.New(nil)
	peers := NewPeers(nil)

	blob := insertBlob(t, store, []byte("1234567890")) // 10 bytes

	peers.Add(":1.1", blob)
	peers.Add(":1.2", blob)
	blob.Unref()

	if peers.ApparentSize() != 20 {
		t.Errorf("apparent size = %d, want 20 (two holders of 10 bytes)", peers.ApparentSize())
	}
	if store.RealSize() != 10 {
		t.Errorf("real size = %d, want 10", store.RealSize())
	}

	peers.Remove(":1.1", 1)
	if peers.ApparentSize() != 10 {
		t.Errorf("apparent size after one Remove = %d, want 10", peers.ApparentSize())
	}

	peers.Drop(":1.2")
	if peers.ApparentSize() != 0 {
		t.Errorf("apparent size after Drop = %d, want 0", peers.ApparentSize())
	}
	if store.RealSize() != 0 {
		t.Errorf("real size after last holder left = %d, want 0", store.RealSize())
	}
}

func TestDropReleasesEverything(t *testing.T) {
	store := blobstore.New(nil)
	peers := NewPeers(nil)

	blobA := insertBlob(t, store, []byte("aaa"))
	blobB := insertBlob(t, store, []byte("bbb"))
	peers.Add(":1.5", blobA)
	peers.Add(":1.5", blobB)
	blobA.Unref()
	blobB.Unref()

	if !peers.Drop(":1.5") {
		t.Fatal("Drop of a known peer should report true")
	}
	if peers.Drop(":1.5") {
		t.Error("second Drop of the same peer should report false")
	}

	if store.Len() != 0 {
		t.Errorf("store len after Drop = %d, want 0 (all blobs destroyed)", store.Len())
	}
	if peers.Len() != 0 {
		t.Errorf("peers len = %d, want 0", peers.Len())
	}
}
