// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package dedup

import (
	"log/slog"

	"github.com/alexlarsson/uniqued/lib/blobstore"
)

// Peer tracks the blob references one bus sender holds, keyed by the
// handles minted for it. Handles start at 1 and are never reused
// within a peer's lifetime — the counter only grows, so a handle
// freed by Forget cannot be mistaken for a later allocation.
type Peer struct {
	name       string
	nextHandle uint32
	blobs      map[uint32]*blobstore.Blob
}

// Peers is the table of live senders. A peer is created lazily on its
// first MakeUnique and destroyed when the bus reports the sender gone
// (or on daemon exit). The apparent-size counter sums blob lengths
// over every handle entry: the bytes callers would collectively have
// spent without deduplication.
type Peers struct {
	peers        map[string]*Peer
	apparentSize uint64
	logger       *slog.Logger
}

// NewPeers creates an empty peer table. logger may be nil.
func NewPeers(logger *slog.Logger) *Peers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Peers{
		peers:  make(map[string]*Peer),
		logger: logger,
	}
}

// Add records a reference from sender to blob under a freshly minted
// handle, creating the peer if this is its first submission. Takes
// its own blob reference; the caller's reference is untouched.
func (p *Peers) Add(sender string, blob *blobstore.Blob) uint32 {
	peer, ok := p.peers[sender]
	if !ok {
		peer = &Peer{
			name:       sender,
			nextHandle: 1,
			blobs:      make(map[uint32]*blobstore.Blob),
		}
		p.peers[sender] = peer
	}

	handle := peer.nextHandle
	peer.nextHandle++

	peer.blobs[handle] = blob.Ref()
	p.apparentSize += uint64(blob.Len())

	p.logger.Debug("added blob to peer", "handle", handle, "sha256", blob.Digest(), "peer", sender)
	return handle
}

// Remove drops sender's reference under handle. Unknown senders and
// unknown handles are silent no-ops — duplicate Forgets after a peer
// death has already swept the entries arrive here.
func (p *Peers) Remove(sender string, handle uint32) {
	peer, ok := p.peers[sender]
	if !ok {
		return
	}
	blob, ok := peer.blobs[handle]
	if !ok {
		return
	}

	p.logger.Debug("removing blob from peer", "handle", handle, "peer", sender)

	delete(peer.blobs, handle)
	p.apparentSize -= uint64(blob.Len())
	blob.Unref()
}

// Drop destroys sender's peer record, releasing every blob reference
// it held. Reports whether the sender was known.
func (p *Peers) Drop(sender string) bool {
	peer, ok := p.peers[sender]
	if !ok {
		return false
	}

	delete(p.peers, sender)
	for handle, blob := range peer.blobs {
		delete(peer.blobs, handle)
		p.apparentSize -= uint64(blob.Len())
		blob.Unref()
	}
	return true
}

// DropAll destroys every peer. Used at daemon shutdown.
func (p *Peers) DropAll() {
	for sender := range p.peers {
		p.Drop(sender)
	}
}

// ApparentSize returns the sum of blob lengths over all live handle
// entries.
func (p *Peers) ApparentSize() uint64 { return p.apparentSize }

// Len returns the number of live peers.
func (p *Peers) Len() int { return len(p.peers) }

// Each calls visit for every handle entry of every peer. The callback
// must not mutate the table.
func (p *Peers) Each(visit func(sender string, handle uint32, blob *blobstore.Blob)) {
	for sender, peer := range p.peers {
		for handle, blob := range peer.blobs {
			visit(sender, handle, blob)
		}
	}
}
