// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package dedup

import (
	"log/slog"

	"github.com/alexlarsson/uniqued/lib/blobstore"
	"github.com/alexlarsson/uniqued/lib/bus"
	"github.com/alexlarsson/uniqued/lib/codec"
	"github.com/alexlarsson/uniqued/lib/ipc"
	"github.com/alexlarsson/uniqued/lib/memfd"
)

// Service implements the org.freedesktop.portal.Unique methods over a
// blob store and peer table. It satisfies bus.Handler.
type Service struct {
	store  *blobstore.Store
	peers  *Peers
	logger *slog.Logger
}

// New creates a service with empty state. logger may be nil.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:  blobstore.New(logger),
		peers:  NewPeers(logger),
		logger: logger,
	}
}

// Store exposes the blob table, for wiring and tests.
func (s *Service) Store() *blobstore.Store { return s.store }

// Peers exposes the peer table, for wiring and tests.
func (s *Service) Peers() *Peers { return s.peers }

// Stats returns the real and apparent byte counters. Their ratio is
// the deduplication savings.
func (s *Service) Stats() (realSize, apparentSize uint64) {
	return s.store.RealSize(), s.peers.ApparentSize()
}

// Serve dispatches one method call. Invoked on the bus dispatch
// goroutine only.
func (s *Service) Serve(sender, method string, body []byte, fds []int) (any, []int, error) {
	switch method {
	case ipc.MethodMakeUnique:
		return s.makeUnique(sender, body, fds)
	case ipc.MethodForget:
		return s.forget(sender, body, fds)
	default:
		closeReceived(fds)
		return nil, nil, bus.NewError(ipc.ErrorUnknownMethod,
			"Method %s is not implemented on interface %s", method, ipc.Interface)
	}
}

// PeerGone sweeps every handle the departed sender held. Any blob
// whose last reference this releases is destroyed. Idempotent: a
// second report for the same sender finds nothing to drop.
func (s *Service) PeerGone(sender string) {
	if s.peers.Drop(sender) {
		s.logger.Debug("peer died", "peer", sender)
		s.logStats()
	}
}

// Shutdown releases all peer state, destroying every blob.
func (s *Service) Shutdown() {
	s.peers.DropAll()
}

// makeUnique implements MakeUnique(memfd: h) → (content: ah, handle: u).
//
// State is only mutated after the argument signature, the seal set,
// and the content read have all been validated, so every failure
// leaves the store and peer table untouched.
func (s *Service) makeUnique(sender string, body []byte, fds []int) (any, []int, error) {
	s.logger.Debug("got MakeUnique request", "peer", sender)

	var request ipc.MakeUniqueRequest
	if err := codec.UnmarshalStrict(body, &request); err != nil {
		closeReceived(fds)
		return nil, nil, bus.NewError(ipc.ErrorInvalidArgs, "Wrong argument types")
	}

	received := stealOne(fds, request.Memfd)
	if received == nil {
		return nil, nil, bus.NewError(ipc.ErrorInvalidArgs, "No fd passed")
	}
	defer received.Close()

	if err := memfd.CheckSeals(received.Fd()); err != nil {
		return nil, nil, bus.NewError(ipc.ErrorInvalidArgs, "Fd not sealed")
	}

	digest, err := memfd.Digest(received.Fd())
	if err != nil {
		return nil, nil, bus.NewError(ipc.ErrorInvalidArgs, "Can't read data")
	}

	content := []int32{}
	var replyFDs []int

	blob := s.store.Lookup(digest)
	if blob == nil {
		// Miss: the submission becomes the canonical copy. The caller
		// keeps its own descriptor of the same sealed file, so the
		// reply carries none back.
		blob, err = s.store.Insert(received.Release(), digest)
		if err != nil {
			// Insert does not consume the fd on failure; received
			// has already been released, so close it here.
			memfd.Own(received.Fd()).Close()
			return nil, nil, bus.NewError(ipc.ErrorInternal, "storing blob: %v", err)
		}
		s.logger.Debug("created new blob", "sha256", digest, "len", blob.Len())
	} else {
		// Hit: the received descriptor is redundant; the reply
		// carries the canonical one. The blob stays alive past the
		// reply write because the peer entry added below holds a
		// reference.
		s.logger.Debug("reusing old blob", "sha256", digest)
		content = append(content, 0)
		replyFDs = append(replyFDs, blob.Fd())
	}

	handle := s.peers.Add(sender, blob)
	blob.Unref() // drop the lookup/insert reference; the peer entry keeps its own

	s.logStats()

	return ipc.MakeUniqueReply{Content: content, Handle: handle}, replyFDs, nil
}

// forget implements Forget(handle: u) → (). Unknown handles succeed
// silently.
func (s *Service) forget(sender string, body []byte, fds []int) (any, []int, error) {
	// Forget takes no descriptors; close any that arrived.
	closeReceived(fds)

	s.logger.Debug("got Forget request", "peer", sender)

	var request ipc.ForgetRequest
	if err := codec.UnmarshalStrict(body, &request); err != nil {
		return nil, nil, bus.NewError(ipc.ErrorInvalidArgs, "Wrong argument types")
	}

	s.peers.Remove(sender, request.Handle)
	s.logStats()

	return ipc.ForgetReply{}, nil, nil
}

// logStats emits the running size counters at debug level.
func (s *Service) logStats() {
	realSize, apparentSize := s.Stats()
	s.logger.Debug("total memory size", "apparent", apparentSize, "real", realSize)
}

// stealOne takes the descriptor at index from the attached list,
// closing every other attached descriptor. Returns nil if index is
// out of range (in which case everything is closed).
func stealOne(fds []int, index int32) *memfd.Owned {
	var taken *memfd.Owned
	for position, fd := range fds {
		if int32(position) == index {
			taken = memfd.Own(fd)
			continue
		}
		memfd.Own(fd).Close()
	}
	return taken
}

// closeReceived closes every attached descriptor.
func closeReceived(fds []int) {
	for _, fd := range fds {
		memfd.Own(fd).Close()
	}
}
