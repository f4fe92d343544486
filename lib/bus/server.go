// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alexlarsson/uniqued/lib/clock"
	"github.com/alexlarsson/uniqued/lib/ipc"
)

// ErrNameTaken reports that another live daemon already owns the bus
// and Replace was not requested.
var ErrNameTaken = errors.New("bus: name already owned by a running daemon")

// ErrNameLost reports that another daemon took the bus over while we
// owned it. The owning process is expected to exit non-zero.
var ErrNameLost = errors.New("bus: name lost to a replacement daemon")

// ownershipPollInterval is how often an owner re-checks that the
// socket path still refers to its own listener.
const ownershipPollInterval = 2 * time.Second

// Handler receives dispatched method calls and peer-lifecycle events.
// Both methods run on the server's single dispatch goroutine: no two
// invocations ever overlap, and calls from one sender arrive in send
// order.
type Handler interface {
	// Serve handles one method call from sender. The fds slice holds
	// the descriptors attached to the call, in order; the handler
	// owns them and must adopt or close every one, on success and on
	// error alike. The returned replyFDs remain owned by the handler —
	// the transport duplicates them into the reply at send time.
	Serve(sender, method string, body []byte, fds []int) (reply any, replyFDs []int, err error)

	// PeerGone is invoked once when sender's connection drops, for
	// any reason, including senders that made no calls. It is
	// idempotent in effect because handle state is swept.
	PeerGone(sender string)
}

// OwnRequest configures Own.
type OwnRequest struct {
	// SocketPath is the bus socket location, conventionally
	// $XDG_RUNTIME_DIR/uniqued/bus.sock.
	SocketPath string

	// Replace takes the bus over from a live owner instead of
	// failing with ErrNameTaken.
	Replace bool

	Handler Handler
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Server owns the bus socket and dispatches method calls.
type Server struct {
	socketPath string
	handler    Handler
	clock      clock.Clock
	logger     *slog.Logger
	listener   *net.UnixListener

	// ownerDev/ownerIno identify the socket inode this server created.
	// The ownership watch compares the path against them to detect
	// replacement.
	ownerDev uint64
	ownerIno uint64

	events chan serverEvent

	// done is closed by shutdown to release reader goroutines blocked
	// on the events channel.
	done chan struct{}

	mu         sync.Mutex
	nextPeerID uint64
	peers      map[*serverPeer]struct{}
	closed     bool
}

// serverEvent is one unit of dispatch work: a method call or a peer
// disappearance.
type serverEvent struct {
	peer *serverPeer
	call *frame
	fds  []int
	gone bool
}

// serverPeer is one accepted connection with its minted sender name.
// Replies are written from the dispatch goroutine only; a concurrent
// Close during shutdown just fails the write.
type serverPeer struct {
	name string
	conn *net.UnixConn
}

// Own claims the bus. It probes for a live owner first: if one
// answers and request.Replace is false, Own fails with ErrNameTaken;
// with Replace set the socket path is taken over and the previous
// owner discovers the loss through its ownership watch.
func Own(request OwnRequest) (*Server, error) {
	if request.Handler == nil {
		return nil, fmt.Errorf("bus: OwnRequest.Handler is required")
	}
	if request.Clock == nil {
		request.Clock = clock.Real()
	}
	if request.Logger == nil {
		request.Logger = slog.New(slog.DiscardHandler)
	}

	socketDir := filepath.Dir(request.SocketPath)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	// Probe for a live owner. A stale socket file (no listener
	// behind it) is removed; a live one blocks startup unless
	// Replace is set.
	probe, err := net.DialTimeout("unix", request.SocketPath, 250*time.Millisecond)
	if err == nil {
		probe.Close()
		if !request.Replace {
			return nil, fmt.Errorf("%w (socket %s)", ErrNameTaken, request.SocketPath)
		}
		request.Logger.Info("replacing running daemon", "socket", request.SocketPath)
	}
	if err := os.Remove(request.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing socket %s: %w", request.SocketPath, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: request.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", request.SocketPath, err)
	}
	if err := os.Chmod(request.SocketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	var stat unix.Stat_t
	if err := unix.Lstat(request.SocketPath, &stat); err != nil {
		listener.Close()
		return nil, fmt.Errorf("stating own socket: %w", err)
	}

	server := &Server{
		socketPath: request.SocketPath,
		handler:    request.Handler,
		clock:      request.Clock,
		logger:     request.Logger,
		listener:   listener,
		ownerDev:   uint64(stat.Dev),
		ownerIno:   stat.Ino,
		events:     make(chan serverEvent, 64),
		done:       make(chan struct{}),
		peers:      make(map[*serverPeer]struct{}),
	}
	return server, nil
}

// Serve accepts connections and dispatches method calls until ctx is
// cancelled (returns nil) or the bus name is lost (returns
// ErrNameLost). The socket file is removed on clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	defer s.shutdown()

	go s.acceptLoop()

	nameLost := make(chan struct{})
	watchDone := make(chan struct{})
	go s.watchOwnership(ctx, nameLost, watchDone)
	defer func() { <-watchDone }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-nameLost:
			return ErrNameLost
		case event := <-s.events:
			s.dispatch(event)
		}
	}
}

// dispatch processes one event on the dispatch goroutine. This is the
// only place handler code runs, which is what makes the daemon core
// single-threaded.
func (s *Server) dispatch(event serverEvent) {
	if event.gone {
		s.handler.PeerGone(event.peer.name)
		return
	}

	reply, replyFDs, err := s.handler.Serve(event.peer.name, event.call.Method, event.call.Body, event.fds)

	response := &frame{Serial: event.call.Serial}
	if err != nil {
		response.Type = frameError
		var busError *Error
		if errors.As(err, &busError) {
			response.ErrorCode = busError.Code
			response.ErrorMessage = busError.Message
		} else {
			response.ErrorCode = ipc.ErrorInternal
			response.ErrorMessage = err.Error()
		}
	} else {
		response.Type = frameReply
		body, marshalErr := marshalBody(reply)
		if marshalErr != nil {
			response.Type = frameError
			response.ErrorCode = ipc.ErrorInternal
			response.ErrorMessage = marshalErr.Error()
		} else {
			response.Body = body
		}
	}

	writeErr := writeFrame(event.peer.conn, response, replyFDs)
	if writeErr != nil {
		s.logger.Warn("writing reply", "peer", event.peer.name, "error", writeErr)
		event.peer.conn.Close()
	}
}

// acceptLoop admits connections, minting a sender name per peer.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			// Listener closed during shutdown or takeover.
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		name := fmt.Sprintf(":1.%d", s.nextPeerID)
		s.nextPeerID++
		peer := &serverPeer{name: name, conn: conn}
		s.peers[peer] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("peer connected", "peer", name)
		go s.readLoop(peer)
	}
}

// readLoop reads calls from one peer in order and feeds the dispatch
// channel. On any read failure the peer is reported gone.
func (s *Server) readLoop(peer *serverPeer) {
	reader := frameReader{conn: peer.conn}
	defer reader.drainPending()

	for {
		call, fds, err := reader.readFrame()
		if err != nil {
			s.logger.Debug("peer disconnected", "peer", peer.name, "reason", err)
			break
		}
		if call.Type != frameCall {
			s.logger.Warn("dropping non-call frame from peer", "peer", peer.name, "type", call.Type)
			closeAll(fds)
			continue
		}
		select {
		case s.events <- serverEvent{peer: peer, call: call, fds: fds}:
		case <-s.done:
			closeAll(fds)
			return
		}
	}

	s.mu.Lock()
	_, known := s.peers[peer]
	delete(s.peers, peer)
	closed := s.closed
	s.mu.Unlock()

	peer.conn.Close()
	if known && !closed {
		select {
		case s.events <- serverEvent{peer: peer, gone: true}:
		case <-s.done:
		}
	}
}

// watchOwnership polls the socket path and signals nameLost when it
// no longer refers to this server's listener (removed, or replaced by
// a newer daemon).
func (s *Server) watchOwnership(ctx context.Context, nameLost chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(ownershipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var stat unix.Stat_t
			err := unix.Lstat(s.socketPath, &stat)
			if err != nil || uint64(stat.Dev) != s.ownerDev || stat.Ino != s.ownerIno {
				s.logger.Error("bus name lost", "socket", s.socketPath)
				close(nameLost)
				return
			}
		}
	}
}

// shutdown closes the listener and every peer connection. Pending
// events are drained so attached descriptors are not leaked.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	close(s.done)
	peers := make([]*serverPeer, 0, len(s.peers))
	for peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, peer := range peers {
		peer.conn.Close()
	}

	for {
		select {
		case event := <-s.events:
			closeAll(event.fds)
		default:
			// Only remove the socket if it is still ours — a
			// replacement daemon's socket must not be unlinked.
			var stat unix.Stat_t
			if err := unix.Lstat(s.socketPath, &stat); err == nil &&
				uint64(stat.Dev) == s.ownerDev && stat.Ino == s.ownerIno {
				os.Remove(s.socketPath)
			}
			return
		}
	}
}
