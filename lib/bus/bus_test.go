// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexlarsson/uniqued/lib/codec"
	"github.com/alexlarsson/uniqued/lib/ipc"
	"github.com/alexlarsson/uniqued/lib/memfd"
	"github.com/alexlarsson/uniqued/lib/testutil"
)

// recordingHandler captures calls and peer deaths, echoing request
// bodies back. When echoFD is set, received descriptors are returned
// in the reply; otherwise they are closed.
type recordingHandler struct {
	mu        sync.Mutex
	calls     []recordedCall
	gonePeers []string
	echoFD    bool
	failWith  error
}

type recordedCall struct {
	sender string
	method string
	body   []byte
	nfds   int
}

func (h *recordingHandler) Serve(sender, method string, body []byte, fds []int) (any, []int, error) {
	h.mu.Lock()
	h.calls = append(h.calls, recordedCall{sender: sender, method: method, body: body, nfds: len(fds)})
	failWith := h.failWith
	h.mu.Unlock()

	if failWith != nil {
		closeAll(fds)
		return nil, nil, failWith
	}
	if h.echoFD {
		// Reply descriptors stay owned by the handler until the
		// transport dups them at send time; these few test fds are
		// left to process exit.
		return codec.RawMessage(body), fds, nil
	}
	closeAll(fds)
	return codec.RawMessage(body), nil, nil
}

func (h *recordingHandler) PeerGone(sender string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gonePeers = append(h.gonePeers, sender)
}

func (h *recordingHandler) snapshotGone() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.gonePeers...)
}

func (h *recordingHandler) snapshotCalls() []recordedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedCall(nil), h.calls...)
}

// startServer owns a fresh bus socket and serves until test cleanup.
func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "bus.sock")

	server, err := Own(OwnRequest{SocketPath: socketPath, Handler: handler})
	if err != nil {
		t.Fatalf("Own: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, serveDone, 5*time.Second, "server shutdown")
	})
	return socketPath
}

func TestCallRoundTrip(t *testing.T) {
	handler := &recordingHandler{}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	request := ipc.ForgetRequest{Handle: 99}
	reply, err := conn.Call("Echo", request, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	var echoed ipc.ForgetRequest
	if err := codec.Unmarshal(reply.Body, &echoed); err != nil {
		t.Fatalf("decoding echoed body: %v", err)
	}
	if echoed.Handle != 99 {
		t.Errorf("echoed handle = %d, want 99", echoed.Handle)
	}

	calls := handler.snapshotCalls()
	if len(calls) != 1 {
		t.Fatalf("handler saw %d calls, want 1", len(calls))
	}
	if calls[0].method != "Echo" {
		t.Errorf("method = %q, want Echo", calls[0].method)
	}
	if calls[0].sender == "" || calls[0].sender[0] != ':' {
		t.Errorf("sender %q is not a unique connection name", calls[0].sender)
	}
}

func TestCallCarriesDescriptors(t *testing.T) {
	handler := &recordingHandler{echoFD: true}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	content := []byte("descriptor payload")
	fd, err := memfd.CreateSealed(content)
	if err != nil {
		t.Fatalf("CreateSealed: %v", err)
	}
	defer memfd.Own(fd).Close()

	reply, err := conn.Call("Submit", nil, []int{fd}, 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply.FDs) != 1 {
		t.Fatalf("reply carries %d descriptors, want 1", len(reply.FDs))
	}
	defer closeAll(reply.FDs)

	// The descriptor that came back must point at the same content.
	digest, err := memfd.Digest(reply.FDs[0])
	if err != nil {
		t.Fatalf("Digest on returned fd: %v", err)
	}
	original, err := memfd.Digest(fd)
	if err != nil {
		t.Fatalf("Digest on original fd: %v", err)
	}
	if digest != original {
		t.Errorf("returned descriptor content %s != submitted %s", digest, original)
	}
}

func TestCallErrorsCarryCode(t *testing.T) {
	handler := &recordingHandler{failWith: NewError(ipc.ErrorInvalidArgs, "Fd not sealed")}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Call("Submit", nil, nil, 5*time.Second)
	if err == nil {
		t.Fatal("Call should fail")
	}
	busError, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *bus.Error", err)
	}
	if busError.Code != ipc.ErrorInvalidArgs {
		t.Errorf("code = %q, want %q", busError.Code, ipc.ErrorInvalidArgs)
	}
	if busError.Message != "Fd not sealed" {
		t.Errorf("message = %q, want %q", busError.Message, "Fd not sealed")
	}
}

func TestCallAsync(t *testing.T) {
	handler := &recordingHandler{}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	conn.CallAsync("Echo", ipc.ForgetRequest{Handle: 5}, nil, func(reply *Reply, err error) {
		done <- err
	})

	if err := testutil.RequireReceive(t, done, 5*time.Second, "async reply"); err != nil {
		t.Errorf("async call failed: %v", err)
	}
}

func TestPeerGoneOnDisconnect(t *testing.T) {
	handler := &recordingHandler{}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := conn.Call("Ping", nil, nil, 5*time.Second); err != nil {
		t.Fatalf("Call: %v", err)
	}
	conn.Close()

	testutil.Eventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return len(handler.snapshotGone()) == 1
	}, "waiting for PeerGone")

	gone := handler.snapshotGone()
	calls := handler.snapshotCalls()
	if gone[0] != calls[0].sender {
		t.Errorf("PeerGone sender %q != call sender %q", gone[0], calls[0].sender)
	}
}

func TestPerPeerCallOrder(t *testing.T) {
	handler := &recordingHandler{}
	socketPath := startServer(t, handler)

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	const callCount = 20
	replies := make(chan error, callCount)
	for i := 0; i < callCount; i++ {
		conn.CallAsync("Echo", ipc.ForgetRequest{Handle: uint32(i)}, nil, func(reply *Reply, err error) {
			replies <- err
		})
	}
	for i := 0; i < callCount; i++ {
		if err := testutil.RequireReceive(t, replies, 5*time.Second, "reply %d", i); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	calls := handler.snapshotCalls()
	if len(calls) != callCount {
		t.Fatalf("handler saw %d calls, want %d", len(calls), callCount)
	}
	for i, call := range calls {
		var request ipc.ForgetRequest
		if err := codec.Unmarshal(call.body, &request); err != nil {
			t.Fatalf("decoding call %d: %v", i, err)
		}
		if request.Handle != uint32(i) {
			t.Errorf("call %d carried handle %d; per-peer order violated", i, request.Handle)
		}
	}
}

func TestOwnRefusesLiveOwner(t *testing.T) {
	handler := &recordingHandler{}
	socketPath := startServer(t, handler)

	if _, err := Own(OwnRequest{SocketPath: socketPath, Handler: handler}); err == nil {
		t.Fatal("Own without Replace should fail while an owner is alive")
	}
}

func TestCallTimeout(t *testing.T) {
	// A handler that never returns would stall the dispatch loop, so
	// simulate sluggishness with a socket nobody answers: own the
	// path, then stop serving accepts by never calling Serve.
	socketPath := filepath.Join(testutil.SocketDir(t), "bus.sock")
	server, err := Own(OwnRequest{SocketPath: socketPath, Handler: &recordingHandler{}})
	if err != nil {
		t.Fatalf("Own: %v", err)
	}
	defer server.shutdown()

	conn, err := Dial(socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, err = conn.Call("Echo", nil, nil, 100*time.Millisecond)
	if err == nil {
		t.Fatal("Call against a non-serving owner should time out")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v, want ~100ms", elapsed)
	}
}
