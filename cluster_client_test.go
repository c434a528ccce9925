// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/iproto-client/internal/protocol"
	"github.com/nishisan-dev/iproto-client/internal/registry"
)

// echoServer is a fake member that greets, then answers every request
// with CodeOK at the given schema id, until the listener is closed.
func echoServer(t *testing.T, schemaID uint64) string {
	t.Helper()
	return startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		if !writeGreeting(t, conn) {
			return
		}
		for {
			header, _, err := protocol.DecodeFrame(conn)
			if err != nil {
				return
			}
			if !writeResponse(t, conn, header.Sync, protocol.CodeOK, schemaID, nil) {
				return
			}
		}
	})
}

// killableServer is an echoServer whose listener and already-accepted
// connections can be torn down on demand, to simulate a cluster member
// going unreachable after the cluster client has already seeded against it.
type killableServer struct {
	ln     net.Listener
	connCh chan net.Conn
	reqCh  chan struct{}
}

func startKillableServer(t *testing.T, schemaID uint64) *killableServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	k := &killableServer{ln: ln, connCh: make(chan net.Conn, 8), reqCh: make(chan struct{}, 32)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			k.connCh <- conn
			go func(conn net.Conn) {
				defer conn.Close()
				if !writeGreeting(t, conn) {
					return
				}
				for {
					header, _, err := protocol.DecodeFrame(conn)
					if err != nil {
						return
					}
					if !writeResponse(t, conn, header.Sync, protocol.CodeOK, schemaID, nil) {
						return
					}
				}
			}(conn)
		}
	}()
	return k
}

// startStallingKillableServer behaves like startKillableServer except its
// handler reads and acknowledges each request on reqCh but never writes a
// response, so any request routed to it stays genuinely in flight (bytes
// accepted, no response yet) until the server is killed.
func startStallingKillableServer(t *testing.T) *killableServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	k := &killableServer{ln: ln, connCh: make(chan net.Conn, 8), reqCh: make(chan struct{}, 32)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			k.connCh <- conn
			go func(conn net.Conn) {
				defer conn.Close()
				if !writeGreeting(t, conn) {
					return
				}
				for {
					if _, _, err := protocol.DecodeFrame(conn); err != nil {
						return
					}
					select {
					case k.reqCh <- struct{}{}:
					default:
					}
				}
			}(conn)
		}
	}()
	return k
}

func (k *killableServer) addr() string { return k.ln.Addr().String() }

// kill closes the listener and every connection accepted so far, so the
// member's supervisor sees its current connection die and every further
// dial attempt fail. Safe to call more than once.
func (k *killableServer) kill() {
	k.ln.Close()
	for {
		select {
		case conn := <-k.connCh:
			conn.Close()
		default:
			return
		}
	}
}

// clusterTestOptions mirrors testClientOptions but sets Address only to a
// placeholder, since ClusterClient ignores it in favor of per-member seed
// addresses; options.Validate still requires it to be non-empty.
func clusterTestOptions(setters ...func(*Options)) Options {
	base := []func(*Options){
		WithAddress("unused"),
		WithOperationExpiry(2 * time.Second),
	}
	return NewOptions(append(base, setters...)...)
}

// readOnlyServer answers every request with a ServerError code flagged
// Transient (codeReadOnly), never CodeOK, simulating a member that is up
// but currently rejecting writes.
func readOnlyServer(t *testing.T) string {
	t.Helper()
	return startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		if !writeGreeting(t, conn) {
			return
		}
		for {
			header, _, err := protocol.DecodeFrame(conn)
			if err != nil {
				return
			}
			if !writeResponse(t, conn, header.Sync, codeReadOnly, 1, protocol.Body{protocol.KeyError: "read only"}) {
				return
			}
		}
	})
}

// TestClusterClient_TransientServerErrorIsHeldForRetry confirms section
// 4.7's fail() classification: a response carrying a ServerError flagged
// Transient does not fail the caller's future outright, it is held in the
// cluster overlay's retry map for a future OnReconnect to redrive.
func TestClusterClient_TransientServerErrorIsHeldForRetry(t *testing.T) {
	addr := readOnlyServer(t)

	catalog := &fakeCatalog{initialized: true, version: 1}
	client, err := NewClusterClient(clusterTestOptions(), catalog, nil, []string{addr})
	if err != nil {
		t.Fatalf("NewClusterClient: %v", err)
	}
	defer client.Close()

	future := client.ExecAsync(context.Background(), &Request{Opcode: protocol.OpPing})

	deadline := time.After(time.Second)
	for {
		if client.HeldCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("HeldCount never reached 1 (got %d)", client.HeldCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case <-future.Done():
		t.Fatal("future settled, want it still pending while held for retry")
	default:
	}
}

func TestClusterClient_DispatchesAgainstSeedMembers(t *testing.T) {
	addrA := echoServer(t, 1)
	addrB := echoServer(t, 1)

	catalog := &fakeCatalog{initialized: true, version: 1}
	client, err := NewClusterClient(clusterTestOptions(), catalog, nil, []string{addrA, addrB})
	if err != nil {
		t.Fatalf("NewClusterClient: %v", err)
	}
	defer client.Close()

	if got := client.MemberCount(); got != 2 {
		t.Fatalf("MemberCount = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// TestClusterClient_FailsOverAfterMemberDies seeds against two reachable
// members, kills one after the cluster is up, and confirms dispatch still
// succeeds by routing to the member still standing: Cluster.Dispatch's
// per-member retry loop (section 4.7) absorbs the transient failure from
// the dead member within a single call.
func TestClusterClient_FailsOverAfterMemberDies(t *testing.T) {
	serverA := startKillableServer(t, 1)
	t.Cleanup(serverA.kill)
	addrB := echoServer(t, 1)

	catalog := &fakeCatalog{initialized: true, version: 1}
	opts := clusterTestOptions()
	opts.ConnectionTimeout = 30 * time.Millisecond
	opts.RetryCount = 2

	client, err := NewClusterClient(opts, catalog, nil, []string{serverA.addr(), addrB})
	if err != nil {
		t.Fatalf("NewClusterClient: %v", err)
	}
	defer client.Close()

	serverA.kill()
	// Give member A's supervisor time to notice its connection died and
	// start failing reconnect attempts against the now-closed listener.
	time.Sleep(150 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping after member A died: %v", err)
	}
}

// TestClusterClient_InFlightRequestFailsOverOnMemberDeath exercises section
// 8 scenario 4 directly: a request whose bytes are already accepted by
// member A's connection (server A never responds, so it cannot have
// settled any other way) is still outstanding when A's connection is
// killed out from under it. Cluster.reclaimMember must redrive exactly
// that request against member B rather than failing it or losing it, so
// the future completes with B's response.
func TestClusterClient_InFlightRequestFailsOverOnMemberDeath(t *testing.T) {
	serverA := startStallingKillableServer(t)
	t.Cleanup(serverA.kill)
	addrB := echoServer(t, 1)

	catalog := &fakeCatalog{initialized: true, version: 1}
	client, err := NewClusterClient(clusterTestOptions(), catalog, nil, []string{serverA.addr(), addrB})
	if err != nil {
		t.Fatalf("NewClusterClient: %v", err)
	}
	defer client.Close()

	// Dispatch pings until the round-robin happens to route one to member
	// A, identifiable because A's handler acknowledges receipt on reqCh but
	// never responds; that future is the one genuinely in flight on A.
	var pending *registry.Future
	for i := 0; i < 100 && pending == nil; i++ {
		f := client.ExecAsync(context.Background(), &Request{Opcode: protocol.OpPing})
		select {
		case <-serverA.reqCh:
			pending = f
		case <-time.After(20 * time.Millisecond):
		}
	}
	if pending == nil {
		t.Fatal("timed out waiting for a request to route to member A")
	}

	serverA.kill()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	var waitErr error
	go func() {
		_, waitErr = pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		t.Fatal("in-flight request against A never settled after A died")
	}
	if waitErr != nil {
		t.Fatalf("in-flight request against A did not fail over to B: %v", waitErr)
	}
}
