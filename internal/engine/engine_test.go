package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/iproto-client/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPipe returns both halves of a net.Pipe; each half is a net.Conn and so
// satisfies io.ReadWriteCloser, the same shape a real connection provides.
func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestSubmitSharedPathDeliversBytes(t *testing.T) {
	client, server := newPipe()
	defer server.Close()

	e := New(client, 4096, 1<<20, testLogger())
	e.Start(func(protocol.Header, protocol.Body) {}, func(err error) {})
	defer e.Close()

	codec := protocol.NewCodec(false)
	frame, err := codec.EncodeRequest(1, protocol.OpPing, 0, nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Submit(context.Background(), frame) }()

	buf := make([]byte, len(frame))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("reading from server side: %v", err)
	}
	if !bytes.Equal(buf, frame) {
		t.Fatalf("server received %v, want %v", buf, frame)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitDirectPathBypassesSharedBuffer(t *testing.T) {
	client, server := newPipe()
	defer server.Close()

	// directWriteThreshold of 1 forces every non-empty packet onto the
	// direct path.
	e := New(client, 4096, 1, testLogger())
	e.Start(func(protocol.Header, protocol.Body) {}, func(err error) {})
	defer e.Close()

	codec := protocol.NewCodec(false)
	frame, err := codec.EncodeRequest(1, protocol.OpPing, 0, nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Submit(context.Background(), frame) }()

	buf := make([]byte, len(frame))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("reading from server side: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestReaderLoopDispatchesDecodedFrames(t *testing.T) {
	client, server := newPipe()
	defer client.Close()

	var mu sync.Mutex
	var gotSync uint64
	received := make(chan struct{})

	e := New(client, 4096, 1<<20, testLogger())
	e.Start(func(header protocol.Header, body protocol.Body) {
		mu.Lock()
		gotSync = header.Sync
		mu.Unlock()
		close(received)
	}, func(err error) {})
	defer e.Close()

	resp, err := protocol.EncodeResponse(protocol.Header{Sync: 77, Code: uint32(protocol.CodeOK)}, protocol.Body{})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	go func() { _, _ = server.Write(resp) }()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the reader loop to dispatch a frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSync != 77 {
		t.Fatalf("dispatched Sync = %d, want 77", gotSync)
	}
}

func TestCloseStopsLoops(t *testing.T) {
	client, server := newPipe()
	defer server.Close()

	e := New(client, 4096, 1<<20, testLogger())
	e.Start(func(protocol.Header, protocol.Body) {}, func(err error) {})

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return promptly")
	}

	if err := e.Submit(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected Submit to fail after Close")
	}
}

func TestOnErrorFiresOnceConnectionBreaks(t *testing.T) {
	client, server := newPipe()

	var errMu sync.Mutex
	var observedErr error
	errReceived := make(chan struct{}, 1)

	e := New(client, 4096, 1<<20, testLogger())
	e.Start(func(protocol.Header, protocol.Body) {}, func(err error) {
		errMu.Lock()
		observedErr = err
		errMu.Unlock()
		select {
		case errReceived <- struct{}{}:
		default:
		}
	})
	defer e.Close()

	server.Close() // break the pipe out from under the engine

	codec := protocol.NewCodec(false)
	frame, err := codec.EncodeRequest(1, protocol.OpPing, 0, nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	_ = e.Submit(context.Background(), frame)

	select {
	case <-errReceived:
	case <-time.After(time.Second):
		t.Fatal("expected onError to fire after the connection broke")
	}

	errMu.Lock()
	defer errMu.Unlock()
	if observedErr == nil {
		t.Fatal("expected a non-nil error")
	}
}
