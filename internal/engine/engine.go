// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine drives one connection's I/O: a double-buffered writer
// (shared buffer filled by callers, writer buffer drained to the socket)
// with a direct-write bypass for large packets, and a single reader
// goroutine that decodes frames and dispatches them by sync id.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/iproto-client/internal/protocol"
)

// ErrClosed is returned by Submit once the engine has been closed.
var ErrClosed = errors.New("engine: closed")

// ErrWriteTimeout is returned by Submit when ctx is done before the shared
// buffer has room for the packet.
var ErrWriteTimeout = errors.New("engine: timed out waiting for buffer space")

// FrameHandler processes one decoded response frame. It is called from the
// engine's single reader goroutine, so it must not block for long.
type FrameHandler func(header protocol.Header, body protocol.Body)

// ErrorHandler is invoked once, from whichever of the reader or writer
// goroutine observes a fatal I/O error first, so the caller can trigger a
// reconnect exactly once per failure episode.
type ErrorHandler func(err error)

// Engine owns one socket's read and write loops for the lifetime of one
// connection attempt. It is discarded and replaced, not reused, across
// reconnects — matching the teacher's per-attempt RingBuffer lifecycle.
type Engine struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger

	directWriteThreshold int

	bufMu          sync.Mutex
	bufferEmpty    sync.Cond // signaled when the shared buffer has room
	bufferNotEmpty sync.Cond // signaled when the shared buffer has bytes to flush
	shared         []byte
	capacity       int
	closed         bool

	writeMu sync.Mutex // serializes actual socket writes against direct-write bypass

	// pendingResponses is section 3's atomic counter of requests whose bytes
	// have been accepted into the write path but whose responses have not
	// yet arrived: incremented by writeDirect/writeShared on acceptance,
	// decremented by readerLoop as each response is decoded.
	pendingResponses atomic.Int64

	onFrame FrameHandler
	onError ErrorHandler
	errOnce sync.Once

	wg sync.WaitGroup
}

// New returns an Engine ready to Start over conn. capacity bounds the
// shared buffer; directWriteThreshold is the byte size (see
// options.Options.DirectWriteThreshold) at or above which Submit bypasses
// the shared buffer entirely.
func New(conn io.ReadWriteCloser, capacity, directWriteThreshold int, logger *slog.Logger) *Engine {
	e := &Engine{
		conn:                  conn,
		logger:                logger.With("component", "engine"),
		directWriteThreshold:  directWriteThreshold,
		shared:                make([]byte, 0, capacity),
		capacity:              capacity,
	}
	e.bufferEmpty.L = &e.bufMu
	e.bufferNotEmpty.L = &e.bufMu
	return e
}

// Start launches the reader and writer goroutines. onFrame is called for
// every decoded response; onError is called once, with the first fatal
// I/O error observed by either loop.
func (e *Engine) Start(onFrame FrameHandler, onError ErrorHandler) {
	e.onFrame = onFrame
	e.onError = onError

	e.wg.Add(2)
	go e.writerLoop()
	go e.readerLoop()
}

// Submit writes frame's bytes to the connection. Packets at or above the
// direct-write threshold bypass the shared buffer and are written
// synchronously under the write lock; smaller packets are appended to the
// shared buffer for the writer loop to flush. Submit blocks until ctx is
// done or room is available in the shared buffer; it never blocks for a
// direct write beyond the underlying socket's own write deadline.
func (e *Engine) Submit(ctx context.Context, frame []byte) error {
	if len(frame) >= e.directWriteThreshold {
		return e.writeDirect(frame)
	}
	return e.writeShared(ctx, frame)
}

func (e *Engine) writeDirect(frame []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.conn.Write(frame); err != nil {
		e.fail(fmt.Errorf("engine: direct write: %w", err))
		return err
	}
	e.pendingResponses.Add(1)
	return nil
}

func (e *Engine) writeShared(ctx context.Context, frame []byte) error {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()

	for len(e.shared)+len(frame) > e.capacity && !e.closed {
		if ctx.Err() != nil {
			return ErrWriteTimeout
		}
		e.waitOnBufferEmpty(ctx)
	}
	if e.closed {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return ErrWriteTimeout
	}

	e.shared = append(e.shared, frame...)
	e.bufferNotEmpty.Broadcast()
	e.pendingResponses.Add(1)
	return nil
}

// waitOnBufferEmpty blocks on bufferEmpty, but wakes periodically via a
// helper goroutine bound to ctx so a caller's deadline is honored even
// though sync.Cond itself has no context-aware Wait.
func (e *Engine) waitOnBufferEmpty(ctx context.Context) {
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.bufMu.Lock()
			e.bufferEmpty.Broadcast()
			e.bufMu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	e.bufferEmpty.Wait()
	<-done
}

// writerLoop flips the shared buffer to a local slice and drains it to the
// socket in full on every iteration, rather than the incremental
// byte-at-a-time consumption of a streaming ring buffer: pending bytes are
// always written as a whole before the next flip.
func (e *Engine) writerLoop() {
	defer e.wg.Done()
	for {
		e.bufMu.Lock()
		for len(e.shared) == 0 && !e.closed {
			e.bufferNotEmpty.Wait()
		}
		if e.closed && len(e.shared) == 0 {
			e.bufMu.Unlock()
			return
		}
		toWrite := e.shared
		e.shared = make([]byte, 0, e.capacity)
		e.bufferEmpty.Broadcast()
		e.bufMu.Unlock()

		e.writeMu.Lock()
		_, err := e.conn.Write(toWrite)
		e.writeMu.Unlock()
		if err != nil {
			e.fail(fmt.Errorf("engine: writer loop: %w", err))
			return
		}
	}
}

// readerLoop decodes one frame at a time and dispatches it to onFrame. A
// malformed frame is fatal to the connection, per section 4.1: the codec
// can no longer find the next frame's boundary.
func (e *Engine) readerLoop() {
	defer e.wg.Done()
	for {
		header, body, err := protocol.DecodeFrame(e.conn)
		if err != nil {
			e.fail(fmt.Errorf("engine: reader loop: %w", err))
			return
		}
		e.pendingResponses.Add(-1)
		e.onFrame(header, body)
	}
}

// PendingResponses reports how many requests currently have bytes accepted
// by the write path but no response yet decoded by readerLoop.
func (e *Engine) PendingResponses() int64 { return e.pendingResponses.Load() }

// fail reports err to onError exactly once, no matter which loop (or both)
// observed a failure, mirroring the single-die-trigger discipline of
// internal/connstate.
func (e *Engine) fail(err error) {
	e.errOnce.Do(func() {
		if e.onError != nil {
			e.onError(err)
		}
	})
}

// Close stops accepting new writes, wakes both loops, and waits for them
// to exit. It also closes the underlying connection, which is what unblocks
// the reader loop's pending read.
func (e *Engine) Close() {
	e.bufMu.Lock()
	e.closed = true
	e.bufferNotEmpty.Broadcast()
	e.bufferEmpty.Broadcast()
	e.bufMu.Unlock()

	_ = e.conn.Close()
	e.wg.Wait()
	e.pendingResponses.Store(0)
}
