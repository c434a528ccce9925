// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package supervisor owns one iproto connection's lifecycle: dialing
// through a pluggable socket provider, performing the greeting/AUTH
// handshake, running the I/O engine for as long as the connection holds,
// and reconnecting — with paced retries and a sticky "thumbstone" error
// on die — until Close is called.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/iproto-client/internal/connstate"
	"github.com/nishisan-dev/iproto-client/internal/diagnostics"
	"github.com/nishisan-dev/iproto-client/internal/engine"
	"github.com/nishisan-dev/iproto-client/internal/options"
	"github.com/nishisan-dev/iproto-client/internal/protocol"
)

// FailSink receives every request still unresolved on this connection when
// the supervisor gives up on it, either transiently (die, a reconnect will
// follow) or permanently (giveUp, Close). The request registry itself
// satisfies this for the single-connection client, where there is nothing
// else to retry against so every such request simply fails. The cluster
// overlay supplies an adapter instead, scoping the blast radius to exactly
// the requests this one member has in flight and routing them into its
// retry-hold map rather than failing them outright.
type FailSink interface {
	FailAll(err error)
}

// SocketProvider dials (or otherwise obtains) one connection to the
// server. A non-nil, non-transient error tells the supervisor to stop
// retrying; ErrTransient-wrapped errors are retried at the fixed pace set
// by the supervisor's limiter.
type SocketProvider interface {
	Get(ctx context.Context) (io.ReadWriteCloser, error)
}

// ErrTransient wraps a SocketProvider error to mark it retryable. Any
// error not wrapped this way is treated as fatal: the supervisor gives up
// and transitions to closed.
var ErrTransient = errors.New("supervisor: transient connection error")

// Transient wraps err so the supervisor retries instead of giving up.
func Transient(err error) error { return fmt.Errorf("%w: %v", ErrTransient, err) }

// ErrGivenUp is the sticky thumbstone error installed on every pending and
// future request once the supervisor exhausts its retry budget.
var ErrGivenUp = errors.New("supervisor: exhausted reconnect attempts, connection permanently unavailable")

// Handshake performs the greeting + AUTH exchange on a freshly dialed
// connection, returning the server's advertised schema version. Supplied
// by the caller so the wire-level handshake details (credential scheme,
// salt handling) stay out of this package exactly as schema/catalog
// mechanics do.
type Handshake func(ctx context.Context, conn io.ReadWriteCloser) (schemaVersion uint64, err error)

// Supervisor coordinates one logical connection across however many
// physical reconnects it takes to keep it alive.
type Supervisor struct {
	provider  SocketProvider
	handshake Handshake
	opts      *options.Options
	logger    *slog.Logger

	state *connstate.State
	reg   FailSink
	codec *protocol.Codec

	limiter *rate.Limiter

	onFrame    engine.FrameHandler
	onReconnected func()

	mu          sync.Mutex
	current     *engine.Engine
	attempts    int
	thumbstone  error

	connectedOnce sync.Once
	connectedCh   chan struct{}
}

// New returns a Supervisor. onFrame is wired to the schema reconciler and
// registry by the caller (the root client); onReconnected, if non-nil, is
// called after every successful (re)connection, e.g. so a cluster overlay
// can redrive held-back requests.
func New(
	provider SocketProvider,
	handshake Handshake,
	opts *options.Options,
	logger *slog.Logger,
	state *connstate.State,
	reg FailSink,
	codec *protocol.Codec,
	onFrame engine.FrameHandler,
	onReconnected func(),
) *Supervisor {
	return &Supervisor{
		provider:      provider,
		handshake:     handshake,
		opts:          opts,
		logger:        logger.With("component", "supervisor"),
		state:         state,
		reg:           reg,
		codec:         codec,
		onFrame:       onFrame,
		onReconnected: onReconnected,
		// Reconnect attempts are paced at one per ConnectionTimeout window,
		// with a small burst allowance, the same WaitN-gated shape the
		// teacher uses to throttle bytes rather than attempts.
		limiter:     rate.NewLimiter(rate.Every(opts.ConnectionTimeout), 1),
		connectedCh: make(chan struct{}),
	}
}

// Connected returns a channel that closes once this Supervisor has
// completed its first successful handshake, letting a constructor bound
// how long it waits for the initial connection (Options.InitTimeout)
// separately from IsAlive, which a fresh connstate.State already reports
// true for before any real socket exists.
func (s *Supervisor) Connected() <-chan struct{} { return s.connectedCh }

// IsAlive reports whether this supervisor's connection is currently usable.
func (s *Supervisor) IsAlive() bool { return s.state.IsAlive() }

func (s *Supervisor) signalConnected() {
	s.connectedOnce.Do(func() { close(s.connectedCh) })
}

// Run drives the connect/serve/reconnect loop until ctx is done or the
// supervisor gives up permanently. It returns the thumbstone error on
// give-up, or ctx.Err() on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.state.IsClosed() {
			return s.Thumbstone()
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if !s.retryable(err) {
				s.giveUp(err)
				return s.Thumbstone()
			}
			continue // retryable: dial already paced itself via the limiter
		}

		schemaVersion, err := s.handshake(ctx, conn)
		if err != nil {
			s.logger.Warn("handshake failed", "error", err)
			_ = conn.Close()
			if !s.retryable(err) {
				s.giveUp(err)
				return s.Thumbstone()
			}
			continue
		}
		_ = schemaVersion // not passed on; onReconnected takes no argument and the client refreshes its catalog instead

		s.mu.Lock()
		s.attempts = 0
		eng := engine.New(conn, s.opts.SharedBufferSize, s.opts.DirectWriteThreshold(), s.logger)
		s.current = eng
		s.mu.Unlock()

		died := make(chan struct{}, 1)
		eng.Start(s.onFrame, func(err error) {
			s.logger.Warn("connection died", "error", err)
			s.die(err)
			select {
			case died <- struct{}{}:
			default:
			}
		})

		s.state.MarkReconnected()
		s.signalConnected()
		if s.onReconnected != nil {
			s.onReconnected()
		}

		select {
		case <-died:
		case <-s.state.AwaitReconnectSignal():
		case <-ctx.Done():
			eng.Close()
			return ctx.Err()
		}
	}
}

// dial asks the provider for a connection, pacing attempts with the rate
// limiter so a persistently failing provider does not spin.
func (s *Supervisor) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	conn, err := s.provider.Get(ctx)
	if err != nil {
		s.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
		return nil, err
	}
	return conn, nil
}

// retryable reports whether err should trigger another dial attempt
// rather than a permanent give-up, honoring Options.RetryCount as an
// upper bound on retries even for transient errors.
func (s *Supervisor) retryable(err error) bool {
	s.mu.Lock()
	attempt := s.attempts
	s.mu.Unlock()
	if attempt >= s.opts.RetryCount && s.opts.RetryCount > 0 {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// die flips the connection state to RECONNECT and reports every in-flight
// request to the FailSink, exactly once per failure episode regardless of
// which goroutine called it first. The dying engine is detached from
// s.current and torn down in its own goroutine before FailAll runs, for
// two reasons: so FailSink.FailAll (the cluster overlay's immediate
// same-member-excluded redispatch, in particular) never hands a reclaimed
// request's bytes back to the very engine that just died — Submit on a
// nil s.current fails deterministically instead of silently queuing into a
// buffer nothing will ever flush — and so a call to die() originating from
// the engine's own reader or writer goroutine (the ordinary path: a read
// or write error calls engine.fail, which calls this closure synchronously)
// never waits on engine.Close's wg.Wait for its own loop's exit.
func (s *Supervisor) die(err error) {
	if !s.state.TriggerReconnect() {
		return
	}
	s.mu.Lock()
	eng := s.current
	s.current = nil
	s.mu.Unlock()
	if eng != nil {
		go eng.Close()
	}
	s.reg.FailAll(fmt.Errorf("supervisor: connection died: %w", err))
}

// giveUp is die's permanent variant: no further reconnect will be
// attempted. It captures a host diagnostics snapshot alongside the
// thumbstone error, so a postmortem can see whether resource exhaustion
// was a contributing factor.
func (s *Supervisor) giveUp(cause error) {
	snap := diagnostics.Capture(s.logger)
	s.logger.Error("supervisor giving up, no further reconnects will be attempted",
		append([]any{"error", cause}, snap.LogAttrs()...)...)

	s.mu.Lock()
	s.thumbstone = fmt.Errorf("%w: %v", ErrGivenUp, cause)
	s.mu.Unlock()

	s.reg.FailAll(s.thumbstone)
	s.state.Close()
	s.signalConnected()
}

// Thumbstone returns the sticky error installed by giveUp, or nil if the
// supervisor has not given up.
func (s *Supervisor) Thumbstone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thumbstone
}

// Submit writes frame to the current connection's engine. It fails with
// ErrNotConnected if no engine is currently active (mid-reconnect).
func (s *Supervisor) Submit(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	eng := s.current
	s.mu.Unlock()
	if eng == nil {
		return ErrNotConnected
	}
	return eng.Submit(ctx, frame)
}

// ErrNotConnected is returned by Submit when no engine is currently
// active, e.g. while a reconnect is in flight.
var ErrNotConnected = errors.New("supervisor: not currently connected")

// PendingResponses reports the current connection's count of requests whose
// bytes have been accepted by the write path but whose responses have not
// yet arrived (section 3's pending-responses counter). It is zero whenever
// no engine is currently active.
func (s *Supervisor) PendingResponses() int64 {
	s.mu.Lock()
	eng := s.current
	s.mu.Unlock()
	if eng == nil {
		return 0
	}
	return eng.PendingResponses()
}

// Close permanently shuts the supervisor down: no further reconnects,
// every pending future fails with a closed-connection error.
func (s *Supervisor) Close() {
	s.mu.Lock()
	eng := s.current
	s.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
	s.reg.FailAll(fmt.Errorf("supervisor: %w", ErrClosedByCaller))
	s.state.Close()
}

// ErrClosedByCaller is the error futures fail with when Close was called
// directly, as distinct from ErrGivenUp (retry exhaustion).
var ErrClosedByCaller = errors.New("client closed")
