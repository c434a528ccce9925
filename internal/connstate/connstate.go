// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connstate tracks the lifecycle of a single iproto connection as an
// atomic bitset, and signals reconnection exactly once per failure, no
// matter how many goroutines observe it concurrently.
package connstate

import (
	"sync"
	"sync/atomic"
)

// Bits are the individual flags composing a connection's state.
type Bits uint32

const (
	Reading        Bits = 1 << 0
	Writing        Bits = 1 << 1
	Alive               = Reading | Writing
	SchemaUpdating Bits = 1 << 2
	Reconnect      Bits = 1 << 3
	Closed         Bits = 1 << 4
)

// State is an atomic bitset plus the plumbing needed to let exactly one
// caller among several concurrent acquirers be the one who triggers a
// reconnect, mirroring the single chSocketReadError/chSocketWriteError
// die-once pattern.
type State struct {
	bits atomic.Uint32

	mu          sync.Mutex
	reconnectCh chan struct{} // closed once, when a reconnect is triggered
	aliveCh     chan struct{} // closed once, when the connection becomes alive
	closed      bool
}

// New returns a State initialized to Alive.
func New() *State {
	s := &State{
		reconnectCh: make(chan struct{}),
		aliveCh:     make(chan struct{}),
	}
	s.bits.Store(uint32(Alive))
	close(s.aliveCh)
	return s
}

// Load returns the current bitset.
func (s *State) Load() Bits { return Bits(s.bits.Load()) }

// Has reports whether every bit in want is set.
func (s *State) Has(want Bits) bool { return s.Load()&want == want }

// IsAlive reports whether the connection is usable for reads and writes.
func (s *State) IsAlive() bool { return s.Has(Alive) && !s.Has(Closed) }

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool { return s.Has(Closed) }

// set atomically ORs in bits.
func (s *State) set(b Bits) {
	for {
		old := s.bits.Load()
		next := old | uint32(b)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// clear atomically clears bits.
func (s *State) clear(b Bits) {
	for {
		old := s.bits.Load()
		next := old &^ uint32(b)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// TryBeginSchemaUpdate acquires the one-shot SCHEMA_UPDATING guard from
// section 4.5's updateSchema: it reports true only for the caller that
// actually flips the bit from clear to set, so a refresh already in flight
// is never started twice concurrently.
func (s *State) TryBeginSchemaUpdate() bool {
	for {
		old := s.bits.Load()
		if old&uint32(SchemaUpdating) != 0 {
			return false
		}
		if s.bits.CompareAndSwap(old, old|uint32(SchemaUpdating)) {
			return true
		}
	}
}

// EndSchemaUpdate clears the schema-updating gate.
func (s *State) EndSchemaUpdate() { s.clear(SchemaUpdating) }

// TriggerReconnect marks the connection dead and wakes every goroutine
// waiting in AwaitReconnectSignal, but only the first caller gets ok == true:
// that caller is responsible for actually running the reconnect loop. This
// mirrors the single-die-channel close pattern in smux's Session, adapted
// from "the socket broke" to "go fix the socket".
func (s *State) TriggerReconnect() (triggered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bits.Load()&uint32(Reconnect) != 0 {
		return false
	}
	s.set(Reconnect)
	s.clear(Alive)
	close(s.reconnectCh)
	s.aliveCh = make(chan struct{})
	return true
}

// AwaitReconnectSignal returns a channel that closes when TriggerReconnect is
// first called on this generation of the state.
func (s *State) AwaitReconnectSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectCh
}

// MarkReconnected clears the Reconnect bit, restores Alive, and opens a
// fresh reconnect-signal channel for the next failure, waking everyone
// blocked on AwaitAlive. Closing aliveCh is guarded: the very first
// connection attempt runs without an intervening TriggerReconnect (a
// fresh State already reports Alive, per New), so aliveCh may already be
// closed when this is called the first time.
func (s *State) MarkReconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(Reconnect)
	s.set(Alive)
	s.reconnectCh = make(chan struct{})
	select {
	case <-s.aliveCh:
	default:
		close(s.aliveCh)
	}
}

// AwaitAlive returns a channel that closes the next time the connection
// transitions (back) into the Alive state.
func (s *State) AwaitAlive() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveCh
}

// Close marks the connection permanently closed. Idempotent.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.set(Closed)
	s.clear(Alive)
	select {
	case <-s.aliveCh:
	default:
		close(s.aliveCh)
	}
}
