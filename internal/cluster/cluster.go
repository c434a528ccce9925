// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cluster layers transient-error retry, address discovery, and
// fail-over re-dispatch over a set of per-node supervisors, each running
// the same single-connection engine the core client uses.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/iproto-client/internal/options"
	"github.com/nishisan-dev/iproto-client/internal/registry"
	"github.com/nishisan-dev/iproto-client/internal/supervisor"
)

// Member is one node's connection supervisor, addressable for discovery
// and fail-over bookkeeping.
type Member struct {
	Address    string
	Supervisor *supervisor.Supervisor
}

// MemberFactory dials and supervises a newly discovered node address.
type MemberFactory func(ctx context.Context, address string) (*Member, error)

// DiscoveryFunc calls the cluster's configured discovery entry point
// (Options.ClusterDiscoveryEntryFunction) against any live member and
// returns the current set of node addresses. Supplied by the caller: the
// RPC shape of the discovery call is out of scope for this package.
type DiscoveryFunc func(ctx context.Context) ([]string, error)

// heldRequest is a request the cluster overlay is retrying against a
// different member after a transient failure, keyed by its own sync id in
// the same map+mutex shape as the request registry itself.
type heldRequest struct {
	frame  []byte
	future *registry.Future
}

// inflightEntry tracks a request whose bytes have actually been handed to
// one member's supervisor and whose response has not yet arrived, so that
// member's connection death can be scoped to exactly the requests it is
// carrying instead of the whole cluster's in-flight set.
type inflightEntry struct {
	address string
	frame   []byte
	future  *registry.Future
}

// Cluster coordinates a set of Member supervisors behind one logical
// client: it classifies errors as transient (hold and retry elsewhere) or
// not (fail the caller), and periodically refreshes membership.
type Cluster struct {
	opts    *options.Options
	logger  *slog.Logger
	factory MemberFactory
	discover DiscoveryFunc

	cron       *cron.Cron
	discoveryID cron.EntryID

	// discoveryMu is section 5's discovery-lock, the second lock in the
	// documented order (after the schema-lock, before any buffer/write-lock).
	// Dispatch holds it for read so membership refresh cannot swap the
	// member set out from under an in-progress dispatch decision;
	// removeMember holds it for write (try-lock, abandoning on contention)
	// before actually tearing a stale member down.
	discoveryMu sync.RWMutex

	mu       sync.Mutex
	members  map[string]*Member
	nextIdx  int
	holding  map[uint64]heldRequest
	inflight map[uint64]inflightEntry
}

// New returns an empty Cluster; call Seed to dial the initial member set.
// Construction is split from seeding so FailSinkFor has a live *Cluster to
// close over before factory (which builds each member's Supervisor) is
// ever invoked.
func New(opts *options.Options, logger *slog.Logger, factory MemberFactory, discover DiscoveryFunc) *Cluster {
	return &Cluster{
		opts:     opts,
		logger:   logger.With("component", "cluster"),
		factory:  factory,
		discover: discover,
		cron:     cron.New(),
		members:  make(map[string]*Member),
		holding:  make(map[uint64]heldRequest),
		inflight: make(map[uint64]inflightEntry),
	}
}

// Seed dials every address in addrs via the configured MemberFactory and
// adds each as a member, failing fast on the first dial error.
func (c *Cluster) Seed(ctx context.Context, addrs []string) error {
	for _, addr := range addrs {
		if err := c.addMember(ctx, addr); err != nil {
			return fmt.Errorf("cluster: seeding member %s: %w", addr, err)
		}
	}
	return nil
}

func (c *Cluster) addMember(ctx context.Context, addr string) error {
	m, err := c.factory(ctx, addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.members[addr] = m
	c.mu.Unlock()
	return nil
}

// StartDiscovery schedules the periodic membership refresh at
// Options.ClusterDiscoveryDelay using the same robfig/cron `@every`
// primitive the schema reconciler uses for its retry ticks.
func (c *Cluster) StartDiscovery(ctx context.Context) {
	if c.discover == nil {
		return
	}
	c.cron.Start()
	id, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.opts.ClusterDiscoveryDelay), func() {
		c.refreshMembership(ctx)
	})
	if err != nil {
		c.logger.Error("failed to schedule cluster discovery", "error", err)
		return
	}
	c.discoveryID = id
}

func (c *Cluster) refreshMembership(ctx context.Context) {
	addrs, err := c.discover(ctx)
	if err != nil {
		c.logger.Warn("cluster discovery failed", "error", err)
		return
	}

	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}

	c.mu.Lock()
	var toAdd []string
	for a := range want {
		if _, ok := c.members[a]; !ok {
			toAdd = append(toAdd, a)
		}
	}
	var toRemove []string
	for a := range c.members {
		if !want[a] {
			toRemove = append(toRemove, a)
		}
	}
	c.mu.Unlock()

	for _, a := range toAdd {
		if err := c.addMember(ctx, a); err != nil {
			c.logger.Warn("failed to add discovered cluster member", "address", a, "error", err)
		}
	}
	for _, a := range toRemove {
		c.removeMember(a)
	}
}

// removeMember drops addr once discovery no longer reports it as a member,
// per section 4.7: only "if the currently connected address is no longer a
// member and pending-responses is zero" does it acquire the discovery
// write-lock (try-lock; abandon if contended) and stop I/O. A member still
// carrying in-flight requests, or a discovery-lock that is momentarily
// contended by a concurrent Dispatch, is left in place for the next
// refresh cycle to reconsider rather than forced closed.
func (c *Cluster) removeMember(addr string) {
	c.mu.Lock()
	m, ok := c.members[addr]
	c.mu.Unlock()
	if !ok {
		return
	}

	if m.Supervisor.PendingResponses() != 0 {
		c.logger.Debug("deferring removal of stale cluster member with responses still pending", "address", addr)
		return
	}
	if !c.discoveryMu.TryLock() {
		c.logger.Debug("discovery write-lock contended, deferring member removal", "address", addr)
		return
	}
	defer c.discoveryMu.Unlock()

	c.mu.Lock()
	delete(c.members, addr)
	c.mu.Unlock()
	m.Supervisor.Close()
}

// Stop releases the discovery cron schedule and every member's supervisor.
func (c *Cluster) Stop() {
	if c.discoveryID != 0 {
		c.cron.Remove(c.discoveryID)
	}
	doneCtx := c.cron.Stop()
	<-doneCtx.Done()

	c.mu.Lock()
	members := c.members
	c.members = nil
	c.mu.Unlock()
	for _, m := range members {
		m.Supervisor.Close()
	}
}

// IsTransient classifies an error observed while dispatching a request to
// a member as retryable elsewhere (connection not currently up, node
// unreachable) versus a genuine server-side rejection, which must be
// surfaced to the caller as-is.
func IsTransient(err error) bool {
	return errors.Is(err, supervisor.ErrNotConnected) || errors.Is(err, supervisor.ErrTransient)
}

// Dispatch submits frame (identified by sync) to one member, retrying on
// another member if the first returns a transient error. On a transient
// failure from every currently known member, the request is held for
// redispatch by OnReconnect. A non-transient error fails future directly.
// It holds the discovery read-lock for its whole body (section 4.7's
// "registerOperation wraps the base call in a discovery read-lock"), so a
// concurrent membership refresh cannot remove the very member this call is
// about to submit to.
func (c *Cluster) Dispatch(ctx context.Context, sync uint64, frame []byte, future *registry.Future) error {
	c.discoveryMu.RLock()
	defer c.discoveryMu.RUnlock()

	members := c.snapshotMembers()
	if len(members) == 0 {
		err := fmt.Errorf("cluster: no members available")
		future.Fail(err)
		return err
	}

	var lastErr error
	for _, m := range members {
		err := m.Supervisor.Submit(ctx, frame)
		if err == nil {
			c.recordInflight(sync, m.Address, frame, future)
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			future.Fail(err)
			return err
		}
		c.logger.Warn("transient dispatch failure, trying another member", "address", m.Address, "error", err)
	}

	c.mu.Lock()
	c.holding[sync] = heldRequest{frame: frame, future: future}
	c.mu.Unlock()
	return lastErr
}

// recordInflight notes that sync's bytes were just accepted by address's
// connection, so a later death of that one connection can reclaim exactly
// this request (see reclaimMember) instead of every member's.
func (c *Cluster) recordInflight(sync uint64, address string, frame []byte, future *registry.Future) {
	c.mu.Lock()
	c.inflight[sync] = inflightEntry{address: address, frame: frame, future: future}
	c.mu.Unlock()
}

// Forget clears any bookkeeping for sync once its response has arrived (a
// success, a non-retried failure, or a superseding redispatch), so a later
// member death never tries to reclaim an already-settled request.
func (c *Cluster) Forget(sync uint64) {
	c.mu.Lock()
	delete(c.inflight, sync)
	delete(c.holding, sync)
	c.mu.Unlock()
}

// Hold places a request directly into the retry-hold map without trying
// any member first, used when a member responded at all but with a
// server error flagged transient (§4.7's fail() classification) rather
// than a submit-level failure Dispatch itself would have observed.
func (c *Cluster) Hold(sync uint64, frame []byte, future *registry.Future) {
	c.mu.Lock()
	delete(c.inflight, sync)
	c.holding[sync] = heldRequest{frame: frame, future: future}
	c.mu.Unlock()
}

// reclaimMember redrives every request currently in flight on address
// against the cluster's surviving members instead of failing it: a
// communication error is always transient in the cluster overlay's fail()
// classification (section 4.7), so whatever this member was carrying when
// its connection died is handed straight back to Dispatch, which completes
// it via whichever member is still reachable (section 8 scenario 4) and
// falls back to the retry-hold map itself if every member currently fails
// transiently. Scopes the blast radius of one member's death to just the
// requests actually in flight on it.
func (c *Cluster) reclaimMember(address string) {
	type reclaimed struct {
		sync uint64
		e    inflightEntry
	}

	c.mu.Lock()
	var entries []reclaimed
	for sync, e := range c.inflight {
		if e.address != address {
			continue
		}
		entries = append(entries, reclaimed{sync: sync, e: e})
		delete(c.inflight, sync)
	}
	c.mu.Unlock()

	for _, r := range entries {
		if err := c.Dispatch(context.Background(), r.sync, r.e.frame, r.e.future); err != nil && !IsTransient(err) {
			// Dispatch already failed r.e.future directly.
			continue
		}
	}
}

// failMember fails every request currently in flight on address with err
// outright, used only when that member is being permanently closed by the
// caller (Cluster.Stop/removeMember), as opposed to a transient connection
// death that reclaimMember instead holds for retry elsewhere.
func (c *Cluster) failMember(address string, err error) {
	c.mu.Lock()
	var entries []inflightEntry
	for sync, e := range c.inflight {
		if e.address != address {
			continue
		}
		entries = append(entries, e)
		delete(c.inflight, sync)
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.future.Fail(err)
	}
}

// memberFailSink adapts one member's address into a supervisor.FailSink,
// routing that member's die()/giveUp() failures into the cluster's
// transient-retry classification (reclaimMember) instead of an
// unconditional fail-everything, except when the member is being
// permanently closed by the caller, which does fail outright.
type memberFailSink struct {
	address string
	cluster *Cluster
}

func (s *memberFailSink) FailAll(err error) {
	if errors.Is(err, supervisor.ErrClosedByCaller) {
		s.cluster.failMember(s.address, err)
		return
	}
	s.cluster.reclaimMember(s.address)
}

// FailSinkFor returns the supervisor.FailSink a member's own Supervisor
// should be constructed with, per the fix to section 4.7's fail-over
// model: each member's connection-death blast radius is scoped to exactly
// the requests this package recorded as in flight on that one member
// (Dispatch/recordInflight), rather than a registry shared cluster-wide.
func (c *Cluster) FailSinkFor(address string) supervisor.FailSink {
	return &memberFailSink{address: address, cluster: c}
}

// snapshotMembers returns the current members in a round-robin-rotated
// order, so repeated calls spread load/retry attempts across the set
// rather than always starting from the same member.
func (c *Cluster) snapshotMembers() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.members) == 0 {
		return nil
	}
	out := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	c.nextIdx = (c.nextIdx + 1) % len(out)
	return append(out[c.nextIdx:], out[:c.nextIdx]...)
}

// OnReconnect re-dispatches every currently held request (held requests are
// not keyed by member) onto the member at address, called once that
// member's supervisor reports it is alive again.
func (c *Cluster) OnReconnect(ctx context.Context, address string) {
	c.mu.Lock()
	m, ok := c.members[address]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	held := c.holding
	c.holding = make(map[uint64]heldRequest)
	c.mu.Unlock()

	for sync, req := range held {
		if err := m.Supervisor.Submit(ctx, req.frame); err != nil {
			c.mu.Lock()
			c.holding[sync] = req
			c.mu.Unlock()
			continue
		}
		c.recordInflight(sync, address, req.frame, req.future)
	}
}

// IsAlive reports whether at least one member's connection is currently
// usable.
func (c *Cluster) IsAlive() bool {
	for _, m := range c.snapshotMembers() {
		if m.Supervisor.IsAlive() {
			return true
		}
	}
	return false
}

// MemberCount reports how many members are currently tracked.
func (c *Cluster) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// HeldCount reports how many requests are currently waiting for a member
// to come back up, for tests and diagnostics.
func (c *Cluster) HeldCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.holding)
}
