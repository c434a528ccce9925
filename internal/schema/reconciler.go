// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package schema reconciles the client's view of the server's schema
// version against WRONG_SCHEMA_VERSION responses, holding affected
// requests until a refresh catches the client back up.
package schema

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/iproto-client/internal/connstate"
	"github.com/nishisan-dev/iproto-client/internal/registry"
)

// Catalog is the external collaborator owning schema-version truth. It is
// supplied by the caller and treated as out of scope: this package only
// drives it through the three methods below.
type Catalog interface {
	// IsInitialized reports whether the catalog has ever completed a
	// successful Refresh.
	IsInitialized() bool
	// Version returns the catalog's current schema version.
	Version() uint64
	// Refresh pulls the latest schema definitions from the server.
	Refresh(ctx context.Context) error
}

// Redispatcher resends a delayed request now that the schema has caught
// up. It is supplied by the client (Client or ClusterClient), which
// re-registers the request and hands it to its write path.
type Redispatcher func(entry registry.DelayedEntry)

// RetryInterval is the `@every` interval used to retry a failed schema
// refresh, matching the teacher's fixed-interval scheduling idiom.
const RetryInterval = "@every 300ms"

// Reconciler owns the schema-updating gate for one connection: it decides
// when a WRONG_SCHEMA_VERSION response should hold its request rather than
// fail it, drives Catalog.Refresh, and drains the registry's delayed queue
// once the refresh completes.
type Reconciler struct {
	logger   *slog.Logger
	catalog  Catalog
	reg      *registry.Registry
	redisp   Redispatcher
	cron     *cron.Cron
	retryID  cron.EntryID

	// mu is section 5's schema-lock: the first lock in the documented
	// ordering (schema-lock, then the cluster overlay's discovery-lock, then
	// the connection's buffer/write-lock). Exec holds it for read only long
	// enough to decide its dispatch branch and, on the immediate-dispatch
	// path, hand bytes to the write path's own bounded attempt; TriggerRefresh
	// and drain hold it for write while flipping SCHEMA_UPDATING and
	// redispatching the delayed queue, so a dispatch decision never observes
	// a catalog version that is about to be invalidated mid-decision.
	mu sync.RWMutex
	// gate models section 3/4.5's SCHEMA_UPDATING bit directly (rather than a
	// private bool), via connstate's one-shot CAS guard: updateSchema only
	// ever starts one refresh at a time, and this is the same acquire/release
	// pair that bit names in the connection-state bitset. A Reconciler owns
	// its gate independently of any one connection's own connstate.State,
	// since a schema refresh is keyed to the shared catalog, not to whichever
	// physical socket happens to be carrying requests right now.
	gate *connstate.State

	// probesMu guards probes on its own, separate from mu: SubmitProbe is
	// called from Exec while mu's read lock is still held (the optimistic
	// sync-probe is recorded as part of deciding Exec's dispatch branch), so
	// probes cannot share mu without a reader-then-writer self-deadlock on
	// the very same goroutine.
	probesMu sync.Mutex
	probes   map[uint64]probeRecord
}

// RLock/RUnlock expose the schema read-lock from section 4.3 steps 1-5 to
// Exec: held only around resolving a request's arguments, checking
// catalog readiness, and deciding (and on the happy path, submitting) its
// dispatch branch.
func (r *Reconciler) RLock()   { r.mu.RLock() }
func (r *Reconciler) RUnlock() { r.mu.RUnlock() }

// probeRecord links an in-flight sync-probe PING to the dependent request
// it gates, per the cyclic-ownership note: the link is an index kept here,
// not a strong owning reference, and both the probe and the dependent's
// Future are actually owned by the registry.
type probeRecord struct {
	dependentSync uint64
	resolutionErr error
}

// New returns a Reconciler. redispatch is invoked, from the cron goroutine
// or from the goroutine TriggerRefresh starts, for every request released
// from the delayed queue.
func New(logger *slog.Logger, catalog Catalog, reg *registry.Registry, redispatch Redispatcher) *Reconciler {
	return &Reconciler{
		logger:  logger.With("component", "schema_reconciler"),
		catalog: catalog,
		reg:     reg,
		redisp:  redispatch,
		cron:    cron.New(),
		gate:    connstate.New(),
		probes:  make(map[uint64]probeRecord),
	}
}

// SubmitProbe records that probeSync is an internal sync-probe PING gating
// dependentSync, whose arguments could not be resolved against the current
// schema with error resolutionErr. The caller must already have delayed
// dependentSync in the registry, and must actually send the PING itself —
// this call only records the bookkeeping link. Callable while the caller
// still holds RLock (Exec does, to decide and record the probe branch
// atomically with its dispatch decision): probesMu is independent of mu, so
// this never has to take mu itself.
func (r *Reconciler) SubmitProbe(probeSync, dependentSync uint64, resolutionErr error) {
	r.probesMu.Lock()
	defer r.probesMu.Unlock()
	r.probes[probeSync] = probeRecord{dependentSync: dependentSync, resolutionErr: resolutionErr}
}

// HandleProbeResponse processes the response to a sync-probe PING
// previously registered with SubmitProbe. wrongSchema reports whether the
// PING's response code was WRONG_SCHEMA_VERSION. It reports whether a
// matching probe was found; a miss means probeSync is not a registered
// probe (an ordinary response) and nothing is done. If the probe matches
// but its dependent already left the delayed queue by some other path
// (e.g. a timeout), the dependent is left alone, per design note (a).
func (r *Reconciler) HandleProbeResponse(ctx context.Context, probeSync uint64, wrongSchema bool) bool {
	r.probesMu.Lock()
	rec, found := r.probes[probeSync]
	if found {
		delete(r.probes, probeSync)
	}
	r.probesMu.Unlock()
	if !found {
		return false
	}

	if wrongSchema {
		// The cache genuinely is stale: run the normal upgrade path. The
		// dependent stays in the delayed queue and is redispatched once the
		// refresh completes, per TriggerRefresh/drain.
		r.TriggerRefresh(ctx)
		return true
	}

	// The schema is current, so the dependent's unresolved names are
	// genuinely unknown: fail it with the original resolution error rather
	// than refreshing.
	if future, ok := r.reg.TakeDelayed(rec.dependentSync); ok {
		future.Fail(rec.resolutionErr)
	}
	return true
}

// NeedsRefresh reports whether a response code indicates the client's
// schema is stale and should be reconciled before the request is
// considered failed.
func NeedsRefresh(code uint32, isWrongSchemaVersion func(uint32) bool) bool {
	return isWrongSchemaVersion(code)
}

// HandleStaleResponse delays the request identified by sync and kicks off
// a refresh attempt if one is not already in flight. It returns whether the
// sync id was actually pending (and so was delayed).
func (r *Reconciler) HandleStaleResponse(ctx context.Context, sync uint64) bool {
	delayed := r.reg.Delay(sync)
	if delayed {
		r.TriggerRefresh(ctx)
	}
	return delayed
}

// TriggerRefresh starts a refresh attempt unless one is already running,
// acquiring section 4.5's SCHEMA_UPDATING guard before doing anything else.
// On failure it schedules a retry at RetryInterval via robfig/cron, rather
// than looping with a hand-rolled timer, exactly as the teacher schedules
// its periodic maintenance tasks.
func (r *Reconciler) TriggerRefresh(ctx context.Context) {
	r.mu.Lock()
	started := r.gate.TryBeginSchemaUpdate()
	r.mu.Unlock()
	if !started {
		return
	}
	go r.attemptRefresh(ctx)
}

func (r *Reconciler) attemptRefresh(ctx context.Context) {
	err := r.catalog.Refresh(ctx)
	if err != nil {
		r.logger.Warn("schema refresh failed, scheduling retry", "error", err)
		r.scheduleRetry(ctx)
		return
	}

	r.mu.Lock()
	r.cancelRetryLocked()
	r.drainLocked()
	r.mu.Unlock()
	r.gate.EndSchemaUpdate()
}

// scheduleRetry arms a one-shot-by-convention cron entry: the entry fires
// on RetryInterval, attempts exactly one more refresh, and removes itself
// on success, leaving SCHEMA_UPDATING held until then so concurrent stale
// responses fold into the same retry rather than piling up duplicate
// attempts.
func (r *Reconciler) scheduleRetry(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retryID != 0 {
		return
	}
	r.cron.Start()
	id, err := r.cron.AddFunc(RetryInterval, func() { r.attemptRefresh(ctx) })
	if err != nil {
		r.logger.Error("failed to schedule schema refresh retry", "error", err)
		r.gate.EndSchemaUpdate()
		return
	}
	r.retryID = id
}

func (r *Reconciler) cancelRetryLocked() {
	if r.retryID == 0 {
		return
	}
	r.cron.Remove(r.retryID)
	r.retryID = 0
}

// drainLocked releases every request the registry is holding for a stale
// schema, per the unsigned-sync-id order the registry already enforces.
// Called under the schema write-lock (section 4.5): every redispatched
// request is re-registered and handed to the write path before
// SCHEMA_UPDATING is released, so Exec never observes a half-drained queue.
func (r *Reconciler) drainLocked() {
	for _, entry := range r.reg.DrainDelayed() {
		r.redisp(entry)
	}
}

// Stop releases the reconciler's cron scheduler. Safe to call even if no
// retry was ever scheduled.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRetryLocked()
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// IsRefreshing reports whether a refresh attempt is currently outstanding
// (including the retry-scheduled state).
func (r *Reconciler) IsRefreshing() bool {
	return r.gate.Has(connstate.SchemaUpdating)
}
