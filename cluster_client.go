// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iproto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/iproto-client/internal/cluster"
	"github.com/nishisan-dev/iproto-client/internal/connstate"
	"github.com/nishisan-dev/iproto-client/internal/engine"
	"github.com/nishisan-dev/iproto-client/internal/logging"
	"github.com/nishisan-dev/iproto-client/internal/protocol"
	"github.com/nishisan-dev/iproto-client/internal/registry"
	"github.com/nishisan-dev/iproto-client/internal/rows"
	"github.com/nishisan-dev/iproto-client/internal/schema"
	"github.com/nishisan-dev/iproto-client/internal/supervisor"
)

// ClusterClient is the cluster-overlay variant of Client described in
// section 4.7: the same dispatch and schema-reconciliation machinery, but
// fanned out over a discovered, changing set of member connections instead
// of one fixed address. registerOperation's discovery-read-lock and
// fail's transient/not classification live in internal/cluster; this type
// wires that collaborator up to the same Request/registry/schema plumbing
// Client uses. The two share the free-standing toUint64 helper; buildResult
// is duplicated as a method on each type, and classifySubmitErr is used by
// Client only.
type ClusterClient struct {
	opts    *Options
	logger  *slog.Logger
	codec   *protocol.Codec
	reg     *registry.Registry
	catalog Catalog

	reconciler *schema.Reconciler
	clu        *cluster.Cluster

	syncCounter atomic.Uint64
	reqStore    sync.Map // uint64 -> *Request

	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClusterClient dials every address in seedAddresses, performing the
// greeting/AUTH handshake on each, and returns a ClusterClient once the
// seed set is up; if any seed does not come up within InitTimeout, it
// returns an error instead.
// If opts.ClusterDiscoveryEntryFunction is set, periodic membership
// discovery is started against it, per section 4.7's discovery task.
func NewClusterClient(opts Options, catalog Catalog, logger *slog.Logger, seedAddresses []string) (*ClusterClient, error) {
	o := opts
	o.Normalize()
	if err := o.Validate(); err != nil {
		return nil, &ClientUseError{Cause: err}
	}
	if len(seedAddresses) == 0 {
		return nil, &ClientUseError{Cause: fmt.Errorf("iproto: cluster client requires at least one seed address")}
	}
	if logger == nil {
		logger, _ = logging.NewLogger(o.Logging.Level, o.Logging.Format, o.Logging.FilePath)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &ClusterClient{
		opts:      &o,
		logger:    logger,
		codec:     protocol.NewCodec(o.UseNewCall),
		reg:       registry.NewWithCapacity(o.PredictedFutures),
		catalog:   catalog,
		runCtx:    runCtx,
		runCancel: cancel,
	}
	c.reconciler = schema.New(logger, catalog, c.reg, c.redispatch)

	var discoverFn cluster.DiscoveryFunc
	if o.ClusterDiscoveryEntryFunction != "" {
		discoverFn = c.discover
	}

	// Cluster.New is constructed (but not seeded) before c.clu is assigned,
	// so memberFactory's FailSinkFor(address) call below has a live *Cluster
	// to close over once Seed actually starts dialing members.
	c.clu = cluster.New(&o, logger, c.memberFactory, discoverFn)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), o.InitTimeout)
	defer seedCancel()
	if err := c.clu.Seed(seedCtx, seedAddresses); err != nil {
		cancel()
		c.reconciler.Stop()
		return nil, err
	}
	c.clu.StartDiscovery(runCtx)
	c.reconciler.TriggerRefresh(context.Background())
	return c, nil
}

// memberFactory dials address, runs its supervisor for the lifetime of the
// cluster client, and blocks (bounded by opts.InitTimeout, independent of
// whichever caller's ctx invoked it — a discovery-triggered reconnect has
// no natural deadline of its own) until the handshake completes or the
// supervisor gives up.
func (c *ClusterClient) memberFactory(ctx context.Context, address string) (*cluster.Member, error) {
	memberOpts := *c.opts
	memberOpts.Address = address

	state := connstate.New()
	provider := newTCPProvider(&memberOpts)
	handshake := defaultHandshake(&memberOpts, c.codec)
	// Each member's own Supervisor gets a FailSink scoped to its address
	// (via c.clu, already assigned before Seed dials any member) instead of
	// the cluster-wide c.reg, so one member's connection death reclaims only
	// the requests actually in flight on it — see cluster.FailSinkFor.
	sup := supervisor.New(provider, handshake, &memberOpts, c.logger, state, c.clu.FailSinkFor(address), c.codec, c.handleFrame, func() {
		c.reconciler.TriggerRefresh(context.Background())
		if c.clu != nil {
			c.clu.OnReconnect(context.Background(), address)
		}
	})

	go func() {
		if err := sup.Run(c.runCtx); err != nil {
			c.logger.Debug("cluster member supervisor run loop exited", "address", address, "error", err)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()
	select {
	case <-sup.Connected():
	case <-waitCtx.Done():
		sup.Close()
		return nil, &TimeoutError{Cause: fmt.Errorf("iproto: member %s: no connection within init timeout", address)}
	}
	if err := sup.Thumbstone(); err != nil {
		return nil, err
	}
	return &cluster.Member{Address: address, Supervisor: sup}, nil
}

// discover calls the configured discovery entry function on whichever
// member is currently reachable and decodes its return tuple as a list of
// node addresses.
func (c *ClusterClient) discover(ctx context.Context) ([]string, error) {
	rs, err := c.ExecSync(ctx, Call(c.opts.ClusterDiscoveryEntryFunction))
	if err != nil {
		return nil, err
	}
	if rs == nil || rs.Len() == 0 {
		return nil, nil
	}
	row := rs.Row(0)
	addrs := make([]string, 0, row.Len())
	for i := 0; i < row.Len(); i++ {
		s, ok, err := row.String(i)
		if err != nil {
			return nil, fmt.Errorf("iproto: decoding cluster discovery result: %w", err)
		}
		if ok {
			addrs = append(addrs, s)
		}
	}
	return addrs, nil
}

func (c *ClusterClient) nextSync() uint64 { return c.syncCounter.Add(1) }

func (c *ClusterClient) resolveOpcode(op protocol.Opcode) protocol.Opcode {
	if op == protocol.OpCall || op == protocol.OpCallOld {
		return c.codec.CallOpcode()
	}
	return op
}

// Exec is ClusterClient's counterpart to Client.Exec: the same dispatch
// decision tree, but frame submission is routed through the cluster
// overlay's member-retry-and-hold logic instead of a single supervisor.
func (c *ClusterClient) Exec(ctx context.Context, req *Request) *registry.Future {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = c.opts.OperationExpiry
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)

	// Section 5's lock order: schema-lock first, then the discovery-lock
	// Dispatch itself acquires — never the reverse.
	c.reconciler.RLock()
	defer c.reconciler.RUnlock()

	resolved, resolveErr := req.resolve()
	initialized := c.catalog.IsInitialized()

	sync := c.nextSync()
	future := c.reg.Register(sync)
	c.reqStore.Store(sync, req)
	c.armTimeout(reqCtx, cancel, future)

	switch {
	case resolveErr == nil && initialized:
		c.dispatchNow(reqCtx, sync, req, resolved, future)
	case resolveErr != nil && initialized:
		c.reg.Delay(sync)
		c.submitProbe(reqCtx, sync, resolveErr)
	default:
		c.reg.Delay(sync)
	}
	return future
}

func (c *ClusterClient) armTimeout(ctx context.Context, cancel context.CancelFunc, future *registry.Future) {
	go func() {
		defer cancel()
		select {
		case <-future.Done():
		case <-ctx.Done():
			err := ctx.Err()
			if err == context.DeadlineExceeded {
				future.Fail(&TimeoutError{Cause: err})
			} else {
				future.Fail(&ClientUseError{Cause: err})
			}
		}
	}()
}

func (c *ClusterClient) dispatchNow(ctx context.Context, sync uint64, req *Request, resolved []interface{}, future *registry.Future) {
	opcode := c.resolveOpcode(req.Opcode)
	schemaVersion := c.catalog.Version()
	frame, err := c.codec.EncodeRequest(sync, opcode, schemaVersion, req.body(resolved))
	if err != nil {
		c.reg.Forget(sync)
		c.reqStore.Delete(sync)
		future.Fail(&ClientUseError{Cause: err})
		return
	}
	if err := c.clu.Dispatch(ctx, sync, frame, future); err != nil && !cluster.IsTransient(err) {
		// Dispatch already failed future directly; Forget only drops the now
		// orphaned registry entry, since no response will ever correlate to it.
		c.reg.Forget(sync)
		c.reqStore.Delete(sync)
	}
}

func (c *ClusterClient) submitProbe(ctx context.Context, dependentSync uint64, resolveErr error) {
	probeSync := c.nextSync()
	probeFuture := c.reg.Register(probeSync)
	c.reconciler.SubmitProbe(probeSync, dependentSync, resolveErr)

	frame, err := c.codec.EncodeRequest(probeSync, protocol.OpPing, c.catalog.Version(), nil)
	if err != nil {
		c.reg.Forget(probeSync)
		probeFuture.Fail(&ClientUseError{Cause: err})
		return
	}
	if err := c.clu.Dispatch(ctx, probeSync, frame, probeFuture); err != nil && !cluster.IsTransient(err) {
		c.reg.Forget(probeSync)
	}
}

func (c *ClusterClient) loadRequest(sync uint64) (*Request, bool) {
	v, ok := c.reqStore.Load(sync)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

func (c *ClusterClient) takeRequest(sync uint64) (*Request, bool) {
	v, ok := c.reqStore.LoadAndDelete(sync)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

// handleFrame is wired as the FrameHandler for every member's supervisor:
// whichever member's reader goroutine receives a response for a given
// sync id runs this, so completion is correlated purely by sync id,
// independent of which physical connection carried it.
func (c *ClusterClient) handleFrame(header protocol.Header, body protocol.Body) {
	ctx := context.Background()

	if c.reconciler.HandleProbeResponse(ctx, header.Sync, protocol.IsWrongSchemaVersion(header.Code)) {
		c.reg.Forget(header.Sync)
		c.clu.Forget(header.Sync)
		return
	}

	// A response arrived, so this sync is no longer in flight on whichever
	// member carried it; completeWrongSchema's resend branch and
	// holdTransient re-add it via Dispatch/Hold as appropriate.
	c.clu.Forget(header.Sync)

	switch {
	case header.Code == protocol.CodeOK:
		c.completeSuccess(header, body)
	case protocol.IsWrongSchemaVersion(header.Code):
		c.completeWrongSchema(ctx, header)
	default:
		c.completeError(header, body)
	}
}

func (c *ClusterClient) completeSuccess(header protocol.Header, body protocol.Body) {
	req, hasReq := c.takeRequest(header.Sync)
	result, err := c.buildResult(req, hasReq, body)
	if err != nil {
		c.reg.FailPending(header.Sync, &ClientUseError{Cause: err})
	} else {
		c.reg.Resolve(header.Sync, result)
	}
	if header.SchemaID > c.catalog.Version() {
		c.reconciler.TriggerRefresh(context.Background())
	}
}

// completeError fails the originating caller with a ServerError, unless
// the error is flagged Transient, in which case it is held for redispatch
// against another member instead, per section 4.7's fail() classification.
func (c *ClusterClient) completeError(header protocol.Header, body protocol.Body) {
	msg, _ := body[protocol.KeyError].(string)
	serverErr := &ServerError{Code: header.Code, Message: msg}

	if serverErr.Transient() && c.holdTransient(header.Sync) {
		return
	}

	c.reqStore.Delete(header.Sync)
	c.reg.FailPending(header.Sync, serverErr)
}

// holdTransient re-encodes the original request at the current schema
// version and places it in the cluster overlay's retry-hold map rather
// than failing the caller. It reports whether the request was still
// locatable (pending registry entry plus its stored Request); a miss
// falls through to the normal failure path in completeError.
func (c *ClusterClient) holdTransient(sync uint64) bool {
	future, ok := c.reg.Peek(sync)
	if !ok {
		return false
	}
	req, ok := c.loadRequest(sync)
	if !ok {
		return false
	}
	resolved, err := req.resolve()
	if err != nil {
		return false
	}
	opcode := c.resolveOpcode(req.Opcode)
	frame, err := c.codec.EncodeRequest(sync, opcode, c.catalog.Version(), req.body(resolved))
	if err != nil {
		return false
	}
	c.clu.Hold(sync, frame, future)
	return true
}

func (c *ClusterClient) completeWrongSchema(ctx context.Context, header protocol.Header) {
	if header.SchemaID > c.catalog.Version() {
		c.reconciler.HandleStaleResponse(ctx, header.Sync)
		return
	}

	req, hasReq := c.loadRequest(header.Sync)
	if !hasReq {
		c.reg.FailPending(header.Sync, &CommunicationError{Cause: fmt.Errorf("iproto: missing request for sync %d on schema retry", header.Sync)})
		return
	}
	resolved, err := req.resolve()
	if err != nil {
		c.reqStore.Delete(header.Sync)
		c.reg.FailPending(header.Sync, &ClientUseError{Cause: err})
		return
	}
	opcode := c.resolveOpcode(req.Opcode)
	frame, err := c.codec.EncodeRequest(header.Sync, opcode, c.catalog.Version(), req.body(resolved))
	if err != nil {
		c.reqStore.Delete(header.Sync)
		c.reg.FailPending(header.Sync, &ClientUseError{Cause: err})
		return
	}
	future, ok := c.reg.Peek(header.Sync)
	if !ok {
		// Already settled (timeout raced this same-version resend) or
		// already failed via completeError; nothing left to resend.
		c.reqStore.Delete(header.Sync)
		return
	}
	if err := c.clu.Dispatch(ctx, header.Sync, frame, future); err != nil && !cluster.IsTransient(err) {
		c.reg.Forget(header.Sync)
		c.reqStore.Delete(header.Sync)
	}
}

// redispatch is handed to the schema reconciler as its Redispatcher,
// exactly as Client.redispatch is, but resends through the cluster
// overlay's Dispatch rather than a single supervisor's Submit.
func (c *ClusterClient) redispatch(entry registry.DelayedEntry) {
	select {
	case <-entry.Future.Done():
		c.reqStore.Delete(entry.Sync)
		return
	default:
	}

	req, ok := c.loadRequest(entry.Sync)
	if !ok {
		entry.Future.Fail(fmt.Errorf("iproto: missing request for delayed sync %d", entry.Sync))
		return
	}
	resolved, err := req.resolve()
	if err != nil {
		c.reqStore.Delete(entry.Sync)
		entry.Future.Fail(err)
		return
	}
	opcode := c.resolveOpcode(req.Opcode)
	frame, err := c.codec.EncodeRequest(entry.Sync, opcode, c.catalog.Version(), req.body(resolved))
	if err != nil {
		c.reqStore.Delete(entry.Sync)
		entry.Future.Fail(&ClientUseError{Cause: err})
		return
	}

	c.reg.Requeue(entry.Sync, entry.Future)
	if err := c.clu.Dispatch(context.Background(), entry.Sync, frame, entry.Future); err != nil && !cluster.IsTransient(err) {
		c.reg.Forget(entry.Sync)
		c.reqStore.Delete(entry.Sync)
	}
}

// buildResult mirrors Client.buildResult; kept as a method (rather than
// sharing Client's) only because it needs no state beyond req/body, but
// duplicating the tiny wrapper keeps ClusterClient free of a dependency on
// the single-connection Client type.
func (c *ClusterClient) buildResult(req *Request, hasReq bool, body protocol.Body) (*rows.ResultSet, error) {
	if sqlInfoRaw, ok := body[protocol.KeySQLInfo]; ok {
		sqlInfo, ok := sqlInfoRaw.(map[uint8]interface{})
		if !ok {
			return nil, fmt.Errorf("iproto: SQL_INFO field is %T, want a map", sqlInfoRaw)
		}
		rowCount, _ := toUint64(sqlInfo[protocol.SQLInfoRowCount])
		var autoIDs []uint64
		if raw, ok := sqlInfo[protocol.SQLInfoAutoIncrementIDs].([]interface{}); ok {
			autoIDs = make([]uint64, 0, len(raw))
			for _, v := range raw {
				id, _ := toUint64(v)
				autoIDs = append(autoIDs, id)
			}
		}
		return rows.FromSQLInfo(rowCount, autoIDs), nil
	}

	data, ok := body[protocol.KeyData]
	if !ok || data == nil {
		return rows.Empty(), nil
	}
	arr, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("iproto: DATA field is %T, want an array", data)
	}
	singleRow := hasReq && req.Opcode.SingleRow()
	return rows.FromData(arr, singleRow)
}

// ExecSync dispatches req and blocks until its Future settles.
func (c *ClusterClient) ExecSync(ctx context.Context, req *Request) (*rows.ResultSet, error) {
	v, err := c.Exec(ctx, req).Wait()
	if err != nil {
		return nil, err
	}
	rs, _ := v.(*rows.ResultSet)
	return rs, nil
}

// ExecAsync dispatches req and returns its Future immediately.
func (c *ClusterClient) ExecAsync(ctx context.Context, req *Request) *registry.Future {
	return c.Exec(ctx, req)
}

// ExecFireAndForget dispatches req without ever observing its outcome.
func (c *ClusterClient) ExecFireAndForget(ctx context.Context, req *Request) {
	c.Exec(ctx, req)
}

// Ping sends a PING against any currently reachable member.
func (c *ClusterClient) Ping(ctx context.Context) error {
	_, err := c.ExecSync(ctx, &Request{Opcode: protocol.OpPing})
	return err
}

// IsAlive reports whether at least one member connection is currently
// usable.
func (c *ClusterClient) IsAlive() bool { return c.clu.IsAlive() }

// IsClosed reports whether Close has been called.
func (c *ClusterClient) IsClosed() bool { return c.closed.Load() }

// WaitAlive polls until at least one member is alive or ctx is done. The
// cluster overlay has no single connstate to block on (membership itself
// changes over time), so unlike Client.WaitAlive this is poll-based rather
// than signaled by a single channel close.
func (c *ClusterClient) WaitAlive(ctx context.Context) error {
	if c.IsAlive() {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.IsAlive() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MemberCount reports how many members are currently tracked, for tests
// and diagnostics.
func (c *ClusterClient) MemberCount() int { return c.clu.MemberCount() }

// HeldCount reports how many requests are currently held for retry against
// another member, for tests and diagnostics.
func (c *ClusterClient) HeldCount() int { return c.clu.HeldCount() }

// Close permanently shuts the cluster client down: discovery stops, every
// member supervisor stops reconnecting, the schema reconciler's scheduler
// is released, and every in-flight request fails.
func (c *ClusterClient) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.runCancel != nil {
			c.runCancel()
		}
		c.clu.Stop()
		c.reconciler.Stop()
	})
	return nil
}

var _ engine.FrameHandler = (*ClusterClient)(nil).handleFrame
