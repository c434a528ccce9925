// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package iproto is a client for a remote key-value/SQL database speaking
// a MessagePack-framed binary request/response protocol: many concurrent
// callers share one duplex socket with pipelined, out-of-order responses,
// coordinated against a versioned remote schema and an explicit
// connect/live/reconnect/close lifecycle.
package iproto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/iproto-client/internal/connstate"
	"github.com/nishisan-dev/iproto-client/internal/engine"
	"github.com/nishisan-dev/iproto-client/internal/logging"
	"github.com/nishisan-dev/iproto-client/internal/protocol"
	"github.com/nishisan-dev/iproto-client/internal/registry"
	"github.com/nishisan-dev/iproto-client/internal/rows"
	"github.com/nishisan-dev/iproto-client/internal/schema"
	"github.com/nishisan-dev/iproto-client/internal/supervisor"
)

// Catalog is the external schema-catalog collaborator a Client is built
// against: it is out of scope per section 1 of the specification, owned
// and refreshed by the caller, consulted here only through this
// interface. It is a re-export of internal/schema.Catalog so callers never
// need to import an internal package to implement it.
type Catalog = schema.Catalog

// Client drives one iproto connection: dispatch (Exec), the schema
// reconciliation and connection-lifecycle machinery that keeps it
// coherent, and the typed façades (ExecSync/ExecAsync/ExecFireAndForget)
// built on top of the single Exec primitive.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	codec   *protocol.Codec
	state   *connstate.State
	reg     *registry.Registry
	catalog Catalog

	reconciler *schema.Reconciler
	sup        *supervisor.Supervisor

	syncCounter atomic.Uint64
	reqStore    sync.Map // uint64 -> *Request

	runCancel context.CancelFunc
	closeOnce sync.Once
}

// NewClient dials opts.Address, performs the greeting/AUTH handshake, and
// returns a Client once the connection is alive; if InitTimeout elapses
// first, it returns a TimeoutError instead.
// catalog is the caller-owned schema catalog this client reconciles
// against; logger may be nil, in which case one is built from
// opts.Logging.
func NewClient(opts Options, catalog Catalog, logger *slog.Logger) (*Client, error) {
	o := opts
	o.Normalize()
	if err := o.Validate(); err != nil {
		return nil, &ClientUseError{Cause: err}
	}
	if logger == nil {
		logger, _ = logging.NewLogger(o.Logging.Level, o.Logging.Format, o.Logging.FilePath)
	}

	c := &Client{
		opts:    &o,
		logger:  logger,
		codec:   protocol.NewCodec(o.UseNewCall),
		state:   connstate.New(),
		reg:     registry.NewWithCapacity(o.PredictedFutures),
		catalog: catalog,
	}
	c.syncCounter.Store(0)

	c.reconciler = schema.New(logger, catalog, c.reg, c.redispatch)

	provider := newTCPProvider(&o)
	handshake := defaultHandshake(&o, c.codec)
	c.sup = supervisor.New(provider, handshake, &o, logger, c.state, c.reg, c.codec, c.handleFrame, c.onReconnected)

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	go func() {
		if err := c.sup.Run(runCtx); err != nil {
			logger.Debug("supervisor run loop exited", "error", err)
		}
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), o.InitTimeout)
	defer initCancel()
	select {
	case <-c.sup.Connected():
	case <-initCtx.Done():
		c.Close()
		return nil, &TimeoutError{Cause: fmt.Errorf("iproto: no connection within init timeout")}
	}
	if err := c.sup.Thumbstone(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// onReconnected triggers an initial (and every subsequent, post-reconnect)
// schema refresh, per section 4.6.
func (c *Client) onReconnected() {
	c.reconciler.TriggerRefresh(context.Background())
}

// nextSync returns the next monotonically increasing sync id.
func (c *Client) nextSync() uint64 { return c.syncCounter.Add(1) }

func (c *Client) resolveOpcode(op protocol.Opcode) protocol.Opcode {
	if op == protocol.OpCall || op == protocol.OpCallOld {
		return c.codec.CallOpcode()
	}
	return op
}

// Exec is the core dispatch primitive of section 4.3: it assigns req a
// sync id, decides (under the branches of step 1-5) whether to dispatch
// it now or hold it pending schema readiness, and returns its Future.
func (c *Client) Exec(ctx context.Context, req *Request) *registry.Future {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = c.opts.OperationExpiry
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)

	// Section 4.3 step 1: the schema read-lock is held only long enough to
	// decide the dispatch branch and, on the happy path, hand the bytes to
	// the write path's own bounded attempt, per section 5's lock order
	// (schema-lock first, then buffer/write-lock) — never the reverse.
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
		// Schema not initialized yet: hold the request regardless of
		// whether its arguments already resolve (steps 3-4), since there
		// is no current schema version to stamp it with.
		c.reg.Delay(sync)
	}
	return future
}

// armTimeout fails future with a TimeoutError once ctx's deadline passes,
// unless it has already settled. The registry entry is deliberately left
// in place (pending or delayed): the spec's tombstone semantics mean a
// late response is simply discarded when Future's single-assignment
// already has a winner.
func (c *Client) armTimeout(ctx context.Context, cancel context.CancelFunc, future *registry.Future) {
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

func (c *Client) dispatchNow(ctx context.Context, sync uint64, req *Request, resolved []interface{}, future *registry.Future) {
	opcode := c.resolveOpcode(req.Opcode)
	schemaVersion := c.catalog.Version()
	frame, err := c.codec.EncodeRequest(sync, opcode, schemaVersion, req.body(resolved))
	if err != nil {
		c.reg.Forget(sync)
		c.reqStore.Delete(sync)
		future.Fail(&ClientUseError{Cause: err})
		return
	}
	c.submitFrame(ctx, sync, frame, future)
}

// submitFrame hands frame to the supervisor's current engine, honoring
// Options.WriteTimeout independently of the request's own deadline. On
// failure the registry entry is removed and the request's Future fails,
// per the "on write failure, remove from the map and fail the future"
// rule of section 4.3 step 5.
func (c *Client) submitFrame(ctx context.Context, sync uint64, frame []byte, future *registry.Future) {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.sup.Submit(writeCtx, frame); err != nil {
		c.reg.Forget(sync)
		c.reqStore.Delete(sync)
		future.Fail(classifySubmitErr(err))
	}
}

func classifySubmitErr(err error) error {
	switch err {
	case engine.ErrWriteTimeout:
		return &TimeoutError{Cause: err}
	default:
		return &CommunicationError{Cause: err}
	}
}

// submitProbe sends the internal sync-probe PING gating dependentSync, per
// section 4.5's optimistic-probe design: the engine does not refresh
// eagerly when it sees unresolved names against an already-initialized
// catalog, it asks the server whether the cache is actually stale first.
func (c *Client) submitProbe(ctx context.Context, dependentSync uint64, resolveErr error) {
	probeSync := c.nextSync()
	probeFuture := c.reg.Register(probeSync)
	c.reconciler.SubmitProbe(probeSync, dependentSync, resolveErr)

	frame, err := c.codec.EncodeRequest(probeSync, protocol.OpPing, c.catalog.Version(), nil)
	if err != nil {
		c.reg.Forget(probeSync)
		probeFuture.Fail(&ClientUseError{Cause: err})
		return
	}
	c.submitFrame(ctx, probeSync, frame, probeFuture)
}

// loadRequest returns the Request stored for sync without removing it.
func (c *Client) loadRequest(sync uint64) (*Request, bool) {
	v, ok := c.reqStore.Load(sync)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

// takeRequest returns and removes the Request stored for sync.
func (c *Client) takeRequest(sync uint64) (*Request, bool) {
	v, ok := c.reqStore.LoadAndDelete(sync)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

// handleFrame is wired to the supervisor as its FrameHandler: it runs on
// the single reader goroutine of whichever engine is currently serving
// the connection, so it must never block.
func (c *Client) handleFrame(header protocol.Header, body protocol.Body) {
	ctx := context.Background()

	if c.reconciler.HandleProbeResponse(ctx, header.Sync, protocol.IsWrongSchemaVersion(header.Code)) {
		c.reg.Forget(header.Sync)
		return
	}

	switch {
	case header.Code == protocol.CodeOK:
		c.completeSuccess(header, body)
	case protocol.IsWrongSchemaVersion(header.Code):
		c.completeWrongSchema(ctx, header)
	default:
		c.completeError(header, body)
	}
}

func (c *Client) completeSuccess(header protocol.Header, body protocol.Body) {
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

func (c *Client) completeError(header protocol.Header, body protocol.Body) {
	c.reqStore.Delete(header.Sync)
	msg, _ := body[protocol.KeyError].(string)
	c.reg.FailPending(header.Sync, &ServerError{Code: header.Code, Message: msg})
}

// completeWrongSchema implements section 4.5's WRONG_SCHEMA_VERSION
// branch: if the server is strictly ahead of the locally cached version,
// the request is held until a refresh catches the client up; otherwise it
// is resent immediately at the (already current) cached version.
func (c *Client) completeWrongSchema(ctx context.Context, header protocol.Header) {
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
	if err := c.sup.Submit(ctx, frame); err != nil {
		c.reqStore.Delete(header.Sync)
		c.reg.FailPending(header.Sync, classifySubmitErr(err))
	}
}

// redispatch is handed to the schema reconciler as its Redispatcher: it
// re-evaluates a delayed request's argument cells against the now current
// catalog and resends it, or fails it if the arguments still do not
// resolve (the optimistic-probe false-alarm path routes through here too,
// once a genuine refresh — rather than a false alarm — has occurred).
func (c *Client) redispatch(entry registry.DelayedEntry) {
	select {
	case <-entry.Future.Done():
		// Already settled (most likely a timeout fired while this entry
		// sat in the delayed queue); nothing left to redispatch.
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
	if err := c.sup.Submit(context.Background(), frame); err != nil {
		c.reg.Forget(entry.Sync)
		c.reqStore.Delete(entry.Sync)
		entry.Future.Fail(classifySubmitErr(err))
	}
}

// buildResult decodes a success response's body into a ResultSet, per
// design note (c): EVAL/CALL/OLD_CALL construct a single-row set, and a
// SQL EXECUTE against a DDL/DML statement (no DATA field, a SQL_INFO
// field instead) constructs a row-count-only set.
func (c *Client) buildResult(req *Request, hasReq bool, body protocol.Body) (*rows.ResultSet, error) {
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

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("iproto: expected an integer, got %T", v)
	}
}

// ExecSync dispatches req and blocks until its Future settles.
func (c *Client) ExecSync(ctx context.Context, req *Request) (*rows.ResultSet, error) {
	v, err := c.Exec(ctx, req).Wait()
	if err != nil {
		return nil, err
	}
	rs, _ := v.(*rows.ResultSet)
	return rs, nil
}

// ExecAsync dispatches req and returns its Future immediately, for a
// caller composing several in-flight calls itself.
func (c *Client) ExecAsync(ctx context.Context, req *Request) *registry.Future {
	return c.Exec(ctx, req)
}

// ExecFireAndForget dispatches req without ever observing its outcome.
func (c *Client) ExecFireAndForget(ctx context.Context, req *Request) {
	c.Exec(ctx, req)
}

// Ping sends a PING and blocks until it is acknowledged.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ExecSync(ctx, &Request{Opcode: protocol.OpPing})
	return err
}

// IsAlive reports whether the connection currently backing this client is
// usable for reads and writes.
func (c *Client) IsAlive() bool { return c.state.IsAlive() }

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool { return c.state.IsClosed() }

// WaitAlive blocks until the connection is alive or ctx is done.
func (c *Client) WaitAlive(ctx context.Context) error {
	select {
	case <-c.state.AwaitAlive():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close permanently shuts the client down: the supervisor stops
// reconnecting, the schema reconciler's scheduler is released, and every
// in-flight request fails with a closed-connection error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.runCancel != nil {
			c.runCancel()
		}
		c.sup.Close()
		c.reconciler.Stop()
	})
	return nil
}
