// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iproto

import (
	"fmt"
	"time"

	"github.com/nishisan-dev/iproto-client/internal/protocol"
)

// ArgCell is one element of a Request's argument list: either an
// already-resolved wire value, or a deferred lookup (e.g. a space or
// index name awaiting resolution against the schema catalog) that fails
// until the catalog knows the name. See section 4.3/9: the "is
// serializable" predicate for a request is a fold over its cells.
type ArgCell interface {
	Resolve() (interface{}, error)
}

type valueCell struct{ v interface{} }

func (c valueCell) Resolve() (interface{}, error) { return c.v, nil }

// Value wraps an already wire-ready argument (a literal, a previously
// resolved numeric id, a nested tuple) as an ArgCell.
func Value(v interface{}) ArgCell { return valueCell{v} }

type deferredCell struct {
	lookup func() (interface{}, error)
}

func (c deferredCell) Resolve() (interface{}, error) { return c.lookup() }

// Deferred wraps a schema-dependent lookup as an ArgCell. lookup should
// return an error until the backing catalog is initialized and the name
// it looks up is actually known, per the deferred-argument design in
// section 9.
func Deferred(lookup func() (interface{}, error)) ArgCell { return deferredCell{lookup} }

// resolveCells folds Resolve over cells, returning the first error
// encountered. A nil cells slice resolves to an empty, successful result.
func resolveCells(cells []ArgCell) ([]interface{}, error) {
	out := make([]interface{}, len(cells))
	for i, c := range cells {
		v, err := c.Resolve()
		if err != nil {
			return nil, fmt.Errorf("iproto: resolving argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Request is one logical call dispatched through Client.Exec. BuildBody
// receives the request's cells already resolved to wire values, in the
// same order as Args, and must produce the opcode-appropriate body map.
type Request struct {
	// Opcode selects the operation; OpCall is rewritten to OpCallOld by
	// the client automatically when Options.UseNewCall is false.
	Opcode protocol.Opcode
	// Args are this request's argument cells, resolved before BuildBody
	// runs. A space/index name lookup belongs here as a Deferred cell.
	Args []ArgCell
	// BuildBody constructs the request body from the resolved argument
	// values. resolved is a fresh slice built for each transmission, so
	// BuildBody may keep it in the body it returns.
	BuildBody func(resolved []interface{}) protocol.Body
	// Deadline overrides Options.OperationExpiry for this request; zero
	// means use the client's default.
	Deadline time.Duration
}

func (r *Request) resolve() ([]interface{}, error) { return resolveCells(r.Args) }

func (r *Request) body(resolved []interface{}) protocol.Body {
	if r.BuildBody == nil {
		return protocol.Body{}
	}
	return r.BuildBody(resolved)
}

// Select builds a SELECT request. iterator follows the iproto iterator
// type encoding (0 = EQ, 2 = ALL, etc.); pass 0 for the common case of an
// exact-match or empty key.
func Select(space, index ArgCell, key ArgCell, limit, offset uint32, iterator uint32) *Request {
	return &Request{
		Opcode: protocol.OpSelect,
		Args:   []ArgCell{space, index, key},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{
				protocol.KeySpace:    v[0],
				protocol.KeyIndex:    v[1],
				protocol.KeyKey:      v[2],
				protocol.KeyLimit:    limit,
				protocol.KeyOffset:   offset,
				protocol.KeyIterator: iterator,
			}
		},
	}
}

// Insert builds an INSERT request for a single tuple.
func Insert(space ArgCell, tuple ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpInsert,
		Args:   []ArgCell{space, tuple},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeySpace: v[0], protocol.KeyTuple: v[1]}
		},
	}
}

// Replace builds a REPLACE request for a single tuple.
func Replace(space ArgCell, tuple ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpReplace,
		Args:   []ArgCell{space, tuple},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeySpace: v[0], protocol.KeyTuple: v[1]}
		},
	}
}

// Update builds an UPDATE request against a single key, with ops as the
// sequence of update operations in the wire's own encoding.
func Update(space, index ArgCell, key, ops ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpUpdate,
		Args:   []ArgCell{space, index, key, ops},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{
				protocol.KeySpace: v[0], protocol.KeyIndex: v[1],
				protocol.KeyKey: v[2], protocol.KeyOps: v[3],
			}
		},
	}
}

// Upsert builds an UPSERT request: tuple if no matching row exists,
// otherwise ops applied to the existing row.
func Upsert(space ArgCell, tuple, ops ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpUpsert,
		Args:   []ArgCell{space, tuple, ops},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeySpace: v[0], protocol.KeyTuple: v[1], protocol.KeyOps: v[2]}
		},
	}
}

// Delete builds a DELETE request against a single key.
func Delete(space, index ArgCell, key ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpDelete,
		Args:   []ArgCell{space, index, key},
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeySpace: v[0], protocol.KeyIndex: v[1], protocol.KeyKey: v[2]}
		},
	}
}

// Call builds a function-invocation request. useNewCall, resolved at
// dispatch time from the client's Options, picks CALL over OLD_CALL.
func Call(function string, args ...ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpCall,
		Args:   args,
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeyFunctionName: function, protocol.KeyArgs: v}
		},
	}
}

// Eval builds a Lua-expression evaluation request.
func Eval(expr string, args ...ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpEval,
		Args:   args,
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeyExpr: expr, protocol.KeyArgs: v}
		},
	}
}

// Execute builds a SQL EXECUTE request. bind are the statement's bind
// parameters, any of which may itself be a Deferred cell.
func Execute(sql string, bind ...ArgCell) *Request {
	return &Request{
		Opcode: protocol.OpExecute,
		Args:   bind,
		BuildBody: func(v []interface{}) protocol.Body {
			return protocol.Body{protocol.KeySQLText: sql, protocol.KeySQLBind: v}
		},
	}
}
