// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rows provides an in-memory view over a decoded response's DATA
// field: a set of tuples, each exposed through typed accessors rather than
// handing the caller a raw []interface{} to type-switch on themselves.
package rows

import (
	"errors"
	"fmt"
)

// ErrNumericConversion is returned by a typed accessor when the underlying
// value cannot be represented in the requested numeric type without losing
// information, e.g. reading a uint64 field larger than MaxInt64 with Int64.
var ErrNumericConversion = errors.New("rows: value cannot be represented in the requested type")

// ErrColumnOutOfRange is returned by an accessor given a column index
// outside [0, len(row)).
var ErrColumnOutOfRange = errors.New("rows: column index out of range")

// Row is one decoded tuple. Column values keep whatever concrete type the
// wire codec produced (msgpack ints decode as int64/uint64, strings as
// string, nested arrays/maps as []interface{}/map[uint8]interface{} and so
// on); Row's job is to convert those on demand rather than at decode time,
// since most callers only read a handful of columns from a tuple.
type Row []interface{}

// Len returns the number of columns in the row.
func (r Row) Len() int { return len(r) }

// IsNull reports whether column i holds a wire nil. A column index outside
// the row's bounds is also reported as null, matching the permissive read
// used by variable-width result tuples (e.g. CALL return values).
func (r Row) IsNull(i int) bool {
	if i < 0 || i >= len(r) {
		return true
	}
	return r[i] == nil
}

// Raw returns column i's value with no conversion applied.
func (r Row) Raw(i int) (interface{}, error) {
	if i < 0 || i >= len(r) {
		return nil, ErrColumnOutOfRange
	}
	return r[i], nil
}

// Int64 reads column i as an int64. A null column reads as the primitive
// zero value (0), matching the distinction drawn in section 3 between a
// primitive column (where the wire does not distinguish "absent" from
// "zero") and a reference-typed column (where null is observable via
// IsNull). Any non-numeric or out-of-range value is ErrNumericConversion.
func (r Row) Int64(i int) (int64, error) {
	v, err := r.Raw(i)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > (1<<63 - 1) {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrNumericConversion, n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
}

// Uint64 reads column i as a uint64, with the same null-as-zero and
// overflow-checked conversion rules as Int64.
func (r Row) Uint64(i int) (uint64, error) {
	v, err := r.Raw(i)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrNumericConversion, n)
		}
		return uint64(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrNumericConversion, n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrNumericConversion, n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
}

// Float64 reads column i as a float64, accepting both float and integer
// wire representations.
func (r Row) Float64(i int) (float64, error) {
	v, err := r.Raw(i)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
}

// String reads column i as a string. Unlike the numeric accessors, a null
// string column is a true null: String returns ("", false) to let the
// caller distinguish an empty string from absence, rather than silently
// collapsing them, since string is a reference type in the data model.
func (r Row) String(i int) (string, bool, error) {
	v, err := r.Raw(i)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	switch s := v.(type) {
	case string:
		return s, true, nil
	case []byte:
		return string(s), true, nil
	default:
		return "", false, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
}

// Bool reads column i as a bool. Null reads as false.
func (r Row) Bool(i int) (bool, error) {
	v, err := r.Raw(i)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
	return b, nil
}

// Bytes reads column i as a byte slice, accepting both a wire binary value
// and a string (msgpack does not always distinguish the two on decode).
// A null column is a true null, reported via ok == false, matching String.
func (r Row) Bytes(i int) (b []byte, ok bool, err error) {
	v, err := r.Raw(i)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	switch val := v.(type) {
	case []byte:
		return val, true, nil
	case string:
		return []byte(val), true, nil
	default:
		return nil, false, fmt.Errorf("%w: column %d holds %T", ErrNumericConversion, i, v)
	}
}

// ResultSet is the decoded DATA payload of a response: either one row, for
// single-row opcodes (EVAL, CALL, OLD_CALL), or many, for tuple-returning
// opcodes (SELECT, INSERT, REPLACE, UPDATE, DELETE, UPSERT). RowCount and
// AutoIncrementIDs are populated only for EXECUTE responses against
// DDL/DML statements, which carry no row data at all.
type ResultSet struct {
	rows             []Row
	singleRow        bool
	RowCount         uint64
	AutoIncrementIDs []uint64
}

// FromData builds a ResultSet from a decoded DATA array and the opcode that
// produced it, applying the single-row/multi-row construction rule from
// section 3: EVAL/CALL/OLD_CALL responses are a list of return values
// treated as one row, everything else is a list of tuples treated as one
// row per tuple.
func FromData(data []interface{}, singleRow bool) (*ResultSet, error) {
	if singleRow {
		return &ResultSet{rows: []Row{Row(data)}, singleRow: true}, nil
	}

	out := make([]Row, 0, len(data))
	for idx, item := range data {
		tuple, ok := item.([]interface{})
		if !ok {
			return nil, fmt.Errorf("rows: element %d of DATA is %T, want a tuple array", idx, item)
		}
		out = append(out, Row(tuple))
	}
	return &ResultSet{rows: out, singleRow: false}, nil
}

// Empty returns a ResultSet with no rows, used for responses that carry no
// DATA field at all (e.g. a bare-OK DML response).
func Empty() *ResultSet { return &ResultSet{} }

// FromSQLInfo builds a row-count-only ResultSet from a decoded SQL_INFO
// body map, for an EXECUTE response against a DDL/DML statement that
// returned no row data.
func FromSQLInfo(rowCount uint64, autoIncrementIDs []uint64) *ResultSet {
	return &ResultSet{RowCount: rowCount, AutoIncrementIDs: autoIncrementIDs}
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int { return len(rs.rows) }

// Row returns row i. It panics on an out-of-range index, matching the
// convention that callers check Len before indexing, the same contract
// Go slices themselves expose.
func (rs *ResultSet) Row(i int) Row { return rs.rows[i] }

// SingleRow reports whether this ResultSet was constructed from a
// single-row opcode response.
func (rs *ResultSet) SingleRow() bool { return rs.singleRow }

// Rows returns every row in order. The returned slice must not be mutated.
func (rs *ResultSet) Rows() []Row { return rs.rows }
