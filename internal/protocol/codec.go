// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes request frames and decodes response frames. It is pure and
// stateless except for the OLD_CALL/CALL capability flag, matching section
// 4.1: the codec does not own a socket.
type Codec struct {
	// UseNewCall selects CALL over OLD_CALL for function invocations.
	UseNewCall bool
}

// NewCodec returns a Codec configured from the useNewCall capability flag.
func NewCodec(useNewCall bool) *Codec {
	return &Codec{UseNewCall: useNewCall}
}

// CallOpcode returns the opcode to use for a function call, honoring the
// OLD_CALL/CALL capability flag.
func (c *Codec) CallOpcode() Opcode {
	if c.UseNewCall {
		return OpCall
	}
	return OpCallOld
}

// EncodeRequest serializes a request frame: a length prefix, followed by a
// MessagePack-encoded header map, followed by a MessagePack-encoded body
// map. The opcode is carried in the header's Code field.
func (c *Codec) EncodeRequest(sync uint64, opcode Opcode, schemaID uint64, body Body) ([]byte, error) {
	header := Header{Sync: sync, Code: uint32(opcode), SchemaID: schemaID}
	return encodeFrame(header, body)
}

// EncodeResponse serializes a response frame (used only by test doubles
// standing in for a server). Production code never encodes responses.
func EncodeResponse(header Header, body Body) ([]byte, error) {
	return encodeFrame(header, body)
}

func encodeFrame(header Header, body Body) ([]byte, error) {
	headerBytes, err := msgpack.Marshal(headerToMap(header))
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding header: %w", err)
	}
	if body == nil {
		body = Body{}
	}
	bodyBytes, err := msgpack.Marshal(map[uint8]interface{}(body))
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding body: %w", err)
	}

	total := len(headerBytes) + len(bodyBytes)
	if total > MaxFrameSize {
		return nil, ErrOversizeFrame
	}

	out := make([]byte, 4+total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	copy(out[4:], headerBytes)
	copy(out[4+len(headerBytes):], bodyBytes)
	return out, nil
}

func headerToMap(h Header) map[uint8]interface{} {
	return map[uint8]interface{}{
		KeyCode:     h.Code,
		KeySync:     h.Sync,
		KeySchemaID: h.SchemaID,
	}
}

// DecodeFrame reads one length-prefixed frame from r and decodes its header
// and body maps. A short read of the length prefix or the frame body itself
// is reported as ErrTruncatedFrame; a length prefix beyond MaxFrameSize is
// ErrOversizeFrame without having consumed the body (the caller must treat
// the connection as unrecoverable, since the byte boundary of the next
// frame cannot be located); any msgpack decoding failure is
// ErrMalformedFrame, fatal to the connection per section 4.1.
func DecodeFrame(r io.Reader) (Header, Body, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total > MaxFrameSize {
		return Header{}, nil, ErrOversizeFrame
	}

	frame := make([]byte, total)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(frame))

	var headerMap map[uint8]interface{}
	if err := dec.Decode(&headerMap); err != nil {
		return Header{}, nil, fmt.Errorf("%w: decoding header: %v", ErrMalformedFrame, err)
	}
	header, err := mapToHeader(headerMap)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var bodyMap map[uint8]interface{}
	if err := dec.Decode(&bodyMap); err != nil {
		if err == io.EOF {
			// Some responses (e.g. a bare OK to a DML call) carry no body.
			return header, Body{}, nil
		}
		return Header{}, nil, fmt.Errorf("%w: decoding body: %v", ErrMalformedFrame, err)
	}

	return header, Body(bodyMap), nil
}

func mapToHeader(m map[uint8]interface{}) (Header, error) {
	var h Header
	code, err := toUint64(m[KeyCode])
	if err != nil {
		return h, fmt.Errorf("CODE: %w", err)
	}
	h.Code = uint32(code)

	sync, err := toUint64(m[KeySync])
	if err != nil {
		return h, fmt.Errorf("SYNC: %w", err)
	}
	h.Sync = sync

	if raw, ok := m[KeySchemaID]; ok {
		schemaID, err := toUint64(raw)
		if err != nil {
			return h, fmt.Errorf("SCHEMA_ID: %w", err)
		}
		h.SchemaID = schemaID
	}
	return h, nil
}

// toUint64 normalizes the handful of integer shapes msgpack may decode a
// header field into (int64, uint64, int, uint) to a uint64.
func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
