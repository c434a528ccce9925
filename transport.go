// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iproto

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/nishisan-dev/iproto-client/internal/options"
	"github.com/nishisan-dev/iproto-client/internal/protocol"
	"github.com/nishisan-dev/iproto-client/internal/supervisor"
)

// tcpProvider dials Options.Address over plain TCP. Every dial failure is
// treated as transient: a network blip or a server mid-restart are the
// overwhelmingly common cases, and Options.RetryCount bounds how long the
// supervisor keeps trying regardless.
type tcpProvider struct {
	opts *options.Options
}

func newTCPProvider(opts *options.Options) *tcpProvider {
	return &tcpProvider{opts: opts}
}

func (p *tcpProvider) Get(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: p.opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.opts.Address)
	if err != nil {
		return nil, supervisor.Transient(err)
	}
	return conn, nil
}

// defaultHandshake reads the server's fixed-size greeting, then, if
// credentials were supplied, sends an AUTH request and waits for its
// response. It returns the schema version advertised in the AUTH
// response's header, or 0 if no AUTH was performed (the caller's schema
// catalog will pick it up on its first refresh instead).
func defaultHandshake(opts *options.Options, codec *protocol.Codec) supervisor.Handshake {
	return func(ctx context.Context, conn io.ReadWriteCloser) (uint64, error) {
		greeting := make([]byte, protocol.GreetingSize)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return 0, fmt.Errorf("iproto: reading greeting: %w", err)
		}

		if opts.Login == "" {
			return 0, nil
		}

		frame, err := codec.EncodeRequest(0, protocol.OpAuth, 0, protocol.Body{
			protocol.KeyUsername: opts.Login,
			protocol.KeyScramble: []byte(opts.Password),
		})
		if err != nil {
			return 0, fmt.Errorf("iproto: encoding AUTH request: %w", err)
		}
		if _, err := conn.Write(frame); err != nil {
			return 0, fmt.Errorf("iproto: sending AUTH request: %w", err)
		}

		header, body, err := protocol.DecodeFrame(conn)
		if err != nil {
			return 0, fmt.Errorf("iproto: decoding AUTH response: %w", err)
		}
		if protocol.IsError(header.Code) {
			msg, _ := body[protocol.KeyError].(string)
			return 0, &ServerError{Code: header.Code, Message: msg}
		}
		return header.SchemaID, nil
	}
}
