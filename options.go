// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package iproto

import (
	"time"

	"github.com/nishisan-dev/iproto-client/internal/options"
)

// Options is the client's tunable configuration. See internal/options for
// the field-by-field contract; this alias keeps the public surface to a
// single importable type while letting every internal package share the
// same struct without an import cycle back into the root package.
type Options = options.Options

// LoggingOptions configures the client's structured logger.
type LoggingOptions = options.LoggingOptions

// DefaultOptions returns the baseline Options used to fill in anything a
// caller leaves unset.
func DefaultOptions() Options { return options.Defaults() }

// LoadOptionsFile reads Options from a YAML file at path.
func LoadOptionsFile(path string) (*Options, error) { return options.Load(path) }

// WithAddress sets the server address to dial.
func WithAddress(addr string) func(*Options) { return func(o *Options) { o.Address = addr } }

// WithCredentials sets the AUTH login/password pair.
func WithCredentials(login, password string) func(*Options) {
	return func(o *Options) { o.Login = login; o.Password = password }
}

// WithSharedBufferSize sets the shared/writer buffer capacity in bytes.
func WithSharedBufferSize(bytes int) func(*Options) {
	return func(o *Options) { o.SharedBufferSize = bytes }
}

// WithDirectWriteFactor sets the fraction of SharedBufferSize at or above
// which a packet bypasses the shared buffer.
func WithDirectWriteFactor(factor float64) func(*Options) {
	return func(o *Options) { o.DirectWriteFactor = factor }
}

// WithUseNewCall selects the CALL opcode over OLD_CALL for function
// invocations.
func WithUseNewCall(useNewCall bool) func(*Options) {
	return func(o *Options) { o.UseNewCall = useNewCall }
}

// WithOperationExpiry sets the default per-request deadline.
func WithOperationExpiry(d time.Duration) func(*Options) {
	return func(o *Options) { o.OperationExpiry = d }
}

// WithClusterDiscovery sets the cluster overlay's address-discovery
// entry function and polling delay.
func WithClusterDiscovery(entryFunction string, delay time.Duration) func(*Options) {
	return func(o *Options) { o.ClusterDiscoveryEntryFunction = entryFunction; o.ClusterDiscoveryDelay = delay }
}

// WithLogging configures the client's structured logger.
func WithLogging(level, format, filePath string) func(*Options) {
	return func(o *Options) { o.Logging = LoggingOptions{Level: level, Format: format, FilePath: filePath} }
}

// NewOptions builds an Options from DefaultOptions with the given
// functional setters applied, for in-process construction without a YAML
// file.
func NewOptions(setters ...func(*Options)) Options {
	o := DefaultOptions()
	for _, set := range setters {
		set(&o)
	}
	return o
}
