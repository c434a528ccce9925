// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package options defines the client's tunable configuration, loadable
// either from a YAML file or built up in-process with functional setters.
package options

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds every tunable documented in section 6 of the
// specification. Zero-valued fields are replaced with Defaults() by
// Normalize.
type Options struct {
	Address string `yaml:"address"`
	Login   string `yaml:"login"`
	Password string `yaml:"password"`

	// SharedBufferSize is the capacity, in bytes, of the shared and writer
	// buffers.
	SharedBufferSize int `yaml:"shared_buffer_size"`
	// DirectWriteFactor (0, 1] is the threshold, as a fraction of
	// SharedBufferSize, at or above which a packet bypasses the shared
	// buffer and is written directly.
	DirectWriteFactor float64 `yaml:"direct_write_factor"`
	// WriteTimeout bounds how long a caller waits for space to become
	// available in the shared buffer. It does not bound acquiring the
	// buffer lock or the write lock, and a direct write is not bounded
	// by it.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// OperationExpiry is the default per-request deadline applied when a
	// request does not set its own.
	OperationExpiry time.Duration `yaml:"operation_expiry"`
	// InitTimeout bounds how long the client constructor waits for the
	// initial connection before reporting failure.
	InitTimeout time.Duration `yaml:"init_timeout"`
	// PredictedFutures is an initial capacity hint for the request
	// registry's pending map.
	PredictedFutures int `yaml:"predicted_futures"`

	// RetryCount, when positive, caps the supervisor's reconnect attempts.
	// ConnectionTimeout is the default TCP provider's dial timeout and also
	// the supervisor's pacing interval between reconnect attempts.
	RetryCount        int           `yaml:"retry_count"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// UseNewCall selects the CALL opcode over OLD_CALL for function
	// invocations.
	UseNewCall bool `yaml:"use_new_call"`

	// WriterThreadPriority and ReaderThreadPriority are accepted as OS
	// scheduling hints; no component reads them, so they have no effect.
	WriterThreadPriority int `yaml:"writer_thread_priority"`
	ReaderThreadPriority int `yaml:"reader_thread_priority"`

	// ClusterDiscoveryEntryFunction names the remote function the cluster
	// overlay calls to discover addresses; empty disables discovery.
	ClusterDiscoveryEntryFunction string        `yaml:"cluster_discovery_entry_function"`
	ClusterDiscoveryDelay         time.Duration `yaml:"cluster_discovery_delay"`

	// Logging configures internal/logging.NewLogger.
	Logging LoggingOptions `yaml:"logging"`
}

// LoggingOptions configures the client's structured logger.
type LoggingOptions struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// Defaults returns the baseline Options used to fill in anything left
// unset by a caller or a loaded file.
func Defaults() Options {
	return Options{
		SharedBufferSize:      16 * 1024 * 1024,
		DirectWriteFactor:     0.5,
		WriteTimeout:          5 * time.Second,
		OperationExpiry:       30 * time.Second,
		InitTimeout:           10 * time.Second,
		PredictedFutures:      256,
		RetryCount:            3,
		ConnectionTimeout:     5 * time.Second,
		ClusterDiscoveryDelay: 30 * time.Second,
		Logging: LoggingOptions{
			Level:  "info",
			Format: "json",
		},
	}
}

// Normalize fills any zero-valued tunable in o with its Defaults()
// counterpart, in place.
func (o *Options) Normalize() {
	d := Defaults()
	if o.SharedBufferSize == 0 {
		o.SharedBufferSize = d.SharedBufferSize
	}
	if o.DirectWriteFactor == 0 {
		o.DirectWriteFactor = d.DirectWriteFactor
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.OperationExpiry == 0 {
		o.OperationExpiry = d.OperationExpiry
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.PredictedFutures == 0 {
		o.PredictedFutures = d.PredictedFutures
	}
	if o.RetryCount == 0 {
		o.RetryCount = d.RetryCount
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = d.ConnectionTimeout
	}
	if o.ClusterDiscoveryDelay == 0 {
		o.ClusterDiscoveryDelay = d.ClusterDiscoveryDelay
	}
	if o.Logging.Level == "" {
		o.Logging.Level = d.Logging.Level
	}
	if o.Logging.Format == "" {
		o.Logging.Format = d.Logging.Format
	}
}

// Validate reports a *ClientUseError-worthy problem with o, if any.
func (o *Options) Validate() error {
	if o.Address == "" {
		return fmt.Errorf("options: address is required")
	}
	if o.DirectWriteFactor <= 0 || o.DirectWriteFactor > 1 {
		return fmt.Errorf("options: direct_write_factor must be in (0, 1], got %v", o.DirectWriteFactor)
	}
	if o.SharedBufferSize <= 0 {
		return fmt.Errorf("options: shared_buffer_size must be positive, got %d", o.SharedBufferSize)
	}
	return nil
}

// Load reads Options from a YAML file at path, normalizes defaults, and
// validates the result.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("options: reading %s: %w", path, err)
	}

	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("options: parsing %s: %w", path, err)
	}

	o.Normalize()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// DirectWriteThreshold returns the byte size, in the [0, SharedBufferSize]
// range, at or above which a packet is written directly instead of through
// the shared buffer: ceil(DirectWriteFactor * SharedBufferSize).
func (o *Options) DirectWriteThreshold() int {
	threshold := o.DirectWriteFactor * float64(o.SharedBufferSize)
	t := int(threshold)
	if float64(t) < threshold {
		t++
	}
	return t
}
