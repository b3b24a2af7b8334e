// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package fpga provides the emulated FPGA backend.
//
// Importing the package registers two 512 MiB boards for tensor.FPGA(i).
// Configure replaces the board set:
//
//	fpga.Configure(fpga.Config{Devices: 4, MemoryBytes: 1 << 30})
package fpga

import (
	internalfpga "github.com/born-ml/deepgraph/internal/backend/fpga"
	"github.com/born-ml/deepgraph/tensor"
)

// Backend is one emulated board.
type Backend = internalfpga.Backend

// Config describes the emulated boards.
type Config = internalfpga.Config

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// DefaultConfig returns two boards with 512 MiB each.
func DefaultConfig() Config { return internalfpga.DefaultConfig() }

// Configure re-registers the FPGA backend with cfg.
func Configure(cfg Config) { internalfpga.Configure(cfg) }
