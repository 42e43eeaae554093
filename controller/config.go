// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package controller

import (
	"fmt"
	"runtime"

	"go.uber.org/multierr"

	"github.com/exascience/elsort/codec"
	"github.com/exascience/elsort/digest"
	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/mergesort"
	"github.com/exascience/elsort/metrics"
	"github.com/exascience/elsort/records"
)

// Defaults of Config.
const (
	DefaultBlocks       = 64
	DefaultFlushRecords = 1 << 20
)

// Config is the configuration of a Controller.
type Config struct {
	// Blocks is the number of blocks of each block pool.
	Blocks int
	// BlockSize is the capacity of the blocks that hold compressed
	// input members and decompressed payloads.
	BlockSize int
	// Workers is the number of worker goroutines.
	Workers int
	// SortThreshold is the maximum number of records sorted by one
	// leaf of the merge sort.
	SortThreshold int
	// FlushRecords and FlushBytes bound the size of one sort batch.
	FlushRecords int
	FlushBytes   int64

	// Format frames the decompressed stream into records.
	Format records.Format
	// Compare orders the records. A nil Compare keeps input order.
	Compare records.Compare
	// InputCodec and OutputCodec frame the input and output streams.
	InputCodec  codec.Codec
	OutputCodec codec.Codec
	// Digest, when not nil, is updated with every byte written.
	Digest digest.Digest

	Logger  *logger.Logger
	Metrics *metrics.Pipeline
}

// Validate fills in defaults and checks the configuration for
// consistency. All problems found are reported together.
func (cfg *Config) Validate() (errs error) {
	invalid := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]interface{}{fault.ErrConfig}, args...)...))
	}
	if cfg.InputCodec == nil {
		c, err := codec.BGZF(-1)
		if err != nil {
			return err
		}
		cfg.InputCodec = c
	}
	if cfg.OutputCodec == nil {
		c, err := codec.BGZF(-1)
		if err != nil {
			return err
		}
		cfg.OutputCodec = c
	}
	if cfg.Format == nil {
		cfg.Format = records.LengthPrefixed
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger("controller")
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Workers < 1 {
		invalid("%v workers", cfg.Workers)
	}
	if cfg.Blocks == 0 {
		cfg.Blocks = DefaultBlocks
	}
	if cfg.Blocks < 1 {
		invalid("%v blocks per pool", cfg.Blocks)
	}
	need := cfg.InputCodec.MaxMember()
	if payload := cfg.InputCodec.MaxPayload(); payload > need {
		need = payload
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = need
	}
	if cfg.BlockSize < need {
		invalid("block size %v is smaller than the %v bytes of one %v member", cfg.BlockSize, need, cfg.InputCodec.Name())
	}
	if cfg.SortThreshold == 0 {
		cfg.SortThreshold = mergesort.DefaultThreshold
	}
	if cfg.SortThreshold < 1 {
		invalid("sort threshold %v", cfg.SortThreshold)
	}
	if cfg.FlushRecords == 0 {
		cfg.FlushRecords = DefaultFlushRecords
	}
	if cfg.FlushRecords < 1 {
		invalid("flush threshold of %v records", cfg.FlushRecords)
	}
	if cfg.FlushBytes == 0 {
		cfg.FlushBytes = int64(cfg.Blocks) * int64(cfg.BlockSize) / 2
	}
	if cfg.FlushBytes < 1 {
		invalid("flush threshold of %v bytes", cfg.FlushBytes)
	}
	return errs
}

// flushBlocks is the number of pinned blocks that forces a flush. A
// batch never pins more than half of the decompressed pool, so the
// next batch can fill while the previous one is sorted.
func (cfg *Config) flushBlocks() int {
	if n := cfg.Blocks / 2; n > 0 {
		return n
	}
	return 1
}
