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

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/exascience/elsort/codec"
	"github.com/exascience/elsort/config"
	"github.com/exascience/elsort/controller"
	"github.com/exascience/elsort/digest"
	"github.com/exascience/elsort/internal"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/metrics"
	"github.com/exascience/elsort/records"
	"github.com/exascience/elsort/utils"
)

type sortFlags struct {
	order        string
	format       string
	outputCodec  string
	level        int
	workers      int
	blocks       int
	threshold    int
	flushRecords int
	blockSize    config.ByteSize
	flushBytes   config.ByteSize
	digest       string
	metricsFile  string
}

func newSortCmd(global *globalFlags, sorting bool) *cobra.Command {
	var flags sortFlags
	cmd := &cobra.Command{
		Use:   "sort input-file output-file",
		Short: "Sort the records of a block-compressed stream",
		Args:  cobra.ExactArgs(2),
	}
	if !sorting {
		cmd.Use = "recompress input-file output-file"
		cmd.Short = "Recompress a stream, keeping the order of its records"
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		msg := "Executing command:\n  " + strings.Join(os.Args, " ")
		return timedRun(global.timed, global.cpuProfile, msg, func() error {
			report := cmd.OutOrStdout()
			if args[1] == "-" {
				report = cmd.ErrOrStderr()
			}
			return runInterruptible(func(ctx context.Context) error {
				return runSort(ctx, &flags, sorting, args[0], args[1], report)
			})
		})
	}

	f := cmd.Flags()
	if sorting {
		f.StringVar(&flags.order, "order", "key", "the sort order: key, coordinate or queryname, prefixed with - to reverse it")
	}
	f.StringVar(&flags.format, "format", "length-prefixed", "the record format: length-prefixed or bam")
	f.StringVar(&flags.outputCodec, "output-codec", "bgzf", "the output codec: "+strings.Join(codec.Names, ", "))
	f.IntVar(&flags.level, "level", -1, "the compression level of the output codec")
	f.IntVar(&flags.workers, "workers", 0, "the number of worker threads (default GOMAXPROCS)")
	f.IntVar(&flags.blocks, "blocks", controller.DefaultBlocks, "the number of blocks of each block pool")
	f.IntVar(&flags.threshold, "sort-threshold", 0, "the maximum number of records sorted sequentially")
	f.IntVar(&flags.flushRecords, "flush-records", controller.DefaultFlushRecords, "the maximum number of records of one sort batch")
	f.Var(&flags.blockSize, "block-size", "the capacity of input blocks (default one member of the input codec)")
	f.Var(&flags.flushBytes, "flush-bytes", "the maximum number of record bytes of one sort batch (default half the block pool)")
	f.StringVar(&flags.digest, "digest", "", "print a checksum of the output: "+strings.Join(digest.Names, ", "))
	f.StringVar(&flags.metricsFile, "metrics-file", "", "write the pipeline metrics to this file in the Prometheus text format")
	return cmd
}

func (flags *sortFlags) config(sorting bool) (cfg controller.Config, err error) {
	cfg = controller.Config{
		Blocks:        flags.blocks,
		BlockSize:     int(flags.blockSize),
		Workers:       flags.workers,
		SortThreshold: flags.threshold,
		FlushRecords:  flags.flushRecords,
		FlushBytes:    int64(flags.flushBytes),
		Logger:        logger.GetLogger("controller"),
	}
	if sorting {
		if cfg.Compare, err = records.CompareByName(flags.order); err != nil {
			return cfg, err
		}
	}
	if cfg.Format, err = records.FormatByName(flags.format); err != nil {
		return cfg, err
	}
	if cfg.OutputCodec, err = codec.ByName(flags.outputCodec, flags.level); err != nil {
		return cfg, err
	}
	if flags.digest != "" {
		if cfg.Digest, err = digest.New(flags.digest); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func runSort(ctx context.Context, flags *sortFlags, sorting bool, input, output string, report io.Writer) (err error) {
	log := logger.GetLogger("cmd")
	cfg, err := flags.config(sorting)
	if err != nil {
		return err
	}
	var reg *prometheus.Registry
	if flags.metricsFile != "" {
		reg = prometheus.NewRegistry()
		cfg.Metrics = metrics.New(reg)
	}

	in, err := internal.Open(input)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, in.Close())
	}()
	src, err := utils.HandleInput(bufio.NewReaderSize(in, 1<<16), codec.DefaultChunk)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, src.Close())
	}()
	cfg.InputCodec = src.Codec

	c, err := controller.New(cfg)
	if err != nil {
		return err
	}
	if fullPath, perr := internal.FullPathname(input); perr == nil {
		log.Info().Str("input", fullPath).Str("codec", src.Codec.Name()).Bool("mapped", in.Mapped()).Msg("opened input")
	}
	out, err := internal.Create(output)
	if err != nil {
		return err
	}
	stats, err := c.Run(ctx, src, out)
	err = multierr.Append(err, out.Close())
	if err != nil {
		if output != "-" {
			_ = os.Remove(output)
		}
		return err
	}
	if reg != nil {
		if err := prometheus.WriteToTextfile(flags.metricsFile, reg); err != nil {
			return err
		}
	}
	log.Info().Str("run", stats.RunID).Int64("records", stats.Records).Int("batches", stats.Batches).
		Int64("bytes-read", stats.BytesRead).Int64("bytes-written", stats.BytesWritten).
		Dur("elapsed", stats.Elapsed).Msg("done")
	warnBatches(log, stats, sorting)
	if stats.Digest != "" {
		fmt.Fprintln(report, stats.Digest)
	}
	return nil
}

// warnBatches warns when the output of a sort consists of several
// independently sorted runs.
func warnBatches(log *logger.Logger, stats controller.Stats, sorting bool) {
	if !sorting || stats.Batches <= 1 {
		return
	}
	log.Warn().Str("run", stats.RunID).Int("batches", stats.Batches).Int64("records", stats.Records).
		Msg("input exceeded the flush thresholds: the output holds one sorted run per batch and is not globally sorted; raise --flush-records, --flush-bytes or --blocks for a single run")
}
