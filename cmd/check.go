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
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/exascience/elsort/codec"
	"github.com/exascience/elsort/digest"
	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/internal"
	"github.com/exascience/elsort/records"
	"github.com/exascience/elsort/utils"
	"github.com/exascience/elsort/utils/bgzf"
)

type checkFlags struct {
	order  string
	format string
	digest string
}

// CheckResult describes a checked stream.
type CheckResult struct {
	Codec       string
	HeaderBytes int
	Records     int64
	RecordBytes int64
	Sorted      bool
	Digest      string
}

func newCheckCmd(global *globalFlags) *cobra.Command {
	var flags checkFlags
	cmd := &cobra.Command{
		Use:   "check input-file",
		Short: "Check the framing, the records and optionally the order of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return timedRun(global.timed, global.cpuProfile, "Checking "+args[0], func() error {
				return runInterruptible(func(ctx context.Context) error {
					result, err := Check(ctx, args[0], flags.format, flags.order, flags.digest)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "codec: %v\nheader bytes: %v\nrecords: %v\nrecord bytes: %v\n",
						result.Codec, result.HeaderBytes, result.Records, result.RecordBytes)
					if flags.order != "" {
						fmt.Fprintf(out, "sorted by %v: %v\n", flags.order, result.Sorted)
					}
					if result.Digest != "" {
						fmt.Fprintf(out, "digest: %v\n", result.Digest)
					}
					if flags.order != "" && !result.Sorted {
						return fmt.Errorf("%v is not sorted by %v", args[0], flags.order)
					}
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.format, "format", "length-prefixed", "the record format: length-prefixed or bam")
	f.StringVar(&flags.order, "order", "", "check that the records are sorted in this order")
	f.StringVar(&flags.digest, "digest", "", "print a checksum of the decompressed stream: "+strings.Join(digest.Names, ", "))
	return cmd
}

// zstdReader decompresses a zstd-blocked stream member by member.
type zstdReader struct {
	r       io.Reader
	c       codec.Codec
	member  []byte
	payload []byte
	index   int
}

func (z *zstdReader) Read(p []byte) (int, error) {
	for z.index == len(z.payload) {
		member, err := z.c.ReadMember(z.r, z.member[:0])
		if err != nil {
			return 0, err
		}
		if z.payload, err = z.c.Decompress(z.payload[:0], member); err != nil {
			return 0, err
		}
		z.index = 0
	}
	n := copy(p, z.payload[z.index:])
	z.index += n
	return n, nil
}

func decompressed(src *utils.Input) (io.ReadCloser, error) {
	switch src.Codec.Name() {
	case "bgzf":
		return bgzf.NewReader(src)
	case "identity":
		return io.NopCloser(src), nil
	default:
		return io.NopCloser(&zstdReader{
			r:       src,
			c:       src.Codec,
			member:  make([]byte, 0, src.Codec.MaxMember()),
			payload: make([]byte, 0, src.Codec.MaxPayload()),
		}), nil
	}
}

// Check reads the named input, and verifies the framing of its members
// and its records. When order is not empty, Check also reports whether
// the records are sorted in that order.
func Check(ctx context.Context, input, formatName, order, digestName string) (result CheckResult, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fault.Recovered(x)
		}
	}()
	format, err := records.FormatByName(formatName)
	if err != nil {
		return result, err
	}
	var compare records.Compare
	if order != "" {
		if compare, err = records.CompareByName(order); err != nil {
			return result, err
		}
	}
	var d digest.Digest
	if digestName != "" {
		if d, err = digest.New(digestName); err != nil {
			return result, err
		}
	}

	in, err := internal.Open(input)
	if err != nil {
		return result, err
	}
	defer func() {
		err = multierr.Append(err, in.Close())
	}()
	src, err := utils.HandleInput(bufio.NewReaderSize(in, 1<<16), codec.DefaultChunk)
	if err != nil {
		return result, err
	}
	defer func() {
		err = multierr.Append(err, src.Close())
	}()
	result.Codec = src.Codec.Name()
	r, err := decompressed(src)
	if err != nil {
		return result, err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	result.Sorted = true
	var prev []byte
	visit := func(rec []byte) error {
		if err := format.Validate(rec); err != nil {
			return err
		}
		result.Records++
		result.RecordBytes += int64(len(rec))
		if compare != nil {
			if prev != nil && compare(prev, rec) > 0 {
				result.Sorted = false
			}
			prev = append(prev[:0], rec...)
		}
		return nil
	}

	scanner := records.NewScanner(format)
	buf := make([]byte, codec.DefaultChunk)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			if d != nil {
				d.Update(data)
			}
			span, err := scanner.Scan(data)
			if err != nil {
				return result, err
			}
			result.HeaderBytes += len(span.Header)
			if span.Spill != nil {
				err := visit(span.Spill)
				internal.ReleaseByteBuffer(span.Spill)
				if err != nil {
					return result, err
				}
			}
			for pos := span.Start; pos < span.End; {
				size, err := format.RecordLength(data[pos:span.End])
				if err != nil {
					return result, err
				}
				if size < 0 || pos+size > span.End {
					return result, fmt.Errorf("%w: record boundaries changed during the check", fault.ErrTruncatedRecord)
				}
				if err := visit(data[pos : pos+size]); err != nil {
					return result, err
				}
				pos += size
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return result, rerr
		}
	}
	if err := scanner.Finish(); err != nil {
		return result, err
	}
	if d != nil {
		result.Digest = digest.Hex(d)
	}
	return result, nil
}
