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

// Package codec defines the block codecs of the pipeline.
//
// A codec frames a stream as a sequence of independently decodable
// members. Members are read sequentially with ReadMember, and then
// decompressed in parallel with Decompress. Compress produces one
// member for one payload of at most MaxPayload bytes. All codecs are
// safe for concurrent use by multiple goroutines.
package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/exascience/elsort/fault"
)

// Codec is a block codec.
type Codec interface {
	// Name returns the name of the codec, as accepted by ByName.
	Name() string

	// MaxPayload returns the maximum number of uncompressed bytes in
	// one member.
	MaxPayload() int

	// MaxMember returns the maximum size of one compressed member.
	MaxMember() int

	// ReadMember reads the next member from r into dst[:cap(dst)] and
	// returns the framed member. It returns io.EOF only at a clean
	// member boundary.
	ReadMember(r io.Reader, dst []byte) ([]byte, error)

	// Decompress decompresses one member into dst[:cap(dst)], and
	// returns the payload.
	Decompress(dst, member []byte) ([]byte, error)

	// Compress appends one member holding payload to dst.
	Compress(dst, payload []byte) ([]byte, error)

	// Trailer returns the bytes that terminate a stream, or nil.
	Trailer() []byte
}

// Names lists the codecs known to ByName.
var Names = []string{"bgzf", "zstd", "gzip", "identity"}

// ByName returns the codec with the given name. The level is ignored
// by codecs that do not compress.
func ByName(name string, level int) (Codec, error) {
	var (
		c   Codec
		err error
	)
	switch strings.ToLower(name) {
	case "bgzf", "bam":
		c, err = BGZF(level)
	case "zstd", "zstb":
		c, err = Zstd(level)
	case "gzip", "gz":
		c, err = Gzip(level)
	case "identity", "raw", "none":
		c = Identity(DefaultChunk)
	default:
		err = fmt.Errorf("%w: unknown codec %q", fault.ErrConfig, name)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// readFull reads exactly len(buf) bytes of a member that has already
// started. A premature end of the stream is a codec error.
func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &fault.CodecError{Seq: -1, Op: op, Err: io.ErrUnexpectedEOF}
		}
		return err
	}
	return nil
}

// readHeader reads the fixed-size start of a member. It returns io.EOF
// if the stream ends before the first byte.
func readHeader(r io.Reader, buf []byte, op string) error {
	if n, err := io.ReadFull(r, buf); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &fault.CodecError{Seq: -1, Op: op, Err: err}
		}
		return err
	}
	return nil
}

// appender is an io.Writer that appends to a byte slice.
type appender struct {
	buf []byte
}

func (a *appender) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	return len(p), nil
}
