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

package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/exascience/elsort/fault"
)

// GzipMaxPayload is the maximum payload of one gzip member.
const GzipMaxPayload = 0xff00

// GzipCodec writes a stream of plain gzip members. The concatenation
// is a valid multi-member gzip file that any gzip reader accepts.
//
// Plain gzip members do not record their compressed length, so
// ReadMember is not supported. Plain gzip input is inflated as a
// stream instead, and fed to the Identity codec.
type GzipCodec struct {
	level   int
	writers sync.Pool
	readers sync.Pool
}

// Gzip returns a gzip member codec for the given compression level.
func Gzip(level int) (*GzipCodec, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("%w: invalid gzip compression level %v", fault.ErrConfig, level)
	}
	return &GzipCodec{level: level}, nil
}

// Name implements Codec.
func (*GzipCodec) Name() string { return "gzip" }

// MaxPayload implements Codec.
func (*GzipCodec) MaxPayload() int { return GzipMaxPayload }

// MaxMember implements Codec.
func (*GzipCodec) MaxMember() int { return GzipMaxPayload + GzipMaxPayload>>4 + 64 }

// Trailer implements Codec.
func (*GzipCodec) Trailer() []byte { return nil }

// ReadMember implements Codec.
func (*GzipCodec) ReadMember(io.Reader, []byte) ([]byte, error) {
	return nil, fault.Codec("read", "plain gzip members are not length framed")
}

// Decompress implements Codec.
func (c *GzipCodec) Decompress(dst, member []byte) ([]byte, error) {
	src := bytes.NewReader(member)
	var z *gzip.Reader
	if pooled := c.readers.Get(); pooled != nil {
		z = pooled.(*gzip.Reader)
		if err := z.Reset(src); err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
		}
	} else {
		var err error
		if z, err = gzip.NewReader(src); err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
		}
	}
	defer c.readers.Put(z)
	z.Multistream(false)

	dst = dst[:cap(dst)]
	n := 0
	for {
		if n == len(dst) {
			var extra [1]byte
			k, err := z.Read(extra[:])
			if k != 0 {
				return nil, fault.Codec("decompress", "gzip member exceeds buffer capacity %v", len(dst))
			}
			if err != nil && err != io.EOF {
				return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
			}
			break
		}
		k, err := z.Read(dst[n:])
		n += k
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
		}
	}
	return dst[:n], nil
}

// Compress implements Codec.
func (c *GzipCodec) Compress(dst, payload []byte) ([]byte, error) {
	if len(payload) > GzipMaxPayload {
		return nil, fault.Codec("compress", "payload of %v bytes exceeds gzip member maximum %v", len(payload), GzipMaxPayload)
	}
	out := &appender{buf: dst}
	var z *gzip.Writer
	if pooled := c.writers.Get(); pooled != nil {
		z = pooled.(*gzip.Writer)
		z.Reset(out)
	} else {
		var err error
		if z, err = gzip.NewWriterLevel(out, c.level); err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
		}
	}
	defer c.writers.Put(z)
	if _, err := z.Write(payload); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
	}
	if err := z.Close(); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
	}
	return out.buf, nil
}
