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
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/exascience/elsort/fault"
)

// A zstd-blocked member is the magic "ZSTB", the length of the
// compressed frame and the length of the payload as little-endian
// uint32 values, followed by one zstd frame.
const (
	zstbHeaderSize = 12

	// ZstdMaxPayload is the maximum payload of a zstd-blocked member.
	ZstdMaxPayload = 1 << 16
)

var zstbMagic = []byte("ZSTB")

// IsZstdBlocked reports whether prefix starts a zstd-blocked member.
func IsZstdBlocked(prefix []byte) bool {
	return bytes.HasPrefix(prefix, zstbMagic)
}

var (
	zstdDecoder     *zstd.Decoder
	zstdDecoderOnce sync.Once
	zstdDecoderErr  error

	zstdMu       sync.Mutex
	zstdEncoders atomic.Value
)

func init() {
	zstdEncoders.Store(make(map[int]*zstd.Encoder))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdDecoderErr
}

func getZstdEncoder(level int) (*zstd.Encoder, error) {
	r := zstdEncoders.Load().(map[int]*zstd.Encoder)
	if e := r[level]; e != nil {
		return e, nil
	}
	zstdMu.Lock()
	defer zstdMu.Unlock()
	r1 := zstdEncoders.Load().(map[int]*zstd.Encoder)
	if e := r1[level]; e != nil {
		return e, nil
	}
	e, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderCRC(true))
	if err != nil {
		return nil, err
	}
	r2 := make(map[int]*zstd.Encoder, len(r1)+1)
	for k, v := range r1 {
		r2[k] = v
	}
	r2[level] = e
	zstdEncoders.Store(r2)
	return e, nil
}

// zstdBound is the worst-case size of a zstd frame for n input bytes.
func zstdBound(n int) int {
	bound := n + n>>8 + 32
	if n < 128<<10 {
		bound += (128<<10 - n) >> 11
	}
	return bound
}

// ZstdCodec stores each payload as a zstd frame in a small length
// framed container, so that members can be located without inflating
// them.
type ZstdCodec struct {
	level int
}

// Zstd returns a zstd-blocked codec that compresses at the given zstd
// level. Levels below 1 select the default level 3.
func Zstd(level int) (*ZstdCodec, error) {
	if level < 1 {
		level = 3
	}
	if level > 22 {
		return nil, fmt.Errorf("%w: invalid zstd compression level %v", fault.ErrConfig, level)
	}
	if _, err := getZstdEncoder(level); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrConfig, err)
	}
	return &ZstdCodec{level: level}, nil
}

// Name implements Codec.
func (*ZstdCodec) Name() string { return "zstd" }

// MaxPayload implements Codec.
func (*ZstdCodec) MaxPayload() int { return ZstdMaxPayload }

// MaxMember implements Codec.
func (*ZstdCodec) MaxMember() int { return zstbHeaderSize + zstdBound(ZstdMaxPayload) }

// Trailer implements Codec.
func (*ZstdCodec) Trailer() []byte { return nil }

func (c *ZstdCodec) parseHeader(header []byte, op string) (clen, rlen int, err error) {
	if !bytes.Equal(header[:4], zstbMagic) {
		return 0, 0, fault.Codec(op, "invalid zstd-blocked magic %q", header[:4])
	}
	clen = int(binary.LittleEndian.Uint32(header[4:8]))
	rlen = int(binary.LittleEndian.Uint32(header[8:12]))
	if clen > zstdBound(ZstdMaxPayload) {
		return 0, 0, fault.Codec(op, "zstd-blocked member of %v bytes too large", clen)
	}
	if rlen > ZstdMaxPayload {
		return 0, 0, fault.Codec(op, "zstd-blocked payload of %v bytes too large", rlen)
	}
	return clen, rlen, nil
}

// ReadMember implements Codec.
func (c *ZstdCodec) ReadMember(r io.Reader, dst []byte) ([]byte, error) {
	dst = dst[:cap(dst)]
	if len(dst) < zstbHeaderSize {
		return nil, fault.Codec("read", "buffer of %v bytes cannot hold a zstd-blocked header", len(dst))
	}
	if err := readHeader(r, dst[:zstbHeaderSize], "read"); err != nil {
		return nil, err
	}
	clen, _, err := c.parseHeader(dst[:zstbHeaderSize], "read")
	if err != nil {
		return nil, err
	}
	size := zstbHeaderSize + clen
	if size > len(dst) {
		return nil, fault.Codec("read", "zstd-blocked member of %v bytes exceeds buffer capacity %v", size, len(dst))
	}
	if err := readFull(r, dst[zstbHeaderSize:size], "read"); err != nil {
		return nil, err
	}
	return dst[:size], nil
}

// Decompress implements Codec.
func (c *ZstdCodec) Decompress(dst, member []byte) ([]byte, error) {
	if len(member) < zstbHeaderSize {
		return nil, fault.Codec("decompress", "zstd-blocked member of %v bytes too short", len(member))
	}
	clen, rlen, err := c.parseHeader(member, "decompress")
	if err != nil {
		return nil, err
	}
	if zstbHeaderSize+clen != len(member) {
		return nil, fault.Codec("decompress", "zstd-blocked length %v does not match member length %v", clen, len(member)-zstbHeaderSize)
	}
	if rlen > cap(dst) {
		return nil, fault.Codec("decompress", "zstd-blocked payload of %v bytes exceeds buffer capacity %v", rlen, cap(dst))
	}
	if rlen == 0 {
		return dst[:0], nil
	}
	decoder, err := getZstdDecoder()
	if err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	out, err := decoder.DecodeAll(member[zstbHeaderSize:], dst[:0])
	if err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	if len(out) != rlen {
		return nil, fault.Codec("decompress", "zstd-blocked payload of %v bytes, expected %v", len(out), rlen)
	}
	return out, nil
}

// Compress implements Codec.
func (c *ZstdCodec) Compress(dst, payload []byte) ([]byte, error) {
	if len(payload) > ZstdMaxPayload {
		return nil, fault.Codec("compress", "payload of %v bytes exceeds zstd-blocked maximum %v", len(payload), ZstdMaxPayload)
	}
	start := len(dst)
	dst = append(dst, zstbMagic...)
	dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0)
	if len(payload) > 0 {
		encoder, err := getZstdEncoder(c.level)
		if err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
		}
		dst = encoder.EncodeAll(payload, dst)
	}
	binary.LittleEndian.PutUint32(dst[start+4:start+8], uint32(len(dst)-start-zstbHeaderSize))
	binary.LittleEndian.PutUint32(dst[start+8:start+12], uint32(len(payload)))
	return dst, nil
}
