// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2017-2021 imec vzw.

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
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/exascience/elsort/fault"
)

const (
	// BGZFMaxMember is the maximum size of a BGZF member.
	BGZFMaxMember = 65536

	// BGZFMaxPayload is the largest payload that is guaranteed to fit
	// into one BGZF member, even when it does not compress.
	BGZFMaxPayload = 0xff00

	bgzfHeaderSize  = 18
	bgzfTrailerSize = 8
)

// BGZFEOF is the empty member that terminates a BGZF stream.
var BGZFEOF = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

var bgzfHeader = [bgzfHeaderSize]byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
}

// BGZFCodec is the blocked gzip codec of the BAM format.
type BGZFCodec struct {
	level   int
	writers sync.Pool
	readers sync.Pool
}

// BGZF returns a BGZF codec that compresses at the given level.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression).
// Level 0 (NoCompression) only adds the necessary DEFLATE framing.
// Level -1 (DefaultCompression) uses the default compression level, and
// level -2 (HuffmanOnly) uses Huffman compression only.
func BGZF(level int) (*BGZFCodec, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, fmt.Errorf("%w: invalid bgzf compression level %v", fault.ErrConfig, level)
	}
	return &BGZFCodec{level: level}, nil
}

// Name implements Codec.
func (*BGZFCodec) Name() string { return "bgzf" }

// MaxPayload implements Codec.
func (*BGZFCodec) MaxPayload() int { return BGZFMaxPayload }

// MaxMember implements Codec.
func (*BGZFCodec) MaxMember() int { return BGZFMaxMember }

// Trailer implements Codec.
func (*BGZFCodec) Trailer() []byte { return BGZFEOF }

// blockSize returns the total member size recorded in the BC subfield
// of a gzip extra field.
func blockSize(extra []byte) (int, error) {
	var slen int
	for i := 0; i+4 <= len(extra); i += 4 + slen {
		slen = int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 66 && extra[i+1] == 67 && slen == 2 && i+6 <= len(extra) {
			return int(binary.LittleEndian.Uint16(extra[i+4:i+6])) + 1, nil
		}
	}
	return 0, fmt.Errorf("missing BC extra subfield in BGZF header")
}

func checkGzipHeader(header []byte) error {
	if header[0] != 0x1f || header[1] != 0x8b {
		return fmt.Errorf("invalid gzip magic %#x %#x", header[0], header[1])
	}
	if header[2] != 8 {
		return fmt.Errorf("unsupported gzip compression method %v", header[2])
	}
	if header[3]&4 == 0 {
		return fmt.Errorf("gzip member without extra field is not BGZF")
	}
	return nil
}

// ReadMember implements Codec.
func (c *BGZFCodec) ReadMember(r io.Reader, dst []byte) ([]byte, error) {
	dst = dst[:cap(dst)]
	if len(dst) < BGZFMaxMember {
		return nil, fault.Codec("read", "buffer of %v bytes cannot hold a BGZF member", len(dst))
	}
	if err := readHeader(r, dst[:12], "read"); err != nil {
		return nil, err
	}
	if err := checkGzipHeader(dst[:12]); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "read", Err: err}
	}
	xlen := int(binary.LittleEndian.Uint16(dst[10:12]))
	if 12+xlen+bgzfTrailerSize > BGZFMaxMember {
		return nil, fault.Codec("read", "BGZF extra field of %v bytes too large", xlen)
	}
	if err := readFull(r, dst[12:12+xlen], "read"); err != nil {
		return nil, err
	}
	size, err := blockSize(dst[12:12+xlen])
	if err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "read", Err: err}
	}
	if size < 12+xlen+bgzfTrailerSize {
		return nil, fault.Codec("read", "BGZF block size %v smaller than its header", size)
	}
	if err := readFull(r, dst[12+xlen:size], "read"); err != nil {
		return nil, err
	}
	return dst[:size], nil
}

// Decompress implements Codec.
func (c *BGZFCodec) Decompress(dst, member []byte) ([]byte, error) {
	if len(member) < bgzfHeaderSize+bgzfTrailerSize {
		return nil, fault.Codec("decompress", "BGZF member of %v bytes too short", len(member))
	}
	if err := checkGzipHeader(member); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	xlen := int(binary.LittleEndian.Uint16(member[10:12]))
	if 12+xlen+bgzfTrailerSize > len(member) {
		return nil, fault.Codec("decompress", "BGZF extra field exceeds member")
	}
	size, err := blockSize(member[12:12+xlen])
	if err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	if size != len(member) {
		return nil, fault.Codec("decompress", "BGZF block size %v does not match member length %v", size, len(member))
	}
	tail := member[len(member)-bgzfTrailerSize:]
	crc := binary.LittleEndian.Uint32(tail[0:4])
	isize := int(binary.LittleEndian.Uint32(tail[4:8]))
	if isize > cap(dst) {
		return nil, fault.Codec("decompress", "BGZF payload of %v bytes exceeds buffer capacity %v", isize, cap(dst))
	}
	dst = dst[:isize]

	blockReader := bytes.NewReader(member[12+xlen : len(member)-bgzfTrailerSize])
	var flateReader io.ReadCloser
	if pooled := c.readers.Get(); pooled == nil {
		flateReader = flate.NewReader(blockReader)
	} else {
		flateReader = pooled.(io.ReadCloser)
		if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
			flateReader = flate.NewReader(blockReader)
		}
	}
	defer c.readers.Put(flateReader)

	if _, err := io.ReadFull(flateReader, dst); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	var extra [1]byte
	if n, _ := flateReader.Read(extra[:]); n != 0 {
		return nil, fault.Codec("decompress", "BGZF member inflates to more than ISIZE %v bytes", isize)
	}
	if err := flateReader.Close(); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "decompress", Err: err}
	}
	if crc32.ChecksumIEEE(dst) != crc {
		return nil, fault.Codec("decompress", "invalid CRC-32 value for a data block in a BGZF file")
	}
	return dst, nil
}

// Compress implements Codec.
func (c *BGZFCodec) Compress(dst, payload []byte) ([]byte, error) {
	if len(payload) > BGZFMaxPayload {
		return nil, fault.Codec("compress", "payload of %v bytes exceeds BGZF maximum %v", len(payload), BGZFMaxPayload)
	}
	start := len(dst)
	out := &appender{buf: append(dst, bgzfHeader[:]...)}

	var flateWriter *flate.Writer
	if pooled := c.writers.Get(); pooled != nil {
		flateWriter = pooled.(*flate.Writer)
		flateWriter.Reset(out)
	} else {
		var err error
		if flateWriter, err = flate.NewWriter(out, c.level); err != nil {
			return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
		}
	}
	defer c.writers.Put(flateWriter)

	if _, err := flateWriter.Write(payload); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
	}
	if err := flateWriter.Close(); err != nil {
		return nil, &fault.CodecError{Seq: -1, Op: "compress", Err: err}
	}
	var tail [bgzfTrailerSize]byte
	binary.LittleEndian.PutUint32(tail[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(tail[4:8], uint32(len(payload)))
	buf := append(out.buf, tail[:]...)
	size := len(buf) - start
	if size > BGZFMaxMember {
		return nil, fault.Codec("compress", "BGZF member of %v bytes too large", size)
	}
	binary.LittleEndian.PutUint16(buf[start+16:start+18], uint16(size-1))
	return buf, nil
}
