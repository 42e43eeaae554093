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
	"errors"
	"io"

	"github.com/exascience/elsort/fault"
)

// DefaultChunk is the chunk size of the identity codec returned by
// ByName.
const DefaultChunk = 1 << 16

// IdentityCodec passes bytes through unchanged. A member is simply the
// next chunk of the input.
type IdentityCodec struct {
	chunk int
}

// Identity returns an identity codec that reads chunks of at most
// chunk bytes.
func Identity(chunk int) *IdentityCodec {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &IdentityCodec{chunk: chunk}
}

// Name implements Codec.
func (*IdentityCodec) Name() string { return "identity" }

// MaxPayload implements Codec.
func (c *IdentityCodec) MaxPayload() int { return c.chunk }

// MaxMember implements Codec.
func (c *IdentityCodec) MaxMember() int { return c.chunk }

// Trailer implements Codec.
func (*IdentityCodec) Trailer() []byte { return nil }

// ReadMember implements Codec. Short reads are accepted, so a member
// may be shorter than the chunk size anywhere in the stream.
func (c *IdentityCodec) ReadMember(r io.Reader, dst []byte) ([]byte, error) {
	dst = dst[:cap(dst)]
	if len(dst) > c.chunk {
		dst = dst[:c.chunk]
	}
	if len(dst) == 0 {
		return nil, fault.Codec("read", "empty buffer")
	}
	for {
		n, err := r.Read(dst)
		if n > 0 {
			return dst[:n], nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// Decompress implements Codec.
func (*IdentityCodec) Decompress(dst, member []byte) ([]byte, error) {
	if len(member) > cap(dst) {
		return nil, fault.Codec("decompress", "member of %v bytes exceeds buffer capacity %v", len(member), cap(dst))
	}
	return dst[:copy(dst[:len(member)], member)], nil
}

// Compress implements Codec.
func (c *IdentityCodec) Compress(dst, payload []byte) ([]byte, error) {
	if len(payload) > c.chunk {
		return nil, fault.Codec("compress", "payload of %v bytes exceeds chunk size %v", len(payload), c.chunk)
	}
	return append(dst, payload...), nil
}
