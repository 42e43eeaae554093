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

package utils

import (
	"bufio"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/exascience/elsort/codec"
	"github.com/exascience/elsort/utils/bgzf"
)

// Input is an input stream together with the codec that frames its
// members.
type Input struct {
	io.Reader
	Codec  codec.Codec
	closer io.Closer
}

// Close releases the decompressor of a plain gzip input.
func (in *Input) Close() error {
	if in.closer != nil {
		return in.closer.Close()
	}
	return nil
}

// HandleInput checks the initial bytes of buf to determine how its
// members are framed. BGZF and zstd-blocked streams are read member by
// member with the matching codec. Other gzip streams cannot be split
// into independent members, so they are inflated by a parallel gzip
// reader and read in chunks of the given size with the identity codec,
// as is uncompressed input.
func HandleInput(buf *bufio.Reader, chunk int) (*Input, error) {
	if ok, err := bgzf.IsBGZF(buf); err != nil {
		return nil, err
	} else if ok {
		c, err := codec.BGZF(-1)
		if err != nil {
			return nil, err
		}
		return &Input{Reader: buf, Codec: c}, nil
	}
	if prefix, _ := buf.Peek(4); codec.IsZstdBlocked(prefix) {
		c, err := codec.Zstd(0)
		if err != nil {
			return nil, err
		}
		return &Input{Reader: buf, Codec: c}, nil
	}
	ok, err := bgzf.IsGzip(buf)
	if err == io.EOF {
		return &Input{Reader: buf, Codec: codec.Identity(chunk)}, nil
	} else if err != nil {
		return nil, err
	}
	if ok {
		r, err := pgzip.NewReader(buf)
		if err != nil {
			return nil, err
		}
		return &Input{Reader: r, Codec: codec.Identity(chunk), closer: r}, nil
	}
	return &Input{Reader: buf, Codec: codec.Identity(chunk)}, nil
}
