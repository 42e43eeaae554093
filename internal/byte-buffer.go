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

package internal

import "github.com/exascience/elsort/internal/pool"

var byteBuffers = pool.New(func() []byte { return nil })

/*
ReserveByteBuffer either reuses or makes a slice of bytes of length 0,
but of capacity potentially larger than 0.

Use ReleaseByteBuffer to return slices of bytes to the internal pool.
*/
func ReserveByteBuffer() []byte {
	return byteBuffers.Get()[:0]
}

/*
ReleaseByteBuffer returns the given slice of bytes to the internal pool
from which ReserveByteBuffer can fetch it again.
*/
func ReleaseByteBuffer(buf []byte) {
	byteBuffers.Put(buf)
}

// ReservedByteBuffers returns the number of byte buffers that were
// reserved and not yet released.
func ReservedByteBuffers() int {
	return byteBuffers.RefsCount()
}
