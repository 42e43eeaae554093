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

package digest

import (
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/fault"
)

func TestIncrementalEqualsWhole(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for _, name := range Names {
		d1, err := New(name)
		require.NoError(t, err)
		d1.Update(data)

		d2, err := New(name)
		require.NoError(t, err)
		for i := 0; i < len(data); i += 5 {
			end := i + 5
			if end > len(data) {
				end = len(data)
			}
			d2.Update(data[i:end])
		}
		assert.Equal(t, d1.Sum(), d2.Sum(), name)

		d2.Reset()
		d2.Update(data[:3])
		assert.NotEqual(t, d1.Sum(), d2.Sum(), name)
	}
}

func TestKnownSums(t *testing.T) {
	data := []byte("elsort")

	d, err := New("md5")
	require.NoError(t, err)
	d.Update(data)
	want := md5.Sum(data)
	assert.Equal(t, want[:], d.Sum())

	d, err = New("crc32")
	require.NoError(t, err)
	d.Update(data)
	assert.Equal(t, crc32.ChecksumIEEE(data), binary.BigEndian.Uint32(d.Sum()))

	d, err = New("XXH64")
	require.NoError(t, err)
	assert.Equal(t, "xxhash", d.Name())
	d.Update(data)
	assert.Equal(t, xxhash.Sum64(data), binary.BigEndian.Uint64(d.Sum()))
	assert.Contains(t, Hex(d), "xxhash:")
}

func TestUnknownDigest(t *testing.T) {
	_, err := New("sha3")
	assert.ErrorIs(t, err, fault.ErrConfig)
	assert.Equal(t, "", Hex(nil))
}
