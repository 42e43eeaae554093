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

package bgzf

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/codec"
)

func compress(t *testing.T, data []byte, chunks int) []byte {
	var out bytes.Buffer
	w, err := NewWriter(&out, 6)
	require.NoError(t, err)
	for len(data) > 0 {
		n := 1 + len(data)/chunks
		if n > len(data) {
			n = len(data)
		}
		_, err := w.Write(data[:n])
		require.NoError(t, err)
		data = data[n:]
	}
	require.NoError(t, w.Close())
	return out.Bytes()
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, codec.BGZFMaxPayload, 3*codec.BGZFMaxPayload + 7} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(r.Intn(4))
		}
		stream := compress(t, data, 5)
		assert.True(t, bytes.HasSuffix(stream, codec.BGZFEOF))

		reader, err := NewReader(bytes.NewReader(stream))
		require.NoError(t, err)
		got, err := io.ReadAll(reader)
		require.NoError(t, err, "n = %v", n)
		require.NoError(t, reader.Close())
		assert.Equal(t, len(data), len(got))
		assert.True(t, bytes.Equal(data, got), "n = %v", n)
	}
}

func TestMembersHoldMaxPayload(t *testing.T) {
	data := bytes.Repeat([]byte("ACGT"), codec.BGZFMaxPayload/2)
	stream := compress(t, data, 7)
	c, err := codec.BGZF(6)
	require.NoError(t, err)
	src := bytes.NewReader(stream)
	var sizes []int
	buf := make([]byte, 0, codec.BGZFMaxMember)
	for {
		member, err := c.ReadMember(src, buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		payload, err := c.Decompress(make([]byte, 0, codec.BGZFMaxPayload), member)
		require.NoError(t, err)
		sizes = append(sizes, len(payload))
	}
	assert.Equal(t, []int{codec.BGZFMaxPayload, codec.BGZFMaxPayload, 0}, sizes)
}

func TestMissingEOFMarker(t *testing.T) {
	stream := compress(t, []byte("some bytes"), 1)
	stream = stream[:len(stream)-len(codec.BGZFEOF)]
	reader, err := NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	assert.Error(t, err)
	_ = reader.Close()
}

func TestIsBGZF(t *testing.T) {
	stream := compress(t, []byte("data"), 1)
	ok, err := IsBGZF(bufio.NewReader(bytes.NewReader(stream)))
	require.NoError(t, err)
	assert.True(t, ok)

	var plain bytes.Buffer
	gz := gzip.NewWriter(&plain)
	_, err = gz.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	buf := bufio.NewReader(bytes.NewReader(plain.Bytes()))
	ok, err = IsBGZF(buf)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = IsGzip(buf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsBGZF(bufio.NewReader(bytes.NewReader([]byte("short"))))
	require.NoError(t, err)
	assert.False(t, ok)
}
