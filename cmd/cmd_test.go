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
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/controller"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/utils/bgzf"
)

func writeInput(t *testing.T, name string, n int) {
	f, err := os.Create(name)
	require.NoError(t, err)
	w, err := bgzf.NewWriter(f, -1)
	require.NoError(t, err)
	r := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		var rec [4 + 8 + 6]byte
		binary.LittleEndian.PutUint32(rec[:], 14)
		binary.LittleEndian.PutUint64(rec[4:], uint64(r.Intn(1000)))
		copy(rec[12:], "record")
		_, err := w.Write(rec[:])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func execute(t *testing.T, args ...string) string {
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), strings.Join(args, " "))
	return out.String()
}

func TestSortAndCheck(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.bgzf")
	sorted := filepath.Join(dir, "sorted.bgzf")
	writeInput(t, input, 20000)

	before, err := Check(context.Background(), input, "length-prefixed", "key", "xxhash")
	require.NoError(t, err)
	assert.Equal(t, "bgzf", before.Codec)
	assert.Equal(t, int64(20000), before.Records)
	assert.False(t, before.Sorted)

	out := execute(t, "sort", input, sorted, "--workers", "3", "--digest", "xxh3", "--logging-level", "warn")
	assert.True(t, strings.HasPrefix(out, "xxh3:"), out)

	after, err := Check(context.Background(), sorted, "length-prefixed", "key", "")
	require.NoError(t, err)
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.RecordBytes, after.RecordBytes)
	assert.True(t, after.Sorted)

	report := execute(t, "check", sorted, "--order", "key")
	assert.Contains(t, report, "records: 20000")
	assert.Contains(t, report, "sorted by key: true")
}

func TestRecompress(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.bgzf")
	zstd := filepath.Join(dir, "output.zstb")
	writeInput(t, input, 5000)
	execute(t, "recompress", input, zstd, "--output-codec", "zstd", "--logging-level", "warn")

	before, err := Check(context.Background(), input, "length-prefixed", "", "md5")
	require.NoError(t, err)
	after, err := Check(context.Background(), zstd, "length-prefixed", "", "md5")
	require.NoError(t, err)
	assert.Equal(t, "zstd", after.Codec)
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.Digest, after.Digest)
}

func TestSortFailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.raw")
	output := filepath.Join(dir, "output.bgzf")
	require.NoError(t, os.WriteFile(input, []byte{9, 0, 0, 0, 1, 2}, 0600))

	root := NewRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"sort", input, output, "--logging-level", "error"})
	assert.Error(t, root.Execute())
	_, err := os.Stat(output)
	assert.True(t, os.IsNotExist(err))

	root = NewRoot()
	root.SetArgs([]string{"sort", input, output, "--order", "random", "--logging-level", "error"})
	assert.Error(t, root.Execute())
}

func TestWarnBatches(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Init(logger.Logging{Level: "info", Output: &buf}))
	t.Cleanup(func() { _ = logger.Init(logger.Logging{Level: "info"}) })
	log := logger.GetLogger("cmd")

	warnBatches(log, controller.Stats{RunID: "r1", Batches: 3, Records: 300}, true)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"batches":3`)
	assert.Contains(t, buf.String(), "not globally sorted")

	buf.Reset()
	warnBatches(log, controller.Stats{Batches: 1}, true)
	warnBatches(log, controller.Stats{Batches: 3}, false)
	assert.Empty(t, buf.String())
}
