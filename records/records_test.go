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

package records

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/blocks"
	"github.com/exascience/elsort/fault"
)

func lpRecord(key uint64, extra int) []byte {
	rec := make([]byte, 4+8+extra)
	binary.LittleEndian.PutUint32(rec, uint32(8+extra))
	binary.LittleEndian.PutUint64(rec[4:], key)
	for i := 0; i < extra; i++ {
		rec[12+i] = byte(i)
	}
	return rec
}

// scanAll feeds stream to a scanner in chunks of the given sizes, and
// returns the header and the records it finds.
func scanAll(t *testing.T, format Format, stream []byte, chunks []int) (header []byte, recs [][]byte, err error) {
	pool := blocks.NewPool("test", len(chunks)+1, len(stream)+1)
	buf := NewBuffer()
	defer func() {
		buf.Release()
		assert.Equal(t, 0, pool.Outstanding())
	}()
	scanner := NewScanner(format)
	for _, n := range chunks {
		b, aerr := pool.TryAcquire()
		require.NoError(t, aerr)
		b.SetLen(copy(b.Buffer(), stream[:n]))
		stream = stream[n:]

		span, serr := scanner.Scan(b.Bytes())
		if serr != nil {
			b.Release()
			return nil, nil, serr
		}
		if span.Header != nil {
			header = span.Header
		}
		source := buf.AddBlock(b)
		if span.Spill != nil {
			span.SpillSource = buf.AddSpill(span.Spill)
		}
		region := buf.Reserve(span.Records(), span.Bytes())
		if perr := Parse(format, &span, source, b.Bytes(), region); perr != nil {
			b.Release()
			return nil, nil, perr
		}
		b.Release()
	}
	require.Empty(t, stream)
	if err = scanner.Finish(); err != nil {
		return nil, nil, err
	}
	for _, p := range buf.Pointers() {
		recs = append(recs, append([]byte(nil), buf.Record(p)...))
	}
	return header, recs, nil
}

func TestScanSplitRecords(t *testing.T) {
	var stream []byte
	var want [][]byte
	for i := 0; i < 50; i++ {
		rec := lpRecord(uint64(i), i%17)
		want = append(want, rec)
		stream = append(stream, rec...)
	}
	for _, chunks := range [][]int{
		{len(stream)},
		{1, len(stream) - 1},
		{2, 3, len(stream) - 5},
		{len(stream) / 2, len(stream) - len(stream)/2},
		{100, 7, 1, 1, 1, len(stream) - 110},
	} {
		_, got, err := scanAll(t, LengthPrefixed, stream, chunks)
		require.NoError(t, err, "chunks %v", chunks)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("chunks %v: records differ (-want +got):\n%s", chunks, diff)
		}
	}
}

func TestScanRandomSplits(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	var stream []byte
	var want [][]byte
	for i := 0; i < 300; i++ {
		rec := lpRecord(r.Uint64(), r.Intn(200))
		want = append(want, rec)
		stream = append(stream, rec...)
	}
	for trial := 0; trial < 20; trial++ {
		var chunks []int
		for rest := len(stream); rest > 0; {
			n := 1 + r.Intn(500)
			if n > rest {
				n = rest
			}
			chunks = append(chunks, n)
			rest -= n
		}
		_, got, err := scanAll(t, LengthPrefixed, stream, chunks)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestScanRecordAcrossThreeBlocks(t *testing.T) {
	big := lpRecord(42, 1000)
	stream := append(append(lpRecord(1, 0), big...), lpRecord(2, 0)...)
	_, got, err := scanAll(t, LengthPrefixed, stream, []int{14, 500, 400, len(stream) - 914})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, big, got[1])
}

func TestScanTruncated(t *testing.T) {
	stream := append(lpRecord(1, 4), lpRecord(2, 4)...)
	_, _, err := scanAll(t, LengthPrefixed, stream[:len(stream)-3], []int{10, len(stream) - 13})
	assert.ErrorIs(t, err, fault.ErrTruncatedRecord)

	_, _, err = scanAll(t, LengthPrefixed, stream[:len(stream)-14], []int{len(stream) - 14})
	assert.ErrorIs(t, err, fault.ErrTruncatedRecord)

	_, recs, err := scanAll(t, LengthPrefixed, nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, recs)
}

func bamStream(t *testing.T, n int) (header []byte, stream []byte, recs [][]byte) {
	refs := []BAMReference{{Name: "chr1", Length: 1000}, {Name: "chr2", Length: 2000}}
	header = FormatBAMHeader(nil, "@HD\tVN:1.6\tSO:unsorted\n", refs)
	stream = append(stream, header...)
	r := rand.New(rand.NewSource(9))
	for i := 0; i < n; i++ {
		rec := FormatBAMRecord(nil, BAMRecord{
			RefID:    int32(r.Intn(3) - 1),
			Pos:      int32(r.Intn(100)),
			ReadName: "read" + string(rune('a'+r.Intn(26))),
			Seq:      r.Intn(30),
		})
		recs = append(recs, rec)
		stream = append(stream, rec...)
	}
	return header, stream, recs
}

func TestScanBAMHeaderSplit(t *testing.T) {
	header, stream, want := bamStream(t, 20)
	for _, chunks := range [][]int{
		{len(stream)},
		{2, len(stream) - 2},
		{10, 10, 10, len(stream) - 30},
		{len(header), len(stream) - len(header)},
		{len(header) + 1, len(stream) - len(header) - 1},
	} {
		gotHeader, got, err := scanAll(t, BAM, stream, chunks)
		require.NoError(t, err, "chunks %v", chunks)
		assert.Equal(t, header, gotHeader, "chunks %v", chunks)
		assert.Equal(t, want, got, "chunks %v", chunks)
	}

	text, refs, err := ParseBAMHeader(header)
	require.NoError(t, err)
	assert.Equal(t, "@HD\tVN:1.6\tSO:unsorted\n", string(text))
	assert.Equal(t, []BAMReference{{"chr1", 1000}, {"chr2", 2000}}, refs)

	_, _, err = scanAll(t, BAM, stream[:len(header)-1], []int{len(header) - 1})
	assert.ErrorIs(t, err, fault.ErrTruncatedRecord)
}

func TestScanInvalidInput(t *testing.T) {
	_, _, err := scanAll(t, BAM, []byte("SAM\x01\x00\x00\x00\x00"), []int{8})
	assert.ErrorIs(t, err, fault.ErrUnknownRecordFormat)

	header, _, _ := bamStream(t, 0)
	bad := append(append([]byte(nil), header...), 8, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8)
	_, _, err = scanAll(t, BAM, bad, []int{len(bad)})
	assert.ErrorIs(t, err, fault.ErrUnknownRecordFormat)

	rec := FormatBAMRecord(nil, BAMRecord{ReadName: "r", Seq: 4})
	rec[4+lReadNameIndex] = 200
	_, _, err = scanAll(t, BAM, append(append([]byte(nil), header...), rec...), []int{len(header) + len(rec)})
	assert.ErrorIs(t, err, fault.ErrUnknownRecordFormat)
}

func TestBufferPinsBlocks(t *testing.T) {
	pool := blocks.NewPool("test", 2, 64)
	b, err := pool.TryAcquire()
	require.NoError(t, err)
	b.SetLen(copy(b.Buffer(), lpRecord(7, 0)))
	buf := NewBuffer()
	source := buf.AddBlock(b)
	assert.False(t, b.Release())
	assert.Equal(t, 1, pool.Outstanding())

	region := buf.Reserve(1, 12)
	region[0] = Pointer{Source: source, Offset: 0, Length: 12}
	assert.Equal(t, uint64(7), Key(buf.Record(buf.Pointers()[0])))
	assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0}, buf.Payload(buf.Pointers()[0]))
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, int64(12), buf.Bytes())
	assert.Equal(t, 1, buf.Blocks())

	buf.Release()
	assert.Equal(t, 0, pool.Outstanding())
	assert.Equal(t, 0, buf.Len())
}

func TestComparators(t *testing.T) {
	assert.Equal(t, -1, ByKey(lpRecord(1, 0), lpRecord(2, 3)))
	assert.Equal(t, 0, ByKey(lpRecord(5, 0), lpRecord(5, 9)))
	assert.Equal(t, 1, Reverse(ByKey)(lpRecord(1, 0), lpRecord(2, 0)))
	assert.Equal(t, uint64(0x0201), Key([]byte{2, 0, 0, 0, 1, 2}))

	rec := func(refID, pos int32, name string) []byte {
		return FormatBAMRecord(nil, BAMRecord{RefID: refID, Pos: pos, ReadName: name})
	}
	assert.Equal(t, -1, ByCoordinate(rec(0, 5, "a"), rec(1, 0, "a")))
	assert.Equal(t, -1, ByCoordinate(rec(0, 5, "a"), rec(-1, 0, "a")))
	assert.Equal(t, 1, ByCoordinate(rec(-1, 0, "a"), rec(3, 100, "a")))
	assert.Equal(t, 1, ByCoordinate(rec(2, 9, "a"), rec(2, 8, "a")))
	assert.Equal(t, 0, ByCoordinate(rec(2, 9, "a"), rec(2, 9, "b")))
	assert.Equal(t, 0, ByCoordinate(rec(-1, 9, "a"), rec(-1, 9, "b")))

	assert.Equal(t, -1, ByQueryName(rec(0, 0, "read1"), rec(0, 0, "read2")))
	assert.Equal(t, 0, ByQueryName(rec(0, 0, "x"), rec(5, 5, "x")))
	assert.Equal(t, "read1", string(ReadName(rec(0, 0, "read1"))))

	assert.Panics(t, func() { ByCoordinate([]byte{1, 2}, rec(0, 0, "a")) })

	for _, name := range []string{"key", "coordinate", "queryname", "-key"} {
		by, err := CompareByName(name)
		require.NoError(t, err)
		assert.NotNil(t, by)
	}
	by, err := CompareByName("keep")
	assert.NoError(t, err)
	assert.Nil(t, by)
	_, err = CompareByName("random")
	assert.ErrorIs(t, err, fault.ErrConfig)
}
