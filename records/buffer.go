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
	"github.com/exascience/elsort/blocks"
	"github.com/exascience/elsort/internal"
)

// Pointer refers to one record by arena index, offset, and length.
type Pointer struct {
	Source uint32
	Offset uint32
	Length uint32
}

// Buffer is the pointer array of one sort batch, together with the
// arena of byte sources that its pointers refer to.
//
// Blocks added to a Buffer stay pinned until Release. AddBlock,
// AddSpill, Reserve, and Release must be called by a single goroutine.
// The regions returned by Reserve may be filled concurrently, and
// Record may be called concurrently once all regions are filled.
type Buffer struct {
	sources [][]byte
	blocks  []*blocks.Block
	spills  [][]byte
	regions [][]Pointer
	records int
	bytes   int64
	flat    []Pointer
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// AddBlock pins b and adds its payload to the arena.
func (buf *Buffer) AddBlock(b *blocks.Block) uint32 {
	b.Retain()
	buf.blocks = append(buf.blocks, b)
	buf.sources = append(buf.sources, b.Bytes())
	return uint32(len(buf.sources) - 1)
}

// AddSpill adds a spilled record to the arena. The buffer takes
// ownership of spill.
func (buf *Buffer) AddSpill(spill []byte) uint32 {
	buf.spills = append(buf.spills, spill)
	buf.sources = append(buf.sources, spill)
	return uint32(len(buf.sources) - 1)
}

// Reserve returns a region of n pointers, disjoint from all other
// regions, for recordBytes bytes of records.
func (buf *Buffer) Reserve(n int, recordBytes int) []Pointer {
	region := make([]Pointer, n)
	buf.regions = append(buf.regions, region)
	buf.records += n
	buf.bytes += int64(recordBytes)
	buf.flat = nil
	return region
}

// Len returns the number of reserved pointers.
func (buf *Buffer) Len() int { return buf.records }

// Bytes returns the number of record bytes referred to by the
// reserved pointers.
func (buf *Buffer) Bytes() int64 { return buf.bytes }

// Blocks returns the number of blocks pinned by the buffer.
func (buf *Buffer) Blocks() int { return len(buf.blocks) }

// Pointers returns all reserved pointers in reservation order. The
// result can be permuted in place, and is valid until the next Reserve
// or Release.
func (buf *Buffer) Pointers() []Pointer {
	if buf.flat != nil || buf.records == 0 {
		return buf.flat
	}
	buf.flat = make([]Pointer, 0, buf.records)
	for _, region := range buf.regions {
		buf.flat = append(buf.flat, region...)
	}
	return buf.flat
}

// Record returns the bytes of the record p refers to.
func (buf *Buffer) Record(p Pointer) []byte {
	return buf.sources[p.Source][p.Offset : p.Offset+p.Length]
}

// Payload returns the record p refers to without its length prefix.
func (buf *Buffer) Payload(p Pointer) []byte {
	return buf.Record(p)[prefixSize:]
}

// Release unpins all blocks, frees all spilled records, and empties
// the buffer.
func (buf *Buffer) Release() {
	for i, b := range buf.blocks {
		b.Release()
		buf.blocks[i] = nil
	}
	for i, spill := range buf.spills {
		internal.ReleaseByteBuffer(spill)
		buf.spills[i] = nil
	}
	for i := range buf.sources {
		buf.sources[i] = nil
	}
	buf.sources = buf.sources[:0]
	buf.blocks = buf.blocks[:0]
	buf.spills = buf.spills[:0]
	buf.regions = nil
	buf.flat = nil
	buf.records = 0
	buf.bytes = 0
}
