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

package records

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/exascience/elsort/fault"
)

// Compare is a 3-way comparison of two complete records, including
// their length fields. Ties are resolved by the sort, which keeps the
// input order of equal records.
type Compare func(rec1, rec2 []byte) int

// Key returns the first 8 payload bytes of a record as a little-endian
// unsigned integer. Missing bytes count as zero.
func Key(rec []byte) uint64 {
	if len(rec) >= prefixSize+8 {
		return binary.LittleEndian.Uint64(rec[prefixSize : prefixSize+8])
	}
	var key [8]byte
	if len(rec) > prefixSize {
		copy(key[:], rec[prefixSize:])
	}
	return binary.LittleEndian.Uint64(key[:])
}

// ByKey orders records by Key.
func ByKey(rec1, rec2 []byte) int {
	key1, key2 := Key(rec1), Key(rec2)
	switch {
	case key1 < key2:
		return -1
	case key1 > key2:
		return 1
	default:
		return 0
	}
}

func bamInt32(rec []byte, index int) int32 {
	index += prefixSize
	if len(rec) < index+4 {
		panic(fmt.Sprintf("BAM record of %v bytes too short for field at offset %v", len(rec), index))
	}
	return int32(binary.LittleEndian.Uint32(rec[index : index+4]))
}

// ByCoordinate orders BAM alignments by reference sequence and
// position. Alignments without a reference sequence come last.
func ByCoordinate(rec1, rec2 []byte) int {
	refid1 := bamInt32(rec1, refIDIndex)
	refid2 := bamInt32(rec2, refIDIndex)
	switch {
	case refid1 < refid2:
		if refid1 >= 0 {
			return -1
		}
		return 1
	case refid2 < refid1:
		if refid2 < 0 {
			return -1
		}
		return 1
	}
	pos1 := bamInt32(rec1, posIndex)
	pos2 := bamInt32(rec2, posIndex)
	switch {
	case pos1 < pos2:
		return -1
	case pos1 > pos2:
		return 1
	default:
		return 0
	}
}

// ReadName returns the read name of a BAM alignment, without its NUL
// terminator.
func ReadName(rec []byte) []byte {
	if len(rec) <= prefixSize+lReadNameIndex {
		panic(fmt.Sprintf("BAM record of %v bytes too short for its read name", len(rec)))
	}
	lReadName := int(rec[prefixSize+lReadNameIndex])
	start := prefixSize + readNameIndex
	if lReadName == 0 || len(rec) < start+lReadName {
		panic(fmt.Sprintf("BAM record of %v bytes too short for a read name of %v bytes", len(rec), lReadName))
	}
	return rec[start : start+lReadName-1]
}

// ByQueryName orders BAM alignments by read name.
func ByQueryName(rec1, rec2 []byte) int {
	return bytes.Compare(ReadName(rec1), ReadName(rec2))
}

// Reverse inverts the order of a comparator. Ties stay ties, so a
// reversed sort is still stable.
func Reverse(by Compare) Compare {
	return func(rec1, rec2 []byte) int {
		return by(rec2, rec1)
	}
}

// CompareByName returns the comparator with the given name. The name
// "keep" returns nil, which means that input order is kept.
func CompareByName(name string) (Compare, error) {
	reverse := false
	if strings.HasPrefix(name, "-") {
		reverse, name = true, name[1:]
	}
	var by Compare
	switch strings.ToLower(name) {
	case "key":
		by = ByKey
	case "coordinate":
		by = ByCoordinate
	case "queryname":
		by = ByQueryName
	case "keep", "unsorted", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown sort order %q", fault.ErrConfig, name)
	}
	if reverse {
		by = Reverse(by)
	}
	return by, nil
}
