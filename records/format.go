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

// Package records finds, validates, and orders the variable-length
// records of a decompressed stream.
//
// Records are never copied out of the blocks that hold them. Instead,
// a Buffer pins the blocks, and Pointer values refer to byte ranges of
// the pinned blocks by arena index. Only a record that is split across
// two or more blocks is copied, into a spill buffer of its own.
package records

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/exascience/elsort/fault"
)

// Format describes the framing of a record stream.
type Format interface {
	// Name returns the name of the format.
	Name() string

	// HeaderLength returns the length of the stream header that starts
	// at prefix, or -1 if prefix is too short to tell. A format without
	// a header returns 0.
	HeaderLength(prefix []byte) (int, error)

	// RecordLength returns the total length of the record that starts
	// at prefix, including its length field, or -1 if prefix is too
	// short to tell.
	RecordLength(prefix []byte) (int, error)

	// Validate checks the contents of one complete record.
	Validate(record []byte) error
}

// prefixSize is the size of the little-endian length field that starts
// every record.
const prefixSize = 4

// recordLength decodes a 4-byte little-endian length prefix.
func recordLength(prefix []byte, min int) (int, error) {
	if len(prefix) < prefixSize {
		return -1, nil
	}
	n := int(int32(binary.LittleEndian.Uint32(prefix)))
	if n < min {
		return 0, fmt.Errorf("%w: record length %v below minimum %v", fault.ErrUnknownRecordFormat, n, min)
	}
	return prefixSize + n, nil
}

type lengthPrefixed struct{}

// LengthPrefixed is a headerless stream of records, each of which is a
// 4-byte little-endian length followed by that many payload bytes.
var LengthPrefixed Format = lengthPrefixed{}

func (lengthPrefixed) Name() string { return "length-prefixed" }

func (lengthPrefixed) HeaderLength([]byte) (int, error) { return 0, nil }

func (lengthPrefixed) RecordLength(prefix []byte) (int, error) {
	return recordLength(prefix, 0)
}

func (lengthPrefixed) Validate(record []byte) error {
	if n, err := recordLength(record, 0); err != nil {
		return err
	} else if n != len(record) {
		return fmt.Errorf("%w: record of %v bytes has length prefix %v", fault.ErrUnknownRecordFormat, len(record), n-prefixSize)
	}
	return nil
}

// FormatByName returns the record format with the given name.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "bam":
		return BAM, nil
	case "length-prefixed", "lp", "raw":
		return LengthPrefixed, nil
	default:
		return nil, fmt.Errorf("%w: unknown record format %q", fault.ErrConfig, name)
	}
}
