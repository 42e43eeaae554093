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
	"io"

	"github.com/exascience/elsort/fault"
)

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

// Offsets into a BAM alignment record, after its block_size field. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

// BAMReference is a an entry in a slice of BAM-encoded sequence dictionary entries.
// See http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
type BAMReference struct {
	Name   string
	Length int32
}

type bamFormat struct{}

// BAM is the binary alignment format. Its header is the magic string,
// the header text, and the reference sequence dictionary. Its records
// are alignments prefixed by their block_size.
var BAM Format = bamFormat{}

func (bamFormat) Name() string { return "bam" }

// int32At returns the little-endian int32 at offset i of p, or false
// if p is too short.
func int32At(p []byte, i int) (int, bool) {
	if len(p) < i+4 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(p[i : i+4]))), true
}

// HeaderLength walks the header fields that are present in prefix, and
// only reports a length once the complete reference dictionary is
// available.
func (bamFormat) HeaderLength(prefix []byte) (int, error) {
	n := len(bamMagic)
	if len(prefix) < n {
		if !bytes.HasPrefix([]byte(bamMagic), prefix) {
			return 0, fmt.Errorf("%w: invalid BAM file header", fault.ErrUnknownRecordFormat)
		}
		return -1, nil
	}
	if string(prefix[:n]) != bamMagic {
		return 0, fmt.Errorf("%w: invalid BAM file header", fault.ErrUnknownRecordFormat)
	}
	lText, ok := int32At(prefix, n)
	if !ok {
		return -1, nil
	}
	if lText < 0 {
		return 0, fmt.Errorf("%w: negative BAM header text length %v", fault.ErrUnknownRecordFormat, lText)
	}
	n += 4 + lText
	nRef, ok := int32At(prefix, n)
	if !ok {
		return -1, nil
	}
	if nRef < 0 {
		return 0, fmt.Errorf("%w: negative BAM reference count %v", fault.ErrUnknownRecordFormat, nRef)
	}
	n += 4
	for i := 0; i < nRef; i++ {
		lName, ok := int32At(prefix, n)
		if !ok {
			return -1, nil
		}
		if lName <= 0 {
			return 0, fmt.Errorf("%w: invalid BAM reference name length %v", fault.ErrUnknownRecordFormat, lName)
		}
		n += 4 + lName + 4
	}
	if len(prefix) < n {
		return -1, nil
	}
	return n, nil
}

func (bamFormat) RecordLength(prefix []byte) (int, error) {
	return recordLength(prefix, readNameIndex)
}

// Validate checks that the variable-length fields of an alignment fit
// into its block_size.
func (f bamFormat) Validate(record []byte) error {
	n, err := f.RecordLength(record)
	if err != nil {
		return err
	}
	if n != len(record) {
		return fmt.Errorf("%w: BAM record of %v bytes has block_size %v", fault.ErrUnknownRecordFormat, len(record), n-prefixSize)
	}
	aln := record[prefixSize:]
	lReadName := int(aln[lReadNameIndex])
	nCigarOp := int(binary.LittleEndian.Uint16(aln[nCigarOpIndex : nCigarOpIndex+2]))
	lSeq := int(int32(binary.LittleEndian.Uint32(aln[lSeqIndex : lSeqIndex+4])))
	if lReadName < 1 || lSeq < 0 {
		return fmt.Errorf("%w: invalid BAM record fields l_read_name %v l_seq %v", fault.ErrUnknownRecordFormat, lReadName, lSeq)
	}
	if need := readNameIndex + lReadName + 4*nCigarOp + (lSeq+1)>>1 + lSeq; need > len(aln) {
		return fmt.Errorf("%w: BAM record fields need %v bytes, block_size is %v", fault.ErrUnknownRecordFormat, need, len(aln))
	}
	if aln[readNameIndex+lReadName-1] != 0 {
		return fmt.Errorf("%w: BAM read name is not NUL terminated", fault.ErrUnknownRecordFormat)
	}
	return nil
}

// ParseBAMHeader splits a complete BAM header into its header text and
// its sequence dictionary. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func ParseBAMHeader(header []byte) (text []byte, references []BAMReference, err error) {
	reader := bytes.NewReader(header)
	magic := make([]byte, 4)
	if _, err = io.ReadFull(reader, magic); err != nil || string(magic) != bamMagic {
		return nil, nil, fmt.Errorf("%w: invalid BAM file header", fault.ErrUnknownRecordFormat)
	}
	var lText int32
	if err = binary.Read(reader, binary.LittleEndian, &lText); err != nil {
		return nil, nil, fmt.Errorf("%w: %v in BAM header", fault.ErrTruncatedRecord, err)
	}
	text = make([]byte, int(lText))
	if _, err = io.ReadFull(reader, text); err != nil {
		return nil, nil, fmt.Errorf("%w: %v in BAM header text", fault.ErrTruncatedRecord, err)
	}
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	var nRef int32
	if err = binary.Read(reader, binary.LittleEndian, &nRef); err != nil {
		return nil, nil, fmt.Errorf("%w: %v in BAM reference dictionary", fault.ErrTruncatedRecord, err)
	}
	var name []byte
	for i := int32(0); i < nRef; i++ {
		var lName int32
		if err = binary.Read(reader, binary.LittleEndian, &lName); err != nil {
			return nil, nil, fmt.Errorf("%w: %v in BAM reference dictionary", fault.ErrTruncatedRecord, err)
		}
		for cap(name) < int(lName) {
			name = append(name[:cap(name)], 0)
		}
		name = name[:int(lName)]
		if _, err = io.ReadFull(reader, name); err != nil {
			return nil, nil, fmt.Errorf("%w: %v in BAM reference dictionary", fault.ErrTruncatedRecord, err)
		}
		var lRef int32
		if err = binary.Read(reader, binary.LittleEndian, &lRef); err != nil {
			return nil, nil, fmt.Errorf("%w: %v in BAM reference dictionary", fault.ErrTruncatedRecord, err)
		}
		references = append(references, BAMReference{
			Name:   string(bytes.TrimRight(name, "\x00")),
			Length: lRef,
		})
	}
	return text, references, nil
}

// FormatBAMHeader writes the header section of a BAM file. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func FormatBAMHeader(out []byte, text string, references []BAMReference) []byte {
	var buf [4]byte
	out = append(out, bamMagic...)
	binary.LittleEndian.PutUint32(buf[:], uint32(len(text)))
	out = append(out, buf[:]...)
	out = append(out, text...)
	binary.LittleEndian.PutUint32(buf[:], uint32(len(references)))
	out = append(out, buf[:]...)
	for _, ref := range references {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(ref.Name)+1))
		out = append(out, buf[:]...)
		out = append(out, ref.Name...)
		out = append(out, 0)
		binary.LittleEndian.PutUint32(buf[:], uint32(ref.Length))
		out = append(out, buf[:]...)
	}
	return out
}

// BAMRecord describes the fields of a BAM alignment that the
// comparators use.
type BAMRecord struct {
	RefID    int32
	Pos      int32
	Flag     uint16
	ReadName string
	Seq      int
}

// FormatBAMRecord appends a minimal BAM alignment record with the given
// fields, an empty CIGAR, and lSeq bases of 'N' with quality 0xff.
func FormatBAMRecord(out []byte, aln BAMRecord) []byte {
	blockSize := readNameIndex + len(aln.ReadName) + 1 + (aln.Seq+1)>>1 + aln.Seq
	start := len(out)
	out = append(out, make([]byte, prefixSize+blockSize)...)
	rec := out[start:]
	binary.LittleEndian.PutUint32(rec[0:4], uint32(blockSize))
	core := rec[prefixSize:]
	binary.LittleEndian.PutUint32(core[refIDIndex:], uint32(aln.RefID))
	binary.LittleEndian.PutUint32(core[posIndex:], uint32(aln.Pos))
	core[lReadNameIndex] = uint8(len(aln.ReadName) + 1)
	core[mapqIndex] = 0xff
	binary.LittleEndian.PutUint16(core[flagIndex:], aln.Flag)
	binary.LittleEndian.PutUint32(core[lSeqIndex:], uint32(aln.Seq))
	binary.LittleEndian.PutUint32(core[nextRefIDIndex:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(core[nextPosIndex:], 0xFFFFFFFF)
	index := readNameIndex
	copy(core[index:], aln.ReadName)
	index += len(aln.ReadName) + 1
	for i := 0; i < (aln.Seq+1)>>1; i++ {
		core[index+i] = 0xff
	}
	index += (aln.Seq + 1) >> 1
	for i := 0; i < aln.Seq; i++ {
		core[index+i] = 0xff
	}
	return out
}
