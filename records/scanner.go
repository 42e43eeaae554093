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
	"fmt"

	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/internal"
)

// Span describes the records found in one block.
type Span struct {
	// Header holds the stream header, if it was completed by this
	// block.
	Header []byte

	// Spill holds a record that started in an earlier block and ends
	// in this one. It precedes the records of [Start, End).
	Spill []byte

	// SpillSource is the arena index of Spill in the Buffer that owns
	// it. It is assigned by the caller of Scan.
	SpillSource uint32

	// Start and End delimit the whole records inside the block.
	Start, End int

	// Count is the number of records in [Start, End).
	Count int
}

// Records returns the number of pointers that Parse writes for the
// span.
func (s *Span) Records() int {
	if s.Spill != nil {
		return s.Count + 1
	}
	return s.Count
}

// Bytes returns the number of record bytes of the span.
func (s *Span) Bytes() int {
	return len(s.Spill) + s.End - s.Start
}

// Scanner finds record boundaries in a sequence of blocks. Blocks must
// be passed to Scan in stream order. The scanner keeps the bytes of a
// record that continues past the end of a block until the block that
// completes it arrives.
//
// A Scanner only decodes length fields. The records themselves are
// validated by Parse, which can run in parallel for different blocks.
type Scanner struct {
	format     Format
	headerDone bool
	header     []byte
	partial    []byte
	need       int
}

// NewScanner returns a scanner for the given format.
func NewScanner(format Format) *Scanner {
	return &Scanner{format: format, need: -1}
}

// Format returns the format of the scanner.
func (s *Scanner) Format() Format { return s.format }

func (s *Scanner) scanHeader(data []byte) (int, error) {
	if len(s.header) == 0 {
		n, err := s.format.HeaderLength(data)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			s.headerDone = true
			return 0, nil
		}
		if n > 0 {
			s.header = append(s.header, data[:n]...)
			s.headerDone = true
			return n, nil
		}
	}
	had := len(s.header)
	s.header = append(s.header, data...)
	n, err := s.format.HeaderLength(s.header)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return len(data), nil
	}
	s.header = s.header[:n]
	s.headerDone = true
	return n - had, nil
}

// Scan finds the records of the next block.
func (s *Scanner) Scan(data []byte) (span Span, err error) {
	pos := 0
	if !s.headerDone {
		if pos, err = s.scanHeader(data); err != nil {
			return span, err
		}
		if s.headerDone && len(s.header) > 0 {
			span.Header = s.header
			s.header = nil
		}
		if !s.headerDone {
			span.Start, span.End = pos, pos
			return span, nil
		}
	}

	if s.partial != nil {
		for s.need < 0 && pos < len(data) {
			s.partial = append(s.partial, data[pos])
			pos++
			n, err := s.format.RecordLength(s.partial)
			if err != nil {
				return span, err
			}
			if n >= 0 {
				s.need = n - len(s.partial)
			}
		}
		if s.need >= 0 {
			take := s.need
			if rest := len(data) - pos; take > rest {
				take = rest
			}
			s.partial = append(s.partial, data[pos:pos+take]...)
			pos += take
			s.need -= take
			if s.need == 0 {
				span.Spill = s.partial
				s.partial = nil
				s.need = -1
			}
		}
		if s.partial != nil {
			span.Start, span.End = pos, pos
			return span, nil
		}
	}

	span.Start = pos
	for pos < len(data) {
		n, err := s.format.RecordLength(data[pos:])
		if err != nil {
			return span, err
		}
		if n < 0 || pos+n > len(data) {
			s.partial = append(internal.ReserveByteBuffer(), data[pos:]...)
			if n >= 0 {
				s.need = n - len(s.partial)
			} else {
				s.need = -1
			}
			break
		}
		pos += n
		span.Count++
	}
	span.End = pos
	return span, nil
}

// Finish reports an error if the stream ended inside the header or
// inside a record.
func (s *Scanner) Finish() error {
	if !s.headerDone && len(s.header) > 0 {
		return fmt.Errorf("%w: stream ends inside the %v header after %v bytes", fault.ErrTruncatedRecord, s.format.Name(), len(s.header))
	}
	if s.partial != nil {
		n := len(s.partial)
		internal.ReleaseByteBuffer(s.partial)
		s.partial = nil
		return fmt.Errorf("%w: stream ends inside a %v record after %v bytes", fault.ErrTruncatedRecord, s.format.Name(), n)
	}
	return nil
}

// Parse validates the records of span and writes one pointer per
// record into dst, which must hold exactly span.Records() pointers.
// The records of the block are referred to by source. Parse does not
// touch any state shared with other spans, so the spans of different
// blocks can be parsed in parallel.
func Parse(format Format, span *Span, source uint32, data []byte, dst []Pointer) error {
	if len(dst) != span.Records() {
		fault.Violate(fault.ErrBlockOwnership, "parse region of %v pointers for %v records", len(dst), span.Records())
	}
	i := 0
	if span.Spill != nil {
		if err := format.Validate(span.Spill); err != nil {
			return err
		}
		dst[0] = Pointer{Source: span.SpillSource, Offset: 0, Length: uint32(len(span.Spill))}
		i++
	}
	for pos := span.Start; pos < span.End; i++ {
		n, err := format.RecordLength(data[pos:span.End])
		if err != nil {
			return err
		}
		if n < 0 || pos+n > span.End || i >= len(dst) {
			return fmt.Errorf("%w: record boundaries changed between scan and parse", fault.ErrTruncatedRecord)
		}
		if err := format.Validate(data[pos : pos+n]); err != nil {
			return err
		}
		dst[i] = Pointer{Source: source, Offset: uint32(pos), Length: uint32(n)}
		pos += n
	}
	if i != len(dst) {
		return fmt.Errorf("%w: parsed %v records, scanned %v", fault.ErrTruncatedRecord, i, len(dst))
	}
	return nil
}
