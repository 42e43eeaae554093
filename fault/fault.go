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

// Package fault defines the error values shared by all stages of the
// elsort pipeline.
//
// Every stage reports failures in terms of these sentinels, so that
// errors.Is works across package boundaries, regardless of how many
// layers of context were added on the way to the controller.
package fault

import (
	"errors"
	"fmt"
)

// Resource errors
var (
	ErrPoolExhausted = errors.New("elsort: block pool exhausted")
	ErrPoolClosed    = errors.New("elsort: block pool closed")
)

// Codec errors
var (
	ErrCodec = errors.New("elsort: codec error")
)

// Parse errors
var (
	ErrTruncatedRecord     = errors.New("elsort: truncated record")
	ErrUnknownRecordFormat = errors.New("elsort: unknown record format")
)

// Invariant violations
var (
	ErrDuplicateOrStaleID   = errors.New("elsort: duplicate or stale sequence id")
	ErrSortTreeInconsistent = errors.New("elsort: sort tree inconsistent")
	ErrBlockOwnership       = errors.New("elsort: block ownership violated")
)

// Worker and pipeline errors
var (
	ErrComparator     = errors.New("elsort: comparator failed")
	ErrWorkerPanic    = errors.New("elsort: worker panicked")
	ErrPipelineFailed = errors.New("elsort: pipeline failed")
	ErrConfig         = errors.New("elsort: invalid configuration")
)

// CodecError reports malformed compressed input, or a failure of the
// compressor, for the block with sequence id Seq.
type CodecError struct {
	Seq int64
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	if e.Seq < 0 {
		return fmt.Sprintf("elsort: %v: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("elsort: %v of block %v: %v", e.Op, e.Seq, e.Err)
}

// Unwrap returns the underlying error.
func (e *CodecError) Unwrap() error { return e.Err }

// Is makes every CodecError match ErrCodec.
func (e *CodecError) Is(target error) bool { return target == ErrCodec }

// Codec returns a CodecError for an operation that is not tied to a
// particular block.
func Codec(op string, format string, args ...interface{}) error {
	return &CodecError{Seq: -1, Op: op, Err: fmt.Errorf(format, args...)}
}

// Violation is raised with panic when pipeline bookkeeping is found to
// be corrupt. It is never a normal runtime condition: the thread pool
// recovers it, fails the run, and reports it as a terminal error.
type Violation struct {
	Kind   error
	Detail string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%v: %v", v.Kind, v.Detail)
}

// Unwrap returns the kind of the violation.
func (v Violation) Unwrap() error { return v.Kind }

// Violate panics with a Violation of the given kind.
func Violate(kind error, format string, args ...interface{}) {
	panic(Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)})
}

// Recovered converts a value obtained from recover into an error.
// Violations and errors keep their identity; anything else is
// reported as ErrWorkerPanic.
func Recovered(x interface{}) error {
	switch v := x.(type) {
	case nil:
		return nil
	case Violation:
		return v
	case error:
		return fmt.Errorf("%w: %w", ErrWorkerPanic, v)
	default:
		return fmt.Errorf("%w: %v", ErrWorkerPanic, v)
	}
}

// IsViolation reports whether err is, or wraps, a Violation.
func IsViolation(err error) bool {
	var v Violation
	return errors.As(err, &v)
}
