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

package fault

import (
	"errors"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecErrorMatchesSentinel(t *testing.T) {
	err := error(&CodecError{Seq: 3, Op: "decompress", Err: io.ErrUnexpectedEOF})
	assert.ErrorIs(t, err, ErrCodec)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "elsort: decompress of block 3: unexpected EOF", err.Error())

	wrapped := pkgerrors.Wrap(err, "while decoding input")
	assert.ErrorIs(t, wrapped, ErrCodec)
	var ce *CodecError
	require.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, int64(3), ce.Seq)
}

func TestViolationRecovered(t *testing.T) {
	err := func() (err error) {
		defer func() { err = Recovered(recover()) }()
		Violate(ErrDuplicateOrStaleID, "id %v inserted twice", 7)
		return nil
	}()
	require.Error(t, err)
	assert.True(t, IsViolation(err))
	assert.ErrorIs(t, err, ErrDuplicateOrStaleID)
	assert.Contains(t, err.Error(), "id 7 inserted twice")
}

func TestRecoveredPlainPanics(t *testing.T) {
	assert.NoError(t, Recovered(nil))

	err := Recovered("boom")
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.False(t, IsViolation(err))

	err = Recovered(io.ErrClosedPipe)
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
