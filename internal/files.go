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

package internal

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// FullPathname returns filename relative to the working directory.
func FullPathname(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return filename, nil
	}
	wd, err := os.Getwd()
	return filepath.Join(wd, filename), err
}

// InputFile is a read-only input stream. Regular files are mapped into
// memory, everything else is read through the file descriptor.
type InputFile struct {
	io.Reader
	file *os.File
	data mmap.MMap
	size int64
}

// Open opens the named input file for a single sequential pass. The
// name "-" denotes standard input.
func Open(name string) (*InputFile, error) {
	if name == "-" {
		return &InputFile{Reader: os.Stdin, size: -1}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "stat %v", name), f.Close())
	}
	if info.Mode().IsRegular() && info.Size() > 0 {
		if data, err := mmap.Map(f, mmap.RDONLY, 0); err == nil {
			madviseSequential(data)
			return &InputFile{Reader: bytes.NewReader(data), file: f, data: data, size: info.Size()}, nil
		}
	}
	fadviseSequential(f)
	return &InputFile{Reader: f, file: f, size: info.Size()}, nil
}

// Size returns the size of a regular input file, or -1 if unknown.
func (in *InputFile) Size() int64 { return in.size }

// Mapped reports whether the input is mapped into memory.
func (in *InputFile) Mapped() bool { return in.data != nil }

// Close unmaps and closes the input file.
func (in *InputFile) Close() (err error) {
	if in.data != nil {
		err = in.data.Unmap()
		in.data = nil
	}
	if in.file != nil {
		err = multierr.Append(err, in.file.Close())
		in.file = nil
	}
	return err
}

// OutputFile is a buffered output stream.
type OutputFile struct {
	*bufio.Writer
	file *os.File
}

// Create creates the named output file, and any missing parent
// directories. The name "-" denotes standard output.
func Create(name string) (*OutputFile, error) {
	if name == "-" {
		return &OutputFile{Writer: bufio.NewWriterSize(os.Stdout, 1<<20)}, nil
	}
	if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return nil, err
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &OutputFile{Writer: bufio.NewWriterSize(f, 1<<20), file: f}, nil
}

// Close flushes and closes the output file.
func (out *OutputFile) Close() error {
	err := out.Flush()
	if out.file != nil {
		err = multierr.Append(err, out.file.Close())
		out.file = nil
	}
	return err
}
