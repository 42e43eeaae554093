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

// Package digest provides the running checksums that can be attached
// to the output of a pipeline run.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"

	"github.com/exascience/elsort/fault"
)

// Digest is a running checksum over a byte stream. Update is called
// sequentially, in stream order.
type Digest interface {
	Name() string
	Update(p []byte)
	Sum() []byte
	Reset()
}

// Names lists the digests known to New.
var Names = []string{"xxhash", "xxh3", "murmur3", "md5", "crc32"}

type hashDigest struct {
	name string
	h    hash.Hash
}

func (d *hashDigest) Name() string { return d.name }

// Update never fails: none of the wrapped hashes return write errors.
func (d *hashDigest) Update(p []byte) { _, _ = d.h.Write(p) }

func (d *hashDigest) Sum() []byte { return d.h.Sum(nil) }

func (d *hashDigest) Reset() { d.h.Reset() }

// New returns a fresh digest by name.
func New(name string) (Digest, error) {
	var h hash.Hash
	switch name = strings.ToLower(name); name {
	case "xxhash", "xxh64":
		name, h = "xxhash", xxhash.New()
	case "xxh3":
		h = xxh3.New()
	case "murmur3":
		h = murmur3.New128()
	case "md5":
		h = md5.New()
	case "crc32":
		h = crc32.NewIEEE()
	default:
		return nil, fmt.Errorf("%w: unknown digest %q", fault.ErrConfig, name)
	}
	return &hashDigest{name: name, h: h}, nil
}

// Hex formats the current sum of d.
func Hex(d Digest) string {
	if d == nil {
		return ""
	}
	return d.Name() + ":" + hex.EncodeToString(d.Sum())
}
