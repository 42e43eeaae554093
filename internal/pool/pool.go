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

// Package pool provides typed free-lists that track how many of their
// objects are currently handed out.
package pool

import (
	"sync"
	"sync/atomic"
)

// Synced is a typed sync.Pool with an outstanding-object count.
type Synced[T any] struct {
	pool sync.Pool
	refs atomic.Int64
}

// New returns a free-list that allocates new objects with alloc.
func New[T any](alloc func() T) *Synced[T] {
	p := &Synced[T]{}
	p.pool.New = func() interface{} { return alloc() }
	return p
}

// Get returns an object from the free-list.
func (p *Synced[T]) Get() T {
	p.refs.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the free-list.
func (p *Synced[T]) Put(v T) {
	p.pool.Put(v)
	p.refs.Add(-1)
}

// RefsCount returns the number of objects currently handed out.
func (p *Synced[T]) RefsCount() int {
	return int(p.refs.Load())
}
