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

// Package reorder restores the origin order of items that were
// processed out of order by parallel workers.
package reorder

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/exascience/elsort/fault"
)

type entry[T any] struct {
	id   int64
	item T
}

// Buffer is a min-heap of pending items keyed by sequence id. Items
// are released strictly in id order without gaps, starting at the
// first id given to New.
//
// Insert may be called concurrently from any goroutine.
// TryReleaseReady calls are serialized, so emit observes ids in
// increasing order even if several goroutines release.
type Buffer[T any] struct {
	mu      sync.Mutex
	heap    *binaryheap.Heap
	next    int64
	base    int64
	pending bitset.BitSet

	release sync.Mutex
}

// New returns an empty buffer that expects first as its next id.
func New[T any](first int64) *Buffer[T] {
	return &Buffer[T]{
		heap: binaryheap.NewWith(func(a, b interface{}) int {
			x, y := a.(entry[T]).id, b.(entry[T]).id
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}),
		next: first,
		base: first,
	}
}

// rebaseDistance is how far next may run ahead of base before the
// pending set is rebuilt relative to next.
const rebaseDistance = 4096

// rebase keeps the pending set proportional to the ids that can still
// be pending, not to all ids seen. b.mu must be held.
func (b *Buffer[T]) rebase() {
	if b.next-b.base < rebaseDistance {
		return
	}
	var pending bitset.BitSet
	for _, v := range b.heap.Values() {
		pending.Set(uint(v.(entry[T]).id - b.next))
	}
	b.pending = pending
	b.base = b.next
}

// Insert adds an item. Inserting an id that was already released, or
// that is already pending, is an invariant violation and returns a
// fault.Violation of kind fault.ErrDuplicateOrStaleID.
func (b *Buffer[T]) Insert(id int64, item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id < b.next {
		return fault.Violation{Kind: fault.ErrDuplicateOrStaleID, Detail: fmt.Sprintf("id %v inserted after id %v was released", id, b.next-1)}
	}
	bit := uint(id - b.base)
	if b.pending.Test(bit) {
		return fault.Violation{Kind: fault.ErrDuplicateOrStaleID, Detail: fmt.Sprintf("id %v inserted twice", id)}
	}
	b.pending.Set(bit)
	b.heap.Push(entry[T]{id: id, item: item})
	return nil
}

func (b *Buffer[T]) popReady() (entry[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	top, ok := b.heap.Peek()
	if !ok || top.(entry[T]).id != b.next {
		return entry[T]{}, false
	}
	b.heap.Pop()
	e := top.(entry[T])
	b.pending.Clear(uint(e.id - b.base))
	b.next++
	b.rebase()
	return e, true
}

// TryReleaseReady releases every item whose id is next in line, in id
// order, and returns how many items were released.
func (b *Buffer[T]) TryReleaseReady(emit func(id int64, item T)) (n int) {
	b.release.Lock()
	defer b.release.Unlock()
	for {
		e, ok := b.popReady()
		if !ok {
			return n
		}
		emit(e.id, e.item)
		n++
	}
}

// Drain removes all pending items in id order, including items behind
// a gap. It is used on teardown, to return resources held by items
// that will never be released.
func (b *Buffer[T]) Drain(discard func(id int64, item T)) (n int) {
	b.release.Lock()
	defer b.release.Unlock()
	for {
		b.mu.Lock()
		top, ok := b.heap.Pop()
		if ok {
			b.pending.Clear(uint(top.(entry[T]).id - b.base))
		}
		b.mu.Unlock()
		if !ok {
			return n
		}
		e := top.(entry[T])
		discard(e.id, e.item)
		n++
	}
}

// Next returns the id that will be released next.
func (b *Buffer[T]) Next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending returns the number of items waiting for release.
func (b *Buffer[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Size()
}
