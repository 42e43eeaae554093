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

// Package blocks implements the fixed-capacity byte buffers that move
// through every stage of the pipeline, and the pools that own them.
//
// A Pool allocates all of its blocks once, so the number of blocks in
// flight bounds the memory use of the whole pipeline. Ownership of a
// block is transferred from stage to stage; a block is never mutated by
// two goroutines at the same time. Blocks are reference counted, so that
// a block can stay pinned by a pointer array after the stage that
// produced it has finished with it.
package blocks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/exascience/elsort/fault"
)

// Unassigned is the sequence id of a block that has not been given a
// position in its origin stream yet.
const Unassigned int64 = -1

// Handle identifies a block within its pool. Handles are dense indexes
// into the block table of the pool, and stay valid for the lifetime of
// the pool.
type Handle int32

// SubRange describes a logical sub-range of a block payload, for
// example one compressed member packed into a block with others.
type SubRange struct {
	Offset, Length int
}

// Block is a fixed-capacity buffer.
type Block struct {
	data   []byte
	n      int
	seq    int64
	refs   atomic.Int32
	handle Handle
	pool   *Pool

	// Meta describes the logical sub-ranges of the payload.
	Meta []SubRange
}

// Handle returns the handle of the block in its pool.
func (b *Block) Handle() Handle { return b.handle }

// Cap returns the fixed capacity of the block.
func (b *Block) Cap() int { return len(b.data) }

// Len returns the number of payload bytes.
func (b *Block) Len() int { return b.n }

// Buffer returns the whole buffer of the block, regardless of its
// current payload length.
func (b *Block) Buffer() []byte { return b.data }

// Bytes returns the payload of the block.
func (b *Block) Bytes() []byte { return b.data[:b.n] }

// SetLen sets the payload length of the block.
func (b *Block) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("block payload length %v out of range [0,%v]", n, len(b.data)))
	}
	b.n = n
}

// Seq returns the sequence id of the block, or Unassigned.
func (b *Block) Seq() int64 { return b.seq }

// SetSeq assigns the sequence id of the block. A sequence id never
// changes after assignment.
func (b *Block) SetSeq(seq int64) {
	if b.seq != Unassigned {
		fault.Violate(fault.ErrBlockOwnership, "block %v of pool %v already has sequence id %v, cannot assign %v", b.handle, b.pool.name, b.seq, seq)
	}
	b.seq = seq
}

// Retain adds a reference to the block, pinning it until a matching
// Release.
func (b *Block) Retain() {
	if b.refs.Add(1) <= 1 {
		fault.Violate(fault.ErrBlockOwnership, "retain of free block %v of pool %v", b.handle, b.pool.name)
	}
}

// Release drops a reference to the block, and returns it to its pool
// when this was the last reference. Release reports whether the block
// was returned.
func (b *Block) Release() bool {
	return b.pool.Release(b)
}

func (b *Block) reset() {
	b.n = 0
	b.seq = Unassigned
	b.Meta = b.Meta[:0]
}

// Pool is a fixed-size free-list of blocks of equal capacity.
type Pool struct {
	name      string
	capacity  int
	table     []*Block
	free      chan *Block
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	outstanding *bitset.BitSet
}

// NewPool allocates a pool of size blocks of the given capacity.
func NewPool(name string, size, capacity int) *Pool {
	if size <= 0 || capacity <= 0 {
		panic(fmt.Sprintf("invalid block pool %v: %v blocks of %v bytes", name, size, capacity))
	}
	p := &Pool{
		name:        name,
		capacity:    capacity,
		table:       make([]*Block, size),
		free:        make(chan *Block, size),
		closed:      make(chan struct{}),
		outstanding: bitset.New(uint(size)),
	}
	for i := range p.table {
		b := &Block{
			data:   make([]byte, capacity),
			seq:    Unassigned,
			handle: Handle(i),
			pool:   p,
		}
		p.table[i] = b
		p.free <- b
	}
	return p
}

// Name returns the name of the pool.
func (p *Pool) Name() string { return p.name }

// Size returns the number of blocks owned by the pool.
func (p *Pool) Size() int { return len(p.table) }

// Capacity returns the capacity of each block of the pool.
func (p *Pool) Capacity() int { return p.capacity }

// Free returns the number of blocks currently available.
func (p *Pool) Free() int { return len(p.free) }

// Outstanding returns the number of blocks currently acquired.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.outstanding.Count())
}

// Lookup returns the block with the given handle.
func (p *Pool) Lookup(h Handle) *Block {
	return p.table[h]
}

func (p *Pool) checkout(b *Block) *Block {
	p.mu.Lock()
	if p.outstanding.Test(uint(b.handle)) {
		p.mu.Unlock()
		fault.Violate(fault.ErrBlockOwnership, "block %v of pool %v handed out twice", b.handle, p.name)
	}
	p.outstanding.Set(uint(b.handle))
	p.mu.Unlock()
	b.refs.Store(1)
	return b
}

// Acquire returns exclusive ownership of a free block, waiting until
// one becomes available. It fails with fault.ErrPoolClosed once the
// pool is closed, or with the context error if ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (*Block, error) {
	select {
	case <-p.closed:
		return nil, fault.ErrPoolClosed
	default:
	}
	select {
	case b := <-p.free:
		return p.checkout(b), nil
	default:
	}
	select {
	case b := <-p.free:
		return p.checkout(b), nil
	case <-p.closed:
		return nil, fault.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns a free block without waiting, or fails with
// fault.ErrPoolExhausted.
func (p *Pool) TryAcquire() (*Block, error) {
	select {
	case <-p.closed:
		return nil, fault.ErrPoolClosed
	default:
	}
	select {
	case b := <-p.free:
		return p.checkout(b), nil
	default:
		return nil, fmt.Errorf("%w: all %v blocks of pool %v in use", fault.ErrPoolExhausted, len(p.table), p.name)
	}
}

// Release drops one reference to b. When the last reference is
// dropped, the payload length, sequence id and meta data of b are
// cleared and b becomes available to the next Acquire. Release reports
// whether b was returned to the free list.
func (p *Pool) Release(b *Block) bool {
	if b.pool != p {
		fault.Violate(fault.ErrBlockOwnership, "block %v of pool %v released to pool %v", b.handle, b.pool.name, p.name)
	}
	refs := b.refs.Add(-1)
	if refs > 0 {
		return false
	}
	if refs < 0 {
		fault.Violate(fault.ErrBlockOwnership, "block %v of pool %v released more often than acquired", b.handle, p.name)
	}
	b.reset()
	p.mu.Lock()
	if !p.outstanding.Test(uint(b.handle)) {
		p.mu.Unlock()
		fault.Violate(fault.ErrBlockOwnership, "free block %v of pool %v released", b.handle, p.name)
	}
	p.outstanding.Clear(uint(b.handle))
	p.mu.Unlock()
	p.free <- b
	return true
}

// Close wakes up all goroutines waiting in Acquire. Blocks can still be
// released after Close.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
