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

package blocks

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/fault"
)

func TestAcquireRelease(t *testing.T) {
	p := NewPool("test", 2, 16)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 16, p.Capacity())

	b1, err := p.TryAcquire()
	require.NoError(t, err)
	b2, err := p.TryAcquire()
	require.NoError(t, err)
	assert.NotEqual(t, b1.Handle(), b2.Handle())
	assert.Equal(t, 2, p.Outstanding())

	_, err = p.TryAcquire()
	assert.ErrorIs(t, err, fault.ErrPoolExhausted)

	copy(b1.Buffer(), "abc")
	b1.SetLen(3)
	b1.SetSeq(42)
	b1.Meta = append(b1.Meta, SubRange{0, 3})
	assert.Equal(t, []byte("abc"), b1.Bytes())

	assert.True(t, p.Release(b1))
	assert.Equal(t, 1, p.Outstanding())
	assert.Equal(t, 0, b1.Len())
	assert.Equal(t, Unassigned, b1.Seq())
	assert.Empty(t, b1.Meta)

	b3, err := p.TryAcquire()
	require.NoError(t, err)
	assert.Same(t, b1, b3)
	assert.Same(t, b3, p.Lookup(b3.Handle()))
	p.Release(b2)
	p.Release(b3)
	assert.Equal(t, 0, p.Outstanding())
	assert.Equal(t, 2, p.Free())
}

func TestRetainPinsBlock(t *testing.T) {
	p := NewPool("test", 1, 8)
	b, err := p.TryAcquire()
	require.NoError(t, err)
	b.Retain()
	assert.False(t, b.Release())
	_, err = p.TryAcquire()
	assert.ErrorIs(t, err, fault.ErrPoolExhausted)
	assert.True(t, b.Release())
	assert.Equal(t, 1, p.Free())
}

func TestSeqNeverChanges(t *testing.T) {
	p := NewPool("test", 1, 8)
	b, err := p.TryAcquire()
	require.NoError(t, err)
	b.SetSeq(1)
	assert.PanicsWithError(t, "elsort: block ownership violated: block 0 of pool test already has sequence id 1, cannot assign 2", func() {
		b.SetSeq(2)
	})
}

func TestDoubleReleaseViolation(t *testing.T) {
	p := NewPool("test", 1, 8)
	b, err := p.TryAcquire()
	require.NoError(t, err)
	p.Release(b)
	err = func() (err error) {
		defer func() { err = fault.Recovered(recover()) }()
		p.Release(b)
		return nil
	}()
	assert.ErrorIs(t, err, fault.ErrBlockOwnership)
	assert.True(t, fault.IsViolation(err))
}

func TestForeignReleaseViolation(t *testing.T) {
	p1 := NewPool("one", 1, 8)
	p2 := NewPool("two", 1, 8)
	b, err := p1.TryAcquire()
	require.NoError(t, err)
	assert.Panics(t, func() { p2.Release(b) })
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := NewPool("test", 1, 8)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Block)
	go func() {
		b, err := p.Acquire(context.Background())
		if err != nil {
			close(got)
			return
		}
		got <- b
	}()
	select {
	case <-got:
		t.Fatal("Acquire returned while the pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}
	p.Release(b)
	select {
	case b2, ok := <-got:
		require.True(t, ok)
		assert.Same(t, b, b2)
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not wake up after Release")
	}
}

func TestAcquireCancelAndClose(t *testing.T) {
	p := NewPool("test", 1, 8)
	_, err := p.TryAcquire()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan error)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()
	p.Close()
	assert.ErrorIs(t, <-done, fault.ErrPoolClosed)
	_, err = p.TryAcquire()
	assert.ErrorIs(t, err, fault.ErrPoolClosed)
}

func TestPoolConservation(t *testing.T) {
	const size = 8
	p := NewPool("test", size, 64)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxOut := 0
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				b, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if out := p.Outstanding(); out > maxOut {
					maxOut = out
				}
				mu.Unlock()
				b.SetLen(r.Intn(b.Cap() + 1))
				p.Release(b)
			}
		}(int64(w))
	}
	wg.Wait()
	assert.LessOrEqual(t, maxOut, size)
	assert.Equal(t, 0, p.Outstanding())
	assert.Equal(t, size, p.Free())
}
