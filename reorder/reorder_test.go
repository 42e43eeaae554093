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

package reorder

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/fault"
)

func TestReleaseInOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17, 1000} {
		for seed := int64(0); seed < 5; seed++ {
			perm := rand.New(rand.NewSource(seed)).Perm(n)
			b := New[string](0)
			var got []int64
			emit := func(id int64, item string) {
				assert.Equal(t, string(rune('a'+id%26)), item)
				got = append(got, id)
			}
			for _, id := range perm {
				require.NoError(t, b.Insert(int64(id), string(rune('a'+id%26))))
				b.TryReleaseReady(emit)
			}
			require.Len(t, got, n)
			for i, id := range got {
				assert.Equal(t, int64(i), id)
			}
			assert.Equal(t, 0, b.Pending())
			assert.Equal(t, int64(n), b.Next())
		}
	}
}

func TestConcurrentInsert(t *testing.T) {
	const n = 5000
	b := New[int](10)
	perm := rand.New(rand.NewSource(42)).Perm(n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var got []int
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += 8 {
				id := perm[i]
				assert.NoError(t, b.Insert(int64(id+10), id))
				b.TryReleaseReady(func(_ int64, item int) {
					mu.Lock()
					got = append(got, item)
					mu.Unlock()
				})
			}
		}(w)
	}
	wg.Wait()
	require.Len(t, got, n)
	for i, item := range got {
		assert.Equal(t, i, item)
	}
}

func TestDuplicateAndStale(t *testing.T) {
	b := New[int](0)
	require.NoError(t, b.Insert(1, 1))
	err := b.Insert(1, 1)
	assert.ErrorIs(t, err, fault.ErrDuplicateOrStaleID)
	assert.True(t, fault.IsViolation(err))

	require.NoError(t, b.Insert(0, 0))
	assert.Equal(t, 2, b.TryReleaseReady(func(int64, int) {}))
	err = b.Insert(0, 0)
	assert.ErrorIs(t, err, fault.ErrDuplicateOrStaleID)
	assert.Contains(t, err.Error(), "after id 1 was released")
}

func TestDrain(t *testing.T) {
	b := New[int](0)
	for _, id := range []int64{4, 2, 7} {
		require.NoError(t, b.Insert(id, int(id)))
	}
	assert.Equal(t, 0, b.TryReleaseReady(func(int64, int) { t.Fatal("released behind a gap") }))
	var drained []int64
	assert.Equal(t, 3, b.Drain(func(id int64, _ int) { drained = append(drained, id) }))
	assert.Equal(t, []int64{2, 4, 7}, drained)
	assert.Equal(t, 0, b.Pending())
}

func TestPendingSetStaysBounded(t *testing.T) {
	const window = 16
	b := New[int](0)
	for start := int64(0); start < 100*rebaseDistance; start += window {
		for id := start + window - 1; id >= start; id-- {
			require.NoError(t, b.Insert(id, int(id)))
		}
		assert.Equal(t, window, b.TryReleaseReady(func(int64, int) {}))
		require.LessOrEqual(t, b.pending.Len(), uint(rebaseDistance+window))
	}

	next := b.Next()
	require.NoError(t, b.Insert(next+3, 0))
	assert.ErrorIs(t, b.Insert(next+3, 0), fault.ErrDuplicateOrStaleID)
	assert.ErrorIs(t, b.Insert(next-1, 0), fault.ErrDuplicateOrStaleID)
}
