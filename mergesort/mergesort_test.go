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

package mergesort

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	psort "github.com/exascience/pargo/sort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/threadpool"
)

type item struct {
	key, index int
}

func byKey(a, b item) int {
	switch {
	case a.key < b.key:
		return -1
	case a.key > b.key:
		return 1
	default:
		return 0
	}
}

type itemSorter []item

func (s itemSorter) SequentialSort(i, j int) {
	items := s[i:j]
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].key < items[j].key
	})
}

func (s itemSorter) NewTemp() psort.StableSorter {
	return itemSorter(make([]item, len(s)))
}

func (s itemSorter) Len() int {
	return len(s)
}

func (s itemSorter) Less(i, j int) bool {
	return s[i].key < s[j].key
}

func (s itemSorter) Assign(source psort.StableSorter) func(i, j, len int) {
	dst, src := s, source.(itemSorter)
	return func(i, j, len int) {
		copy(dst[i:i+len], src[j:j+len])
	}
}

func makeItems(n int, order string, r *rand.Rand) []item {
	items := make([]item, n)
	for i := range items {
		var key int
		switch order {
		case "sorted":
			key = i / 3
		case "reverse":
			key = (n - i) / 3
		default:
			key = r.Intn(n/10 + 1)
		}
		items[i] = item{key: key, index: i}
	}
	return items
}

func TestSortStableAndCorrect(t *testing.T) {
	const threshold = 64
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, threshold - 1, threshold, 7*threshold + 5} {
		for _, order := range []string{"sorted", "reverse", "random"} {
			input := makeItems(n, order, r)
			want := append(itemSorter(nil), input...)
			psort.StableSort(want)
			for _, workers := range []int{1, 2, 8} {
				t.Run(fmt.Sprintf("%v/%v/%v", n, order, workers), func(t *testing.T) {
					got := append([]item(nil), input...)
					require.NoError(t, Run(got, byKey, threshold, workers))
					assert.Equal(t, []item(want), got)
					for i := 1; i < len(got); i++ {
						require.LessOrEqual(t, got[i-1].key, got[i].key)
						if got[i-1].key == got[i].key {
							require.Less(t, got[i-1].index, got[i].index)
						}
					}
				})
			}
		}
	}
}

func TestPlan(t *testing.T) {
	s, err := Plan(make([]item, 10), byKey, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Leaves())
	assert.Equal(t, 3, s.Merges())
	assert.Equal(t, 2, s.Depth())

	s, err = Plan(make([]item, 0), byKey, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Leaves())
	assert.Equal(t, 0, s.Merges())

	_, err = Plan(make([]item, 10), byKey, 0)
	assert.ErrorIs(t, err, fault.ErrConfig)
	_, err = Plan[item](nil, nil, 10)
	assert.ErrorIs(t, err, fault.ErrConfig)

	s, err = Plan(make([]item, 10), byKey, 3)
	require.NoError(t, err)
	s.leaves[1].lo++
	assert.ErrorIs(t, s.check(), fault.ErrSortTreeInconsistent)
	s.leaves[1].lo--
	s.root.mid++
	assert.ErrorIs(t, s.check(), fault.ErrSortTreeInconsistent)
}

func TestComparatorPanic(t *testing.T) {
	items := makeItems(1000, "random", rand.New(rand.NewSource(2)))
	err := Run(items, func(a, b item) int {
		if a.index == 500 || b.index == 500 {
			panic("cannot compare")
		}
		return byKey(a, b)
	}, 32, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrComparator)
}

func TestConcurrentSortsShareScheduler(t *testing.T) {
	pool := threadpool.New(4, threadpool.WithLogger(logger.Nop()))
	sched := Register(pool, 1, 10)
	r := rand.New(rand.NewSource(3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[int]error)
	inputs := make([][]item, 5)
	for i := range inputs {
		inputs[i] = makeItems(500+100*i, "random", r)
		s, err := Plan(inputs[i], byKey, 50)
		require.NoError(t, err)
		wg.Add(1)
		i := i
		require.NoError(t, s.Start(sched, func(err error) {
			mu.Lock()
			_, twice := results[i]
			results[i] = err
			mu.Unlock()
			assert.False(t, twice)
			wg.Done()
		}))
		assert.Error(t, s.Start(sched, nil))
	}
	pool.Start(context.Background())
	wg.Wait()
	require.NoError(t, pool.Wait())
	for i, items := range inputs {
		assert.NoError(t, results[i])
		assert.True(t, sort.SliceIsSorted(items, func(a, b int) bool { return items[a].key < items[b].key }))
	}
	assert.Equal(t, 0, pool.OutstandingPackages())
}

func TestAbandonedSortReportsPoolError(t *testing.T) {
	pool := threadpool.New(1, threadpool.WithLogger(logger.Nop()))
	sched := Register(pool, 0, 0)
	s, err := Plan(makeItems(100, "random", rand.New(rand.NewSource(4))), byKey, 10)
	require.NoError(t, err)
	var reported []error
	require.NoError(t, s.Start(sched, func(err error) { reported = append(reported, err) }))
	pool.Fail(context.Canceled)
	pool.Start(context.Background())
	assert.ErrorIs(t, pool.Wait(), context.Canceled)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], context.Canceled)
}

func BenchmarkRun(b *testing.B) {
	b.StopTimer()
	input := makeItems(1<<18, "random", rand.New(rand.NewSource(5)))
	data := make([]item, len(input))
	for i := 0; i < b.N; i++ {
		copy(data, input)
		b.StartTimer()
		_ = Run(data, byKey, DefaultThreshold, 8)
		b.StopTimer()
	}
}
