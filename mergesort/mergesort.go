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

// Package mergesort implements a parallel stable merge sort that runs
// on a threadpool.Pool.
//
// A sort is first planned: the range to sort is halved recursively
// until each leaf holds at most a threshold number of elements. The
// leaves are then sorted in parallel, and each merge node is enqueued
// by the second of its children to complete. Elements that compare
// equal keep their input order.
package mergesort

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/threadpool"
)

// DefaultThreshold is the default maximum number of elements of a leaf.
const DefaultThreshold = 2048

// Scheduler enqueues the nodes of sorts on a thread pool.
type Scheduler struct {
	pool     *threadpool.Pool
	id       threadpool.DispatcherID
	priority int
}

type task interface {
	run() error
	abandon(err error)
}

// Register installs the sort dispatcher under id in pool. Leaves are
// enqueued with the given priority, and merges with higher priorities,
// deeper merges first.
func Register(pool *threadpool.Pool, id threadpool.DispatcherID, priority int) *Scheduler {
	pool.Register(id, threadpool.Handler{
		Dispatch: func(p *threadpool.Package) error {
			return p.Payload.(task).run()
		},
		Discard: func(p *threadpool.Package) {
			err := pool.Err()
			if err == nil {
				err = threadpool.ErrClosed
			}
			p.Payload.(task).abandon(err)
		},
	})
	return &Scheduler{pool: pool, id: id, priority: priority}
}

// Pool returns the thread pool of the scheduler.
func (s *Scheduler) Pool() *threadpool.Pool { return s.pool }

// MaxPriority returns the highest priority the scheduler uses for a
// tree of the given depth.
func (s *Scheduler) MaxPriority(depth int) int { return s.priority + depth + 1 }

func (s *Scheduler) enqueue(n task, depth int, leaf bool) error {
	priority := s.priority
	if !leaf {
		priority += depth + 1
	}
	return s.pool.Enqueue(priority, s.id, n)
}

type node[T any] struct {
	sort        *Sort[T]
	lo, mid, hi int
	depth       int
	parent      *node[T]
	left, right *node[T]
	pending     atomic.Int32
}

func (n *node[T]) leaf() bool { return n.left == nil }

// Sort is a planned parallel stable sort of one slice.
type Sort[T any] struct {
	data    []T
	scratch []T
	cmp     func(a, b T) int
	root    *node[T]
	leaves  []*node[T]
	merges  int
	depth   int

	sched    *Scheduler
	done     func(error)
	finished atomic.Bool
	started  atomic.Bool
}

// Plan splits data into leaves of at most threshold elements. Plan does
// not touch the elements of data.
func Plan[T any](data []T, cmp func(a, b T) int, threshold int) (*Sort[T], error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: sort threshold %v", fault.ErrConfig, threshold)
	}
	if cmp == nil {
		return nil, fmt.Errorf("%w: sort without comparator", fault.ErrConfig)
	}
	s := &Sort[T]{data: data, cmp: cmp}
	s.root = s.split(nil, 0, len(data), 0, threshold)
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sort[T]) split(parent *node[T], lo, hi, depth, threshold int) *node[T] {
	n := &node[T]{sort: s, lo: lo, hi: hi, mid: hi, depth: depth, parent: parent}
	if depth > s.depth {
		s.depth = depth
	}
	if hi-lo <= threshold {
		s.leaves = append(s.leaves, n)
		return n
	}
	n.mid = lo + (hi-lo)/2
	n.left = s.split(n, lo, n.mid, depth+1, threshold)
	n.right = s.split(n, n.mid, hi, depth+1, threshold)
	n.pending.Store(2)
	s.merges++
	return n
}

// check verifies that the leaves are disjoint and cover the whole
// range, and that the inputs of every merge are adjacent and together
// equal its output.
func (s *Sort[T]) check() error {
	next := 0
	for _, l := range s.leaves {
		if l.lo != next || l.hi < l.lo {
			return fmt.Errorf("%w: leaf [%v,%v) does not start at %v", fault.ErrSortTreeInconsistent, l.lo, l.hi, next)
		}
		next = l.hi
	}
	if next != len(s.data) {
		return fmt.Errorf("%w: leaves cover [0,%v) of %v elements", fault.ErrSortTreeInconsistent, next, len(s.data))
	}
	var walk func(n *node[T]) error
	walk = func(n *node[T]) error {
		if n.leaf() {
			return nil
		}
		if n.left.parent != n || n.right.parent != n ||
			n.left.lo != n.lo || n.left.hi != n.mid || n.right.lo != n.mid || n.right.hi != n.hi {
			return fmt.Errorf("%w: merge [%v,%v,%v) has inputs [%v,%v) and [%v,%v)", fault.ErrSortTreeInconsistent,
				n.lo, n.mid, n.hi, n.left.lo, n.left.hi, n.right.lo, n.right.hi)
		}
		if err := walk(n.left); err != nil {
			return err
		}
		return walk(n.right)
	}
	return walk(s.root)
}

// Leaves returns the number of leaves of the plan.
func (s *Sort[T]) Leaves() int { return len(s.leaves) }

// Merges returns the number of merge nodes of the plan.
func (s *Sort[T]) Merges() int { return s.merges }

// Depth returns the depth of the deepest node of the plan.
func (s *Sort[T]) Depth() int { return s.depth }

// Start enqueues all leaves on the scheduler. done is called exactly
// once, from a worker, when the root has completed or the sort has
// failed. After a failure the order of the elements is unspecified.
func (s *Sort[T]) Start(sched *Scheduler, done func(error)) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: sort started twice", fault.ErrSortTreeInconsistent)
	}
	s.sched, s.done = sched, done
	if s.merges > 0 {
		s.scratch = make([]T, len(s.data))
	}
	for _, l := range s.leaves {
		if err := sched.enqueue(l, l.depth, true); err != nil {
			s.finish(err)
			return err
		}
	}
	return nil
}

func (s *Sort[T]) finish(err error) {
	if s.finished.CompareAndSwap(false, true) {
		if s.done != nil {
			s.done(err)
		}
	}
}

func (n *node[T]) abandon(err error) {
	n.sort.finish(err)
}

func (n *node[T]) run() (err error) {
	s := n.sort
	if s.finished.Load() {
		return nil
	}
	defer func() {
		if x := recover(); x != nil {
			if v, ok := x.(fault.Violation); ok {
				err = v
			} else {
				err = fmt.Errorf("%w: %v", fault.ErrComparator, x)
			}
			s.finish(err)
		}
	}()
	if n.leaf() {
		slices.SortStableFunc(s.data[n.lo:n.hi], s.cmp)
	} else {
		n.merge()
	}
	parent := n.parent
	if parent == nil {
		s.finish(nil)
		return nil
	}
	switch pending := parent.pending.Add(-1); {
	case pending == 0:
		if err := s.sched.enqueue(parent, parent.depth, false); err != nil {
			s.finish(err)
		}
	case pending < 0:
		fault.Violate(fault.ErrSortTreeInconsistent, "merge [%v,%v) completed by more than two children", parent.lo, parent.hi)
	}
	return nil
}

func (n *node[T]) merge() {
	s := n.sort
	if n.left.pending.Load() != 0 || n.right.pending.Load() != 0 {
		fault.Violate(fault.ErrSortTreeInconsistent, "merge [%v,%v) dispatched before its inputs", n.lo, n.hi)
	}
	data, cmp := s.data, s.cmp
	if cmp(data[n.mid-1], data[n.mid]) <= 0 {
		return
	}
	out := s.scratch[n.lo:n.hi]
	i, j, k := n.lo, n.mid, 0
	for i < n.mid && j < n.hi {
		if cmp(data[j], data[i]) < 0 {
			out[k] = data[j]
			j++
		} else {
			out[k] = data[i]
			i++
		}
		k++
	}
	k += copy(out[k:], data[i:n.mid])
	copy(out[k:], data[j:n.hi])
	copy(data[n.lo:n.hi], out)
}

// Run sorts data with the given number of workers, and returns when
// the sort has completed.
func Run[T any](data []T, cmp func(a, b T) int, threshold, workers int) error {
	s, err := Plan(data, cmp, threshold)
	if err != nil {
		return err
	}
	pool := threadpool.New(workers)
	sched := Register(pool, 0, 0)
	var result error
	if err := s.Start(sched, func(err error) { result = err }); err != nil {
		return err
	}
	pool.Start(context.Background())
	if err := pool.Wait(); err != nil {
		return err
	}
	return result
}
