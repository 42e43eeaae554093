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

// Package threadpool implements a fixed set of worker goroutines that
// execute work packages from a shared priority queue.
//
// Every package names a dispatcher, which is a Handler registered with
// the pool before it is started. The pool keeps running while there
// are registered producers or packages in flight, so that a stage that
// is about to enqueue more work never sees the workers shut down
// underneath it.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/binaryheap"
	"golang.org/x/sync/errgroup"

	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/internal/pool"
	"github.com/exascience/elsort/logger"
)

// ErrClosed is returned by Enqueue once no more packages are accepted.
var ErrClosed = errors.New("elsort: thread pool closed")

// DispatcherID selects the Handler of a package.
type DispatcherID uint8

// Package is one unit of work. A package is owned by exactly one
// goroutine between Enqueue and the return of its handler, and is
// recycled afterwards, so handlers must not keep a reference to it.
type Package struct {
	Priority   int
	Dispatcher DispatcherID
	Payload    interface{}
	seq        uint64
}

// Handler executes the packages of one dispatcher.
type Handler struct {
	// Dispatch executes p. A returned error or a panic fails the pool.
	Dispatch func(p *Package) error
	// Discard is called instead of Dispatch once the pool has failed
	// or was closed, so that resources held by the payload can be
	// returned. It may be nil.
	Discard func(p *Package)
}

// Stats is a snapshot of the state of a pool.
type Stats struct {
	Workers    int
	Queued     int
	Running    int
	Producers  int
	Dispatched int64
	Discarded  int64
	Failures   int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler registers a function that is called with every
// error returned by, or panic raised in, a dispatch.
func WithPanicHandler(handler func(error)) Option {
	return func(p *Pool) { p.onPanic = handler }
}

// WithLogger sets the logger of the pool.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// Pool is a priority work queue executed by a fixed number of workers.
type Pool struct {
	workers  int
	handlers map[DispatcherID]Handler
	onPanic  func(error)
	log      *logger.Logger
	packages *pool.Synced[*Package]

	mu        sync.Mutex
	cond      *sync.Cond
	queue     *binaryheap.Heap
	seq       uint64
	producers int
	running   int
	started   bool
	closed    bool
	err       error

	failed     atomic.Bool
	dispatched atomic.Int64
	discarded  atomic.Int64
	failures   atomic.Int64

	group errgroup.Group
	done  chan struct{}
}

// byPriority orders packages by descending priority, and by enqueue
// order within a priority.
func byPriority(a, b interface{}) int {
	p1, p2 := a.(*Package), b.(*Package)
	switch {
	case p1.Priority > p2.Priority:
		return -1
	case p1.Priority < p2.Priority:
		return 1
	case p1.seq < p2.seq:
		return -1
	case p1.seq > p2.seq:
		return 1
	default:
		return 0
	}
}

// New returns a pool with the given number of workers. The pool does
// not run anything before Start.
func New(workers int, opts ...Option) *Pool {
	if workers < 1 {
		panic(fmt.Sprintf("invalid number of workers %v", workers))
	}
	p := &Pool{
		workers:  workers,
		handlers: make(map[DispatcherID]Handler),
		queue:    binaryheap.NewWith(byPriority),
		packages: pool.New(func() *Package { return new(Package) }),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.GetLogger("threadpool")
	}
	return p
}

// Register installs the handler for a dispatcher id. All handlers must
// be registered before Start.
func (p *Pool) Register(id DispatcherID, h Handler) {
	if h.Dispatch == nil {
		panic(fmt.Sprintf("dispatcher %v registered without Dispatch", id))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic(fmt.Sprintf("dispatcher %v registered after Start", id))
	}
	p.handlers[id] = h
}

// AddProducer announces a goroutine outside of the pool that will
// enqueue packages. Workers do not exit before every producer has
// called DoneProducer. Producers that exist from the beginning must be
// added before Start.
func (p *Pool) AddProducer() {
	p.mu.Lock()
	p.producers++
	p.mu.Unlock()
}

// DoneProducer retracts an AddProducer.
func (p *Pool) DoneProducer() {
	p.mu.Lock()
	p.producers--
	if p.producers < 0 {
		p.mu.Unlock()
		panic("DoneProducer without AddProducer")
	}
	if p.producers == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// Start launches the workers. When ctx is done before the workers have
// exited, the pool fails with the context error.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		panic("thread pool started twice")
	}
	p.started = true
	p.mu.Unlock()
	for i := 0; i < p.workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Fail(ctx.Err())
		case <-p.done:
		}
	}()
}

// Enqueue submits a package. Packages can be enqueued by producers and
// by running dispatches. Once the pool has failed or was closed, the
// package is discarded right away and the reason is returned.
func (p *Pool) Enqueue(priority int, id DispatcherID, payload interface{}) error {
	h, ok := p.handlers[id]
	if !ok {
		return fmt.Errorf("%w: no dispatcher registered for id %v", fault.ErrConfig, id)
	}
	pkg := p.packages.Get()
	pkg.Priority, pkg.Dispatcher, pkg.Payload = priority, id, payload
	p.mu.Lock()
	var err error
	switch {
	case p.err != nil:
		err = p.err
	case p.closed:
		err = ErrClosed
	case p.started && p.producers == 0 && p.running == 0:
		err = fmt.Errorf("%w: enqueue without a producer or a running package", ErrClosed)
	}
	if err == nil {
		p.seq++
		pkg.seq = p.seq
		p.queue.Push(pkg)
		p.cond.Signal()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.discard(h, pkg)
	p.recycle(pkg)
	return err
}

// Fail marks the pool as failed with err, unless it already failed or
// all workers have exited. No more packages are dispatched; queued and
// future packages are discarded.
func (p *Pool) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	p.mu.Lock()
	if p.err == nil {
		p.err = err
		p.failed.Store(true)
		p.log.Debug().Err(err).Msg("thread pool failed")
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close stops the pool without an error. Queued packages are
// discarded, running packages complete, and Enqueue returns ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait waits until all workers have exited, and returns the error the
// pool failed with, if any. Wait must only be called after Start.
func (p *Pool) Wait() error {
	<-p.done
	return p.Err()
}

// Err returns the error the pool failed with, or nil.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Failed reports whether the pool has failed. It does not take the
// lock of the pool, so dispatches can poll it cheaply.
func (p *Pool) Failed() bool {
	return p.failed.Load()
}

// Workers returns the number of workers of the pool.
func (p *Pool) Workers() int { return p.workers }

// Stats returns a snapshot of the state of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:    p.workers,
		Queued:     p.queue.Size(),
		Running:    p.running,
		Producers:  p.producers,
		Dispatched: p.dispatched.Load(),
		Discarded:  p.discarded.Load(),
		Failures:   p.failures.Load(),
	}
}

// OutstandingPackages returns the number of packages that were handed
// out by the free-list of the pool and not yet recycled.
func (p *Pool) OutstandingPackages() int {
	return p.packages.RefsCount()
}

func (p *Pool) next() (*Package, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if v, ok := p.queue.Pop(); ok {
			p.running++
			return v.(*Package), true
		}
		if p.closed || p.err != nil || (p.producers == 0 && p.running == 0) {
			p.cond.Broadcast()
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) work() error {
	for {
		pkg, ok := p.next()
		if !ok {
			return nil
		}
		h := p.handlers[pkg.Dispatcher]
		p.mu.Lock()
		stopped := p.closed || p.err != nil
		p.mu.Unlock()
		if stopped {
			p.discard(h, pkg)
		} else if err := p.dispatch(h, pkg); err != nil {
			p.failures.Add(1)
			if p.onPanic != nil {
				p.onPanic(err)
			}
			p.Fail(err)
		}
		p.recycle(pkg)
		p.mu.Lock()
		p.running--
		if p.running == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *Pool) dispatch(h Handler, pkg *Package) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fault.Recovered(x)
			p.log.Error().Err(err).Uint8("dispatcher", uint8(pkg.Dispatcher)).Msg("dispatch panicked")
		}
	}()
	p.dispatched.Add(1)
	return h.Dispatch(pkg)
}

func (p *Pool) discard(h Handler, pkg *Package) {
	p.discarded.Add(1)
	if h.Discard == nil {
		return
	}
	defer func() {
		if x := recover(); x != nil {
			p.Fail(fault.Recovered(x))
		}
	}()
	h.Discard(pkg)
}

func (p *Pool) recycle(pkg *Package) {
	*pkg = Package{}
	p.packages.Put(pkg)
}
