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

// Package controller runs the sort pipeline: parallel decompression,
// reordering, record parsing, parallel stable sorting, parallel
// compression, reordering, and sequential output.
//
// All bookkeeping happens in a single event loop. Workers and the
// reader report completions as events, and the loop decides which work
// to issue next. Blocks are drawn from fixed pools, so a run uses a
// bounded amount of memory regardless of the size of its input.
package controller

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/exascience/elsort/blocks"
	"github.com/exascience/elsort/digest"
	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/mergesort"
	"github.com/exascience/elsort/metrics"
	"github.com/exascience/elsort/records"
	"github.com/exascience/elsort/reorder"
	"github.com/exascience/elsort/threadpool"
)

// Stats describes the work done by a run.
type Stats struct {
	RunID         string
	BlocksRead    int64
	BytesRead     int64
	Records       int64
	Batches       int
	BlocksWritten int64
	BytesWritten  int64
	Digest        string
	Elapsed       time.Duration
}

// Flusher is implemented by output sinks that buffer.
type Flusher interface {
	Flush() error
}

// Controller runs pipelines with a fixed configuration.
type Controller struct {
	cfg Config
}

// New validates cfg and returns a controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg}, nil
}

// Config returns the validated configuration of the controller.
func (c *Controller) Config() Config { return c.cfg }

const (
	dispatchDecompress threadpool.DispatcherID = iota
	dispatchParse
	dispatchSort
	dispatchCompress
)

// Work closer to the output is preferred, because it returns blocks to
// their pools sooner.
const (
	priorityDecompress = 0
	priorityParse      = 1
	prioritySort       = 2
	priorityCompress   = 1 << 10
)

// Run reads the stream src, sorts its records, and writes the result to
// dst. It returns when all output has been written, or when the run has
// failed and all work in flight has drained. When Run fails, the output
// written so far must be considered invalid.
func (c *Controller) Run(ctx context.Context, src io.Reader, dst io.Writer) (Stats, error) {
	return newPipeline(ctx, &c.cfg, dst).run(src)
}

func (p *pipeline) run(src io.Reader) (Stats, error) {
	cfg := p.cfg
	start := time.Now()
	p.log.Info().Str("run", p.stats.RunID).
		Str("input", cfg.InputCodec.Name()).Str("output", cfg.OutputCodec.Name()).
		Str("format", cfg.Format.Name()).Int("workers", cfg.Workers).Int("blocks", cfg.Blocks).
		Msg("run started")

	p.pool.AddProducer()
	p.pool.AddProducer()
	p.pool.Start(p.ctx)
	poolDone := p.poolDone
	go func() {
		_ = p.pool.Wait()
		close(poolDone)
	}()
	go p.read(src)

	p.loop()
	p.teardown()

	p.stats.Elapsed = time.Since(start)
	if p.err != nil {
		p.log.Error().Err(p.err).Str("run", p.stats.RunID).Msg("run failed")
		return p.stats, errors.WithMessagef(p.err, "run %v", p.stats.RunID)
	}
	p.log.Info().Str("run", p.stats.RunID).Int64("records", p.stats.Records).
		Int("batches", p.stats.Batches).Int64("bytes", p.stats.BytesWritten).
		Dur("elapsed", p.stats.Elapsed).Msg("run finished")
	return p.stats, nil
}

type batch struct {
	id       int
	buf      *records.Buffer
	ptrs     []records.Pointer
	parsing  int
	flushed  bool
	firstSeq int64
	chunks   int
	written  int
	sortFrom time.Time
}

// chunk is one output member: either a piece of the stream header, or
// a range of the logical byte stream of a sorted batch.
type chunk struct {
	seq    int64
	data   []byte
	batch  *batch
	first  int
	offset int
	size   int
	out    *blocks.Block
}

func byChunkSeq(a, b interface{}) int {
	s1, s2 := a.(*chunk).seq, b.(*chunk).seq
	switch {
	case s1 < s2:
		return -1
	case s1 > s2:
		return 1
	default:
		return 0
	}
}

type pipeline struct {
	cfg *Config
	log *logger.Logger
	dst io.Writer

	ctx      context.Context
	readCtx  context.Context
	cancel   context.CancelFunc
	pool     *threadpool.Pool
	sched    *mergesort.Scheduler
	poolDone chan struct{}
	mail     mailbox

	compressed   *blocks.Pool
	decompressed *blocks.Pool
	output       *blocks.Pool

	scanner *records.Scanner
	decoded *reorder.Buffer[*blocks.Block]
	encoded *reorder.Buffer[*chunk]
	pending *binaryheap.Heap

	batch     *batch
	active    map[int]*batch
	nextBatch int
	outSeq    int64

	readDone     bool
	blocksRead   int64
	finalFlushed bool
	trailed      bool

	err   error
	stats Stats
}

func newPipeline(ctx context.Context, cfg *Config, dst io.Writer) *pipeline {
	p := &pipeline{
		cfg:          cfg,
		dst:          dst,
		ctx:          ctx,
		poolDone:     make(chan struct{}),
		compressed:   blocks.NewPool("compressed", cfg.Blocks, cfg.BlockSize),
		decompressed: blocks.NewPool("decompressed", cfg.Blocks, cfg.BlockSize),
		output:       blocks.NewPool("output", cfg.Blocks, cfg.OutputCodec.MaxMember()),
		scanner:      records.NewScanner(cfg.Format),
		decoded:      reorder.New[*blocks.Block](0),
		encoded:      reorder.New[*chunk](0),
		pending:      binaryheap.NewWith(byChunkSeq),
		active:       make(map[int]*batch),
	}
	p.stats.RunID = uuid.NewString()
	p.log = cfg.Logger.Named("run")
	p.mail.signal = make(chan struct{}, 1)
	p.readCtx, p.cancel = context.WithCancel(ctx)
	if cfg.Digest != nil {
		cfg.Digest.Reset()
	}
	p.pool = threadpool.New(cfg.Workers,
		threadpool.WithLogger(cfg.Logger.Named("threadpool")),
		threadpool.WithPanicHandler(func(err error) { p.mail.post(failed{err}) }),
	)
	p.pool.Register(dispatchDecompress, threadpool.Handler{Dispatch: p.decompress, Discard: discardDecompress})
	p.pool.Register(dispatchParse, threadpool.Handler{Dispatch: p.parse})
	p.pool.Register(dispatchCompress, threadpool.Handler{Dispatch: p.compress, Discard: discardCompress})
	p.sched = mergesort.Register(p.pool, dispatchSort, prioritySort)
	return p
}

// mailbox is an unbounded queue of events. Posting never blocks, so
// workers can report completions even while the loop issues work.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	signal chan struct{}
}

func (m *mailbox) post(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

type event interface{}

type (
	readFinished struct {
		blocks, bytes int64
		err           error
	}
	decoded struct {
		block *blocks.Block
	}
	parsed struct {
		batch   *batch
		records int
	}
	sorted struct {
		batch *batch
		err   error
	}
	compressed struct {
		chunk *chunk
	}
	failed struct {
		err error
	}
)

func (p *pipeline) fail(err error) {
	if p.err != nil || err == nil {
		return
	}
	p.err = err
	p.pool.Fail(err)
	p.cancel()
	p.cfg.Metrics.Failed(errorKind(err))
}

func errorKind(err error) string {
	for _, kind := range []struct {
		err  error
		name string
	}{
		{fault.ErrCodec, "codec"},
		{fault.ErrTruncatedRecord, "truncated"},
		{fault.ErrUnknownRecordFormat, "format"},
		{fault.ErrComparator, "comparator"},
		{fault.ErrWorkerPanic, "panic"},
		{context.Canceled, "canceled"},
	} {
		if errors.Is(err, kind.err) {
			return kind.name
		}
	}
	if fault.IsViolation(err) {
		return "violation"
	}
	return "io"
}

func (p *pipeline) finished() bool {
	return p.err != nil || p.trailed
}

func (p *pipeline) loop() {
	ctxDone := p.ctx.Done()
	for !p.finished() {
		select {
		case <-p.mail.signal:
			p.dispatchEvents()
			p.safely(p.advance)
		case <-ctxDone:
			p.fail(p.ctx.Err())
		}
	}
}

// teardown waits until the reader and all workers have finished, and
// returns every block that is still held to its pool.
func (p *pipeline) teardown() {
	p.pool.DoneProducer()
	p.cancel()
	for !p.readDone || p.poolDone != nil {
		select {
		case <-p.mail.signal:
			p.dispatchEvents()
		case <-p.poolDone:
			p.poolDone = nil
		}
	}
	p.dispatchEvents()
	if err := p.pool.Err(); err != nil {
		p.fail(err)
	}
	p.decoded.Drain(func(_ int64, b *blocks.Block) { b.Release() })
	p.encoded.Drain(func(_ int64, c *chunk) { c.out.Release() })
	p.pending.Clear()
	if p.batch != nil {
		p.batch.buf.Release()
		p.batch = nil
	}
	for id, b := range p.active {
		b.buf.Release()
		delete(p.active, id)
	}
	if p.err != nil {
		_ = p.scanner.Finish()
	}
	p.compressed.Close()
	p.decompressed.Close()
	p.output.Close()
}

func (p *pipeline) dispatchEvents() {
	for _, ev := range p.mail.take() {
		p.safely(func() { p.handle(ev) })
	}
}

// safely runs f, and fails the run if f panics.
func (p *pipeline) safely(f func()) {
	defer func() {
		if x := recover(); x != nil {
			p.fail(fault.Recovered(x))
		}
	}()
	f()
}

func (p *pipeline) handle(ev event) {
	switch ev := ev.(type) {
	case readFinished:
		p.readDone = true
		p.blocksRead = ev.blocks
		p.stats.BlocksRead, p.stats.BytesRead = ev.blocks, ev.bytes
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			p.fail(ev.err)
		}
	case decoded:
		p.cfg.Metrics.FreeBlocks(p.decompressed.Name(), p.decompressed.Free())
		if p.err != nil {
			ev.block.Release()
			return
		}
		if err := p.decoded.Insert(ev.block.Seq(), ev.block); err != nil {
			ev.block.Release()
			p.fail(err)
			return
		}
		p.decoded.TryReleaseReady(func(_ int64, b *blocks.Block) { p.scan(b) })
	case parsed:
		p.stats.Records += int64(ev.records)
		p.cfg.Metrics.Parsed(ev.records)
		ev.batch.parsing--
		if p.err == nil && ev.batch.flushed && ev.batch.parsing == 0 {
			p.sort(ev.batch)
		}
	case sorted:
		p.cfg.Metrics.Sorted(time.Since(ev.batch.sortFrom))
		if ev.err != nil {
			p.fail(ev.err)
			return
		}
		if p.err == nil {
			p.split(ev.batch)
		}
	case compressed:
		if p.err != nil {
			ev.chunk.out.Release()
			return
		}
		if err := p.encoded.Insert(ev.chunk.seq, ev.chunk); err != nil {
			ev.chunk.out.Release()
			p.fail(err)
			return
		}
		p.encoded.TryReleaseReady(func(_ int64, c *chunk) { p.write(c) })
	case failed:
		p.fail(ev.err)
	default:
		fault.Violate(fault.ErrPipelineFailed, "unknown event %T", ev)
	}
}

// advance issues the work that became possible after a round of events.
func (p *pipeline) advance() {
	if p.err != nil {
		return
	}
	if p.readDone && !p.finalFlushed && p.decoded.Next() == p.blocksRead {
		if err := p.scanner.Finish(); err != nil {
			p.fail(err)
			return
		}
		p.flush()
		p.finalFlushed = true
	}
	p.issue()
	if p.finalFlushed && len(p.active) == 0 && p.pending.Empty() && p.encoded.Next() == p.outSeq && !p.trailed {
		p.trail()
	}
}

// scan finds the records of the next decompressed block in stream
// order, and hands them to a parse package.
func (p *pipeline) scan(b *blocks.Block) {
	if p.err != nil {
		b.Release()
		return
	}
	span, err := p.scanner.Scan(b.Bytes())
	if err != nil {
		b.Release()
		p.fail(errors.WithMessagef(err, "block %v", b.Seq()))
		return
	}
	if span.Header != nil {
		p.header(span.Header)
	}
	if span.Records() == 0 {
		b.Release()
		return
	}
	if p.batch == nil {
		p.batch = &batch{id: p.nextBatch, buf: records.NewBuffer()}
		p.nextBatch++
	}
	bt := p.batch
	var source uint32
	var data []byte
	if span.Count > 0 {
		source = bt.buf.AddBlock(b)
		data = b.Bytes()
	}
	b.Release()
	if span.Spill != nil {
		span.SpillSource = bt.buf.AddSpill(span.Spill)
	}
	region := bt.buf.Reserve(span.Records(), span.Bytes())
	bt.parsing++
	p.cfg.Metrics.Enter(metrics.StageParse)
	if err := p.pool.Enqueue(priorityParse, dispatchParse, &parseTask{batch: bt, span: span, source: source, data: data, region: region}); err != nil {
		p.fail(err)
		return
	}
	if bt.buf.Len() >= p.cfg.FlushRecords || bt.buf.Bytes() >= p.cfg.FlushBytes || bt.buf.Blocks() >= p.cfg.flushBlocks() {
		p.flush()
	}
}

// header splits the stream header into output members. The header is
// always complete before the first batch is flushed, so its members
// come first.
func (p *pipeline) header(header []byte) {
	size := p.cfg.OutputCodec.MaxPayload()
	for len(header) > 0 {
		n := size
		if n > len(header) {
			n = len(header)
		}
		p.pending.Push(&chunk{seq: p.outSeq, data: header[:n]})
		p.outSeq++
		header = header[n:]
	}
}

// flush closes the current batch. The output sequence ids of its
// members are reserved right away, so that batches are written in
// input order regardless of which sort completes first.
func (p *pipeline) flush() {
	b := p.batch
	if b == nil {
		return
	}
	p.batch = nil
	if b.buf.Len() == 0 {
		b.buf.Release()
		return
	}
	size := int64(p.cfg.OutputCodec.MaxPayload())
	b.flushed = true
	b.firstSeq = p.outSeq
	b.chunks = int((b.buf.Bytes() + size - 1) / size)
	p.outSeq += int64(b.chunks)
	p.active[b.id] = b
	p.stats.Batches++
	p.cfg.Metrics.Flushed()
	p.log.Debug().Int("batch", b.id).Int("records", b.buf.Len()).Int64("bytes", b.buf.Bytes()).
		Int("blocks", b.buf.Blocks()).Msg("batch flushed")
	if b.parsing == 0 {
		p.sort(b)
	}
}

func (p *pipeline) sort(b *batch) {
	b.ptrs = b.buf.Pointers()
	b.sortFrom = time.Now()
	if p.cfg.Compare == nil {
		p.split(b)
		return
	}
	buf, compare := b.buf, p.cfg.Compare
	s, err := mergesort.Plan(b.ptrs, func(x, y records.Pointer) int {
		return compare(buf.Record(x), buf.Record(y))
	}, p.cfg.SortThreshold)
	if err != nil {
		p.fail(err)
		return
	}
	p.cfg.Metrics.Enter(metrics.StageSort)
	if err := s.Start(p.sched, func(err error) {
		p.cfg.Metrics.Leave(metrics.StageSort)
		p.mail.post(sorted{batch: b, err: err})
	}); err != nil {
		p.fail(err)
	}
}

// split cuts the logical byte stream of a sorted batch into members of
// at most MaxPayload bytes.
func (p *pipeline) split(b *batch) {
	size := p.cfg.OutputCodec.MaxPayload()
	rest := b.buf.Bytes()
	index, offset := 0, 0
	for i := 0; i < b.chunks; i++ {
		c := &chunk{seq: b.firstSeq + int64(i), batch: b, first: index, offset: offset, size: size}
		if int64(c.size) > rest {
			c.size = int(rest)
		}
		rest -= int64(c.size)
		for need := c.size; need > 0; {
			if avail := int(b.ptrs[index].Length) - offset; avail <= need {
				need -= avail
				index++
				offset = 0
			} else {
				offset += need
				need = 0
			}
		}
		p.pending.Push(c)
	}
	if rest != 0 || index != len(b.ptrs) {
		fault.Violate(fault.ErrPipelineFailed, "batch %v split into %v members leaves %v bytes and %v records", b.id, b.chunks, rest, len(b.ptrs)-index)
	}
}

// issue enqueues pending members for compression in sequence order. A
// member is only given an output block when its sequence id is within
// one pool size of the next member to write, so the member the writer
// waits for can always get a block.
func (p *pipeline) issue() {
	for {
		v, ok := p.pending.Peek()
		if !ok {
			return
		}
		c := v.(*chunk)
		if c.seq >= p.encoded.Next()+int64(p.output.Size()) {
			return
		}
		out, err := p.output.TryAcquire()
		if err != nil {
			return
		}
		p.pending.Pop()
		out.SetSeq(c.seq)
		c.out = out
		p.cfg.Metrics.Enter(metrics.StageCompress)
		if err := p.pool.Enqueue(priorityCompress, dispatchCompress, c); err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *pipeline) write(c *chunk) {
	defer c.out.Release()
	if p.err != nil {
		return
	}
	if err := p.emit(c.out.Bytes()); err != nil {
		p.fail(errors.Wrapf(err, "write member %v", c.seq))
		return
	}
	if b := c.batch; b != nil {
		b.written++
		if b.written == b.chunks {
			b.buf.Release()
			delete(p.active, b.id)
		}
	}
}

func (p *pipeline) emit(data []byte) error {
	if _, err := p.dst.Write(data); err != nil {
		return err
	}
	if p.cfg.Digest != nil {
		p.cfg.Digest.Update(data)
	}
	p.stats.BlocksWritten++
	p.stats.BytesWritten += int64(len(data))
	p.cfg.Metrics.Written(len(data))
	return nil
}

// trail writes the stream trailer and flushes the output.
func (p *pipeline) trail() {
	p.trailed = true
	if trailer := p.cfg.OutputCodec.Trailer(); len(trailer) > 0 {
		if err := p.emit(trailer); err != nil {
			p.fail(errors.Wrap(err, "write trailer"))
			return
		}
	}
	if f, ok := p.dst.(Flusher); ok {
		if err := f.Flush(); err != nil {
			p.fail(errors.Wrap(err, "flush output"))
			return
		}
	}
	if p.cfg.Digest != nil {
		p.stats.Digest = digest.Hex(p.cfg.Digest)
	}
}
