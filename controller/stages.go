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

package controller

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/exascience/elsort/blocks"
	"github.com/exascience/elsort/fault"
	"github.com/exascience/elsort/internal"
	"github.com/exascience/elsort/metrics"
	"github.com/exascience/elsort/records"
	"github.com/exascience/elsort/threadpool"
)

type decodeTask struct {
	in, out *blocks.Block
}

type parseTask struct {
	batch  *batch
	span   records.Span
	source uint32
	data   []byte
	region []records.Pointer
}

// blockError attributes a codec error to the block with sequence id seq.
func blockError(seq int64, op string, err error) error {
	var codecErr *fault.CodecError
	if errors.As(err, &codecErr) {
		return &fault.CodecError{Seq: seq, Op: codecErr.Op, Err: codecErr.Err}
	}
	return &fault.CodecError{Seq: seq, Op: op, Err: err}
}

// read is the only goroutine that reads from src. It acquires a
// compressed and a decompressed block for every member before the
// member is read, so the number of blocks in flight never exceeds the
// pool sizes.
func (p *pipeline) read(src io.Reader) {
	var n, size int64
	var err error
	defer func() {
		p.pool.DoneProducer()
		p.mail.post(readFinished{blocks: n, bytes: size, err: err})
	}()
	for {
		var in, out *blocks.Block
		if in, err = p.compressed.Acquire(p.readCtx); err != nil {
			return
		}
		member, rerr := p.cfg.InputCodec.ReadMember(src, in.Buffer()[:0])
		if rerr == io.EOF {
			in.Release()
			return
		}
		if rerr != nil {
			in.Release()
			if errors.Is(rerr, fault.ErrCodec) {
				err = blockError(n, "read", rerr)
			} else {
				err = errors.Wrapf(rerr, "read member %v", n)
			}
			return
		}
		in.SetLen(len(member))
		in.SetSeq(n)
		if out, err = p.decompressed.Acquire(p.readCtx); err != nil {
			in.Release()
			return
		}
		out.SetSeq(n)
		n++
		size += int64(len(member))
		p.cfg.Metrics.Read(len(member))
		p.cfg.Metrics.Enter(metrics.StageDecompress)
		if err = p.pool.Enqueue(priorityDecompress, dispatchDecompress, &decodeTask{in: in, out: out}); err != nil {
			return
		}
	}
}

func (p *pipeline) decompress(pkg *threadpool.Package) error {
	t := pkg.Payload.(*decodeTask)
	seq := t.in.Seq()
	buf := t.out.Buffer()
	data, err := p.cfg.InputCodec.Decompress(buf[:0], t.in.Bytes())
	t.in.Release()
	p.cfg.Metrics.Leave(metrics.StageDecompress)
	if err != nil {
		t.out.Release()
		return blockError(seq, "decompress", err)
	}
	n := len(data)
	if n > 0 && &data[0] != &buf[0] {
		n = copy(buf, data)
	}
	t.out.SetLen(n)
	t.out.Meta = append(t.out.Meta, blocks.SubRange{Offset: 0, Length: n})
	p.mail.post(decoded{block: t.out})
	return nil
}

func discardDecompress(pkg *threadpool.Package) {
	t := pkg.Payload.(*decodeTask)
	t.in.Release()
	t.out.Release()
}

func (p *pipeline) parse(pkg *threadpool.Package) error {
	t := pkg.Payload.(*parseTask)
	defer p.cfg.Metrics.Leave(metrics.StageParse)
	if err := records.Parse(p.cfg.Format, &t.span, t.source, t.data, t.region); err != nil {
		return err
	}
	p.mail.post(parsed{batch: t.batch, records: len(t.region)})
	return nil
}

// gather appends the bytes of c to dst.
func (c *chunk) gather(dst []byte) []byte {
	buf, ptrs := c.batch.buf, c.batch.ptrs
	index, offset := c.first, c.offset
	for need := c.size; need > 0; index++ {
		rec := buf.Record(ptrs[index])[offset:]
		if len(rec) > need {
			rec = rec[:need]
		}
		dst = append(dst, rec...)
		need -= len(rec)
		offset = 0
	}
	return dst
}

func (p *pipeline) compress(pkg *threadpool.Package) error {
	c := pkg.Payload.(*chunk)
	defer p.cfg.Metrics.Leave(metrics.StageCompress)
	payload := c.data
	if c.batch != nil {
		payload = c.gather(internal.ReserveByteBuffer())
		defer internal.ReleaseByteBuffer(payload)
	}
	buf := c.out.Buffer()
	member, err := p.cfg.OutputCodec.Compress(buf[:0], payload)
	if err != nil {
		c.out.Release()
		return blockError(c.seq, "compress", err)
	}
	if len(member) > 0 && &member[0] != &buf[0] {
		c.out.Release()
		return &fault.CodecError{Seq: c.seq, Op: "compress", Err: fmt.Errorf("member of %v bytes exceeds block capacity %v", len(member), len(buf))}
	}
	c.out.SetLen(len(member))
	p.mail.post(compressed{chunk: c})
	return nil
}

func discardCompress(pkg *threadpool.Package) {
	pkg.Payload.(*chunk).out.Release()
}
