// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2017-2021 imec vzw.

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

// Package bgzf implements streaming BGZF readers and writers that
// decompress and compress members in parallel.
package bgzf

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"

	"github.com/exascience/elsort/codec"
	"github.com/exascience/elsort/internal"
	"github.com/exascience/elsort/internal/pool"
)

// IsGzip determines if the the given byte scanner produces
// a gzip file. It uses ReadByte and UnreadByte to check
// only the initial byte from the input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

// IsBGZF determines if the given buffered reader produces a BGZF file,
// by peeking at the gzip header and the BC extra subfield of its first
// member.
func IsBGZF(buf *bufio.Reader) (bool, error) {
	header, err := buf.Peek(18)
	if err != nil {
		if err == io.EOF || err == bufio.ErrBufferFull {
			return false, nil
		}
		return false, err
	}
	return header[0] == 0x1f && header[1] == 0x8b && header[3]&4 != 0 &&
		header[12] == 'B' && header[13] == 'C' && header[14] == 2 && header[15] == 0, nil
}

type (
	// bgzfBlock is one member or one payload of a BGZF file.
	bgzfBlock struct {
		data []byte
	}

	// Reader reads in parallel from a BGZF file.
	Reader struct {
		err     error
		r       io.Reader
		codec   *codec.BGZFCodec
		p       pipeline.Pipeline
		w       sync.WaitGroup
		channel chan *bgzfBlock
		ctx     context.Context
		cancel  func()
		data    interface{}
		index   int
		block   *bgzfBlock
		last    bool
	}

	internalReader Reader
)

var blockPool = pool.New(func() *bgzfBlock {
	return &bgzfBlock{data: make([]byte, 0, codec.BGZFMaxMember)}
})

// Err implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Err() error {
	if bgzf.err != io.EOF {
		return bgzf.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Fetch(size int) (fetched int) {
	if bgzf.err != nil {
		return 0
	}
	block := blockPool.Get()
	member, err := bgzf.codec.ReadMember(bgzf.r, block.data[:0])
	if err == io.EOF && !bgzf.last {
		err = errors.New("invalid BGZF file: does not end in proper EOF marker")
	}
	if err != nil {
		blockPool.Put(block)
		bgzf.err = err
		bgzf.data = nil
		return 0
	}
	block.data = member
	bgzf.last = bytes.Equal(member, codec.BGZFEOF)
	bgzf.data = block
	return 1
}

// Data implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Data() interface{} {
	return bgzf.data
}

// NewReader returns a Reader for the given io.Reader
func NewReader(r io.Reader) (*Reader, error) {
	c, err := codec.BGZF(-1)
	if err != nil {
		return nil, fmt.Errorf("%v in NewReader", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:       r,
		codec:   c,
		channel: make(chan *bgzfBlock, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	bgzf.p.Source((*internalReader)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		block := data.(*bgzfBlock)
		uncompressed := blockPool.Get()
		if payload, err := c.Decompress(uncompressed.data[:0], block.data); err != nil {
			bgzf.p.SetErr(err)
			uncompressed.data = uncompressed.data[:0]
		} else {
			uncompressed.data = payload
		}
		block.data = block.data[:0]
		blockPool.Put(block)
		return uncompressed
	})), pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
		select {
		case <-bgzf.ctx.Done():
			blockPool.Put(data.(*bgzfBlock))
		case bgzf.channel <- data.(*bgzfBlock):
		}
		return nil
	}, func() {
		close(bgzf.channel)
	})))
	bgzf.w.Add(1)
	go func() {
		defer bgzf.w.Done()
		bgzf.p.Run()
	}()
	return bgzf, nil
}

// Close implements the corresponding method of io.Closer
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.w.Wait()
	if bgzf.block != nil {
		blockPool.Put(bgzf.block)
		bgzf.block = nil
	}
drain:
	for {
		select {
		case b, ok := <-bgzf.channel:
			if !ok {
				break drain
			}
			blockPool.Put(b)
		default:
			break drain
		}
	}
	return bgzf.p.Err()
}

func (bgzf *Reader) fetchBlock() (err error) {
	select {
	case <-bgzf.ctx.Done():
		return bgzf.ctx.Err()
	case b, ok := <-bgzf.channel:
		if !ok {
			if err := bgzf.p.Err(); err != nil {
				return err
			}
			if bgzf.err != nil && bgzf.err != io.EOF {
				return bgzf.err
			}
			return io.EOF
		}
		bgzf.index = 0
		bgzf.block = b
		return nil
	}
}

// Read implements the corresponding method of io.Reader
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	for bgzf.block == nil || bgzf.index == len(bgzf.block.data) {
		if bgzf.block != nil {
			blockPool.Put(bgzf.block)
			bgzf.block = nil
		}
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	}
	n = copy(p, bgzf.block.data[bgzf.index:])
	bgzf.index += n
	return
}

type (
	// Writer writes in parallel to a BGZF file.
	Writer struct {
		w       io.Writer
		codec   *codec.BGZFCodec
		p       pipeline.Pipeline
		wait    sync.WaitGroup
		block   []byte
		channel chan []byte
		data    interface{}
		err     error
	}

	internalWriter Writer
)

func (*internalWriter) Err() error {
	return nil
}

func (writer *internalWriter) Prepare(_ context.Context) (size int) {
	return -1
}

func (writer *internalWriter) Fetch(size int) (fetched int) {
	if block, ok := <-writer.channel; ok {
		writer.data = block
		return 1
	}
	writer.data = nil
	return 0
}

func (writer *internalWriter) Data() interface{} {
	return writer.data
}

// NewWriter returns a Writer for the given io.Writer. Every member
// holds codec.BGZFMaxPayload bytes, except for the last one.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression);
// higher levels typically run slower but compress more. Level 0
// (NoCompression) does not attempt any compression; it only adds the
// necessary DEFLATE framing.
// Level -1 (DefaultCompression) uses the default compression level.
// Level -2 (HuffmanOnly) will use Huffman compression only, giving
// a very fast compression for all types of input, but sacrificing considerable
// compression efficiency.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	c, err := codec.BGZF(level)
	if err != nil {
		return nil, err
	}
	bgzf := &Writer{
		w:       w,
		codec:   c,
		block:   internal.ReserveByteBuffer(),
		channel: make(chan []byte, 1),
	}
	bgzf.p.Source((*internalWriter)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		block := data.([]byte)
		member, err := c.Compress(internal.ReserveByteBuffer(), block)
		if err != nil {
			bgzf.p.SetErr(err)
		}
		internal.ReleaseByteBuffer(block)
		return member
	})), pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		member := data.([]byte)
		if _, err := w.Write(member); err != nil {
			bgzf.p.SetErr(err)
		}
		internal.ReleaseByteBuffer(member)
		return nil
	})))
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		bgzf.err = internal.RunPipeline(&bgzf.p)
	}()
	return bgzf, nil
}

func (bgzf *Writer) sendBlock() (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.New(fmt.Sprint(x))
		}
	}()
	bgzf.channel <- bgzf.block
	bgzf.block = internal.ReserveByteBuffer()
	return nil
}

// Close implements the corresponding method of io.Closer
func (bgzf *Writer) Close() error {
	if len(bgzf.block) > 0 {
		if err := bgzf.sendBlock(); err != nil {
			return err
		}
	}
	internal.ReleaseByteBuffer(bgzf.block)
	bgzf.block = nil
	close(bgzf.channel)
	bgzf.wait.Wait()
	if bgzf.err != nil {
		return bgzf.err
	}
	_, err := bgzf.w.Write(bgzf.codec.Trailer())
	return err
}

// Write implements the corresponding method of io.Writer.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	n = len(p)
	for len(p) > 0 {
		k := codec.BGZFMaxPayload - len(bgzf.block)
		if k > len(p) {
			k = len(p)
		}
		bgzf.block = append(bgzf.block, p[:k]...)
		p = p[k:]
		if len(bgzf.block) == codec.BGZFMaxPayload {
			if err := bgzf.sendBlock(); err != nil {
				return n - len(p), err
			}
		}
	}
	return
}
