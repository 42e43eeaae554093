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

// Package metrics exposes the progress of pipeline runs as Prometheus
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels of the InFlight gauge.
const (
	StageDecompress = "decompress"
	StageParse      = "parse"
	StageSort       = "sort"
	StageCompress   = "compress"
)

// Pipeline holds the metrics of the pipeline. A nil *Pipeline is valid
// and records nothing.
type Pipeline struct {
	blocks     *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	records    prometheus.Counter
	batches    prometheus.Counter
	inFlight   *prometheus.GaugeVec
	sortTime   prometheus.Histogram
	failures   *prometheus.CounterVec
	freeBlocks *prometheus.GaugeVec
}

// New creates the pipeline metrics and registers them with reg. When
// reg is nil, the metrics are created but not registered.
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elsort_blocks_total",
				Help: "Number of compressed blocks read or written",
			},
			[]string{"direction"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elsort_bytes_total",
				Help: "Number of compressed bytes read or written",
			},
			[]string{"direction"},
		),
		records: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "elsort_records_total",
				Help: "Number of records parsed",
			},
		),
		batches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "elsort_batches_total",
				Help: "Number of sort batches flushed",
			},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "elsort_in_flight",
				Help: "Number of work units in flight per stage",
			},
			[]string{"stage"},
		),
		sortTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "elsort_sort_seconds",
				Help:    "Duration of the sort of one batch",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elsort_failures_total",
				Help: "Number of failed runs per error kind",
			},
			[]string{"kind"},
		),
		freeBlocks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "elsort_free_blocks",
				Help: "Number of free blocks per block pool",
			},
			[]string{"pool"},
		),
	}
}

// Read records one compressed block of n bytes read from the input.
func (m *Pipeline) Read(n int) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues("in").Inc()
	m.bytes.WithLabelValues("in").Add(float64(n))
}

// Written records one compressed block of n bytes written to the
// output.
func (m *Pipeline) Written(n int) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues("out").Inc()
	m.bytes.WithLabelValues("out").Add(float64(n))
}

// Parsed records n parsed records.
func (m *Pipeline) Parsed(n int) {
	if m == nil {
		return
	}
	m.records.Add(float64(n))
}

// Flushed records a batch flush.
func (m *Pipeline) Flushed() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

// Sorted records the duration of a batch sort.
func (m *Pipeline) Sorted(d time.Duration) {
	if m == nil {
		return
	}
	m.sortTime.Observe(d.Seconds())
}

// Enter and Leave track the number of work units in flight at a stage.
func (m *Pipeline) Enter(stage string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(stage).Inc()
}

// Leave is the counterpart of Enter.
func (m *Pipeline) Leave(stage string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(stage).Dec()
}

// Failed records a failed run.
func (m *Pipeline) Failed(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

// FreeBlocks records the number of free blocks of a pool.
func (m *Pipeline) FreeBlocks(pool string, n int) {
	if m == nil {
		return
	}
	m.freeBlocks.WithLabelValues(pool).Set(float64(n))
}
