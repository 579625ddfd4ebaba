// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the store's prometheus collectors. They are created
// unregistered so multiple stores can coexist; call Register to expose them.
type Metrics struct {
	Saves          prometheus.Counter
	Deletes        prometheus.Counter
	Loads          prometheus.Counter
	Queries        prometheus.Counter
	TxRetries      prometheus.Counter
	TxCommits      prometheus.Counter
	IndexerBatches prometheus.Counter
	IndexerRecords prometheus.Counter
	ScrubRepairs   prometheus.Counter
	VectorSearches prometheus.Counter
	VectorFallbacks prometheus.Counter
	SaveDuration   prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		Saves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_saves_total", Help: "Records saved."}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_deletes_total", Help: "Records deleted."}),
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_loads_total", Help: "Point record loads."}),
		Queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_queries_total", Help: "Planned queries executed."}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_tx_retries_total", Help: "Transparent transaction retries."}),
		TxCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_tx_commits_total", Help: "Committed transactions."}),
		IndexerBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_indexer_batches_total", Help: "Online indexer batch transactions."}),
		IndexerRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_indexer_records_total", Help: "Records visited by the online indexer."}),
		ScrubRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_scrub_repairs_total", Help: "Index entries repaired by the scrubber."}),
		VectorSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_vector_searches_total", Help: "Vector searches answered."}),
		VectorFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordlayer_vector_fallbacks_total", Help: "Vector searches downgraded to flat scans."}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "recordlayer_save_duration_seconds", Help: "Save latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Saves, m.Deletes, m.Loads, m.Queries, m.TxRetries, m.TxCommits,
		m.IndexerBatches, m.IndexerRecords, m.ScrubRepairs,
		m.VectorSearches, m.VectorFallbacks, m.SaveDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
