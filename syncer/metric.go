package syncer

import (
	"forkchain/libs/metric"
	"github.com/rcrowley/go-metrics"
)

func newSyncMetric() *syncMetric {
	registry := metrics.NewRegistry()
	return &syncMetric{
		RegistryItem:  metric.NewRegistryItem(registry),
		syncing:       metrics.NewRegisteredGauge("syncing", registry), // 1: 正在同步
		requests:      metrics.NewRegisteredCounter("requests", registry),
		timeouts:      metrics.NewRegisteredCounter("timeouts", registry),
		failures:      metrics.NewRegisteredCounter("failures", registry),
		appliedBlocks: metrics.NewRegisteredCounter("applied_blocks", registry),
		backfills:     metrics.NewRegisteredCounter("backfills", registry),
		coalesced:     metrics.NewRegisteredCounter("coalesced_backfills", registry),
		served:        metrics.NewRegisteredCounter("served_requests", registry),
		latency:       metrics.NewRegisteredTimer("request_latency", registry),
	}
}

type syncMetric struct {
	*metric.RegistryItem

	syncing       metrics.Gauge
	requests      metrics.Counter
	timeouts      metrics.Counter
	failures      metrics.Counter
	appliedBlocks metrics.Counter
	backfills     metrics.Counter
	coalesced     metrics.Counter
	served        metrics.Counter
	latency       metrics.Timer
}
