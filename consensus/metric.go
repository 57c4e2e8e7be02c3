package consensus

import (
	"forkchain/libs/metric"
	"github.com/rcrowley/go-metrics"
)

func newConsensusMetric() *consensusMetric {
	registry := metrics.NewRegistry()
	return &consensusMetric{
		RegistryItem:  metric.NewRegistryItem(registry),
		height:        metrics.NewRegisteredGauge("height", registry),     // canonical chain高度
		forks:         metrics.NewRegisteredGauge("forks", registry),      // 当前fork数
		bestDepth:     metrics.NewRegisteredGauge("best_depth", registry), // best fork深度
		orphans:       metrics.NewRegisteredGauge("orphans", registry),
		appended:      metrics.NewRegisteredCounter("appended_proposals", registry),
		invalid:       metrics.NewRegisteredCounter("invalid_proposals", registry),
		duplicate:     metrics.NewRegisteredCounter("duplicate_proposals", registry),
		orphaned:      metrics.NewRegisteredCounter("orphan_proposals", registry),
		finalized:     metrics.NewRegisteredCounter("finalized_blocks", registry),
		pruned:        metrics.NewRegisteredCounter("pruned_forks", registry),
		storeFailures: metrics.NewRegisteredCounter("store_failures", registry),
		finalizeBatch: metrics.NewRegisteredHistogram("finalize_batch", registry, metrics.NewUniformSample(1028)),
		mined:         metrics.NewRegisteredCounter("mined_proposals", registry),
		aborted:       metrics.NewRegisteredCounter("aborted_mining", registry),
	}
}

type consensusMetric struct {
	*metric.RegistryItem

	height    metrics.Gauge
	forks     metrics.Gauge
	bestDepth metrics.Gauge
	orphans   metrics.Gauge

	appended      metrics.Counter
	invalid       metrics.Counter
	duplicate     metrics.Counter
	orphaned      metrics.Counter
	finalized     metrics.Counter
	pruned        metrics.Counter
	storeFailures metrics.Counter
	finalizeBatch metrics.Histogram

	// generator
	mined   metrics.Counter
	aborted metrics.Counter
}

func (cm *consensusMetric) markForkSet(height int64, forks int, bestDepth int, orphans int) {
	cm.height.Update(height)
	cm.forks.Update(int64(forks))
	cm.bestDepth.Update(int64(bestDepth))
	cm.orphans.Update(int64(orphans))
}
