package mempool

import (
	"forkchain/libs/metric"
	"github.com/rcrowley/go-metrics"
)

func newMemMetric() *memMetric {
	registry := metrics.NewRegistry()
	return &memMetric{
		RegistryItem: metric.NewRegistryItem(registry),
		txsNum:       metrics.NewRegisteredGauge("txs_num", registry),         // mempool中所有的交易总数
		txsBytes:     metrics.NewRegisteredGauge("total_txs_bytes", registry), // 目前mempool所有的交易的大小
		received:     metrics.NewRegisteredCounter("received_txs", registry),
		rejected:     metrics.NewRegisteredCounter("rejected_txs", registry),
		committed:    metrics.NewRegisteredCounter("committed_txs", registry),
	}
}

type memMetric struct {
	*metric.RegistryItem

	txsNum    metrics.Gauge
	txsBytes  metrics.Gauge
	received  metrics.Counter
	rejected  metrics.Counter
	committed metrics.Counter
}

func (mm *memMetric) markSize(num int, bytes int64) {
	mm.txsNum.Update(int64(num))
	mm.txsBytes.Update(bytes)
}
