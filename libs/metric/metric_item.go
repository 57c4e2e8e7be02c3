package metric

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/rcrowley/go-metrics"
)

// MetricItem - 一个独立的metric模块对应一个MetricItem
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}

// RegistryItem 把一个go-metrics registry渲染成json
// counter/gauge输出数值，histogram输出统计摘要
type RegistryItem struct {
	registry metrics.Registry
}

var _ MetricItem = (*RegistryItem)(nil)

func NewRegistryItem(registry metrics.Registry) *RegistryItem {
	return &RegistryItem{registry: registry}
}

func (item *RegistryItem) Registry() metrics.Registry {
	return item.registry
}

// Values 返回registry中所有metric的快照
func (item *RegistryItem) Values() map[string]interface{} {
	values := make(map[string]interface{})
	item.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			values[name] = m.Count()
		case metrics.Gauge:
			values[name] = m.Value()
		case metrics.GaugeFloat64:
			values[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			ps := h.Percentiles([]float64{0.5, 0.99})
			values[name] = map[string]interface{}{
				"count": h.Count(),
				"min":   h.Min(),
				"max":   h.Max(),
				"mean":  h.Mean(),
				"p50":   ps[0],
				"p99":   ps[1],
			}
		case metrics.Timer:
			t := m.Snapshot()
			ps := t.Percentiles([]float64{0.5, 0.99})
			values[name] = map[string]interface{}{
				"count":   t.Count(),
				"mean_ms": t.Mean() / 1e6,
				"p50_ms":  ps[0] / 1e6,
				"p99_ms":  ps[1] / 1e6,
			}
		}
	})
	return values
}

func (item *RegistryItem) JSONString() string {
	s, _ := jsoniter.MarshalToString(item.Values())
	return s
}
