// Package metricstest reads back counters recorded through metrics.Recorder.
package metricstest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rl1809/seckill/internal/metrics"
)

// NewRecorder returns a recorder wired to an in-memory reader.
func NewRecorder(t testing.TB) (*metrics.Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	rec, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return rec, reader
}

type Snapshot struct {
	rm metricdata.ResourceMetrics
}

func Collect(t testing.TB, reader *sdkmetric.ManualReader) Snapshot {
	t.Helper()
	var s Snapshot
	if err := reader.Collect(context.Background(), &s.rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return s
}

// Sum adds up every data point of the named int64 counter whose attributes
// include all of attrs.
func (s Snapshot) Sum(name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range s.rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
