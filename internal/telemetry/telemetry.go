// Package telemetry owns the process-wide OpenTelemetry meter provider.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider is an SDK meter provider with a manual reader behind Snapshot.
// When an export interval is set, instruments are also written to a stream
// by a periodic stdout exporter.
type Provider struct {
	*sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
}

// NewProvider builds the meter provider. exportInterval <= 0 disables the
// periodic export to w.
func NewProvider(exportInterval time.Duration, w io.Writer) (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}

	if exportInterval > 0 {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval)),
		))
	}

	return &Provider{
		MeterProvider: sdkmetric.NewMeterProvider(opts...),
		reader:        reader,
	}, nil
}

// Snapshot collects the current instrument values keyed by instrument name.
// Sums are totalled across attribute sets; histograms report count and sum.
func (p *Provider) Snapshot(ctx context.Context) (map[string]any, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string]any)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				out[m.Name] = map[string]any{"count": count, "sum": sum}
			}
		}
	}
	return out, nil
}
