// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes lifecycle counters through the OpenTelemetry
// metric SDK, exported in Prometheus format on /metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Collector records sandbox lifecycle metrics.
type Collector struct {
	mp *sdkmetric.MeterProvider

	startsTotal       metric.Int64Counter
	provisionedTotal  metric.Int64Counter
	failedTotal       metric.Int64Counter
	reclaimedTotal    metric.Int64Counter
	recoveredTotal    metric.Int64Counter
	provisionDuration metric.Float64Histogram
	activeSandboxes   metric.Int64UpDownCounter
}

// New creates a collector backed by a Prometheus exporter. The
// exporter registers with the default Prometheus registry, so Handler
// returns promhttp.Handler.
func New(serviceName string) (*Collector, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	c := &Collector{mp: mp}
	meter := mp.Meter("sandboxd")

	c.startsTotal, err = meter.Int64Counter(
		"sandboxd_starts_total",
		metric.WithDescription("Total number of start probe calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	c.provisionedTotal, err = meter.Int64Counter(
		"sandboxd_provisioned_total",
		metric.WithDescription("Total number of sandboxes that reached ready"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		return nil, err
	}

	c.failedTotal, err = meter.Int64Counter(
		"sandboxd_failed_total",
		metric.WithDescription("Total number of provisioning runs that failed"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		return nil, err
	}

	c.reclaimedTotal, err = meter.Int64Counter(
		"sandboxd_reclaimed_total",
		metric.WithDescription("Total number of sandboxes reclaimed after inactivity"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		return nil, err
	}

	c.recoveredTotal, err = meter.Int64Counter(
		"sandboxd_recovered_total",
		metric.WithDescription("Total number of sandboxes recovered via the exposed-endpoint probe"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		return nil, err
	}

	c.provisionDuration, err = meter.Float64Histogram(
		"sandboxd_provision_duration_seconds",
		metric.WithDescription("Provisioning run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.activeSandboxes, err = meter.Int64UpDownCounter(
		"sandboxd_active_sandboxes",
		metric.WithDescription("Number of live registry entries"),
		metric.WithUnit("{sandbox}"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes the meter provider.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.mp.Shutdown(ctx)
}

func (c *Collector) RecordStart(ctx context.Context, playbook string) {
	if c == nil {
		return
	}
	c.startsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("playbook", playbook)))
}

func (c *Collector) RecordEntryCreated(ctx context.Context) {
	if c == nil {
		return
	}
	c.activeSandboxes.Add(ctx, 1)
}

func (c *Collector) RecordProvisioned(ctx context.Context, playbook string, duration time.Duration, recovered bool) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("playbook", playbook))
	c.provisionedTotal.Add(ctx, 1, attrs)
	c.provisionDuration.Record(ctx, duration.Seconds(), attrs)
	if recovered {
		c.recoveredTotal.Add(ctx, 1, attrs)
	}
}

func (c *Collector) RecordFailed(ctx context.Context, playbook string) {
	if c == nil {
		return
	}
	c.failedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("playbook", playbook)))
}

func (c *Collector) RecordReclaimed(ctx context.Context) {
	if c == nil {
		return
	}
	c.reclaimedTotal.Add(ctx, 1)
	c.activeSandboxes.Add(ctx, -1)
}
