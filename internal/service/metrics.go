package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/Harshitk-cp/agentruntime/internal/service"

var ErrMetricInvalid = errors.New("metric requires organization, runtime and execution ids")

type runtimeMetrics struct {
	orgID uuid.UUID
	agg   domain.MetricAggregate
	last  *domain.RuntimeSnapshot
}

// MetricsCollector durably records execution metrics and keeps in-process
// aggregates per organization and per runtime. Counts and latencies are also
// mirrored to OpenTelemetry instruments.
type MetricsCollector struct {
	store  domain.MetricStore
	logger *zap.Logger

	mu        sync.RWMutex
	byOrg     map[uuid.UUID]*domain.MetricAggregate
	byRuntime map[uuid.UUID]*runtimeMetrics

	executions metric.Int64Counter
	latency    metric.Float64Histogram
	memoryPct  metric.Float64Histogram
}

// NewMetricsCollector creates the collector and its instruments on mp. A nil
// mp falls back to the global meter provider.
func NewMetricsCollector(store domain.MetricStore, mp metric.MeterProvider, logger *zap.Logger) *MetricsCollector {
	c := &MetricsCollector{
		store:     store,
		logger:    logger,
		byOrg:     make(map[uuid.UUID]*domain.MetricAggregate),
		byRuntime: make(map[uuid.UUID]*runtimeMetrics),
	}

	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	var err error
	if c.executions, err = meter.Int64Counter("agent.executions",
		metric.WithDescription("Completed agent executions")); err != nil {
		logger.Warn("failed to create executions counter", zap.Error(err))
	}
	if c.latency, err = meter.Float64Histogram("agent.execution.duration",
		metric.WithDescription("Agent execution latency"), metric.WithUnit("ms")); err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}
	if c.memoryPct, err = meter.Float64Histogram("runtime.memory.usage",
		metric.WithDescription("Runtime memory pool usage"), metric.WithUnit("%")); err != nil {
		logger.Warn("failed to create memory histogram", zap.Error(err))
	}
	return c
}

// RecordExecution appends the metric to the store and, only once that
// succeeds, folds it into the in-process aggregates.
func (c *MetricsCollector) RecordExecution(ctx context.Context, m *domain.ExecutionMetric) error {
	if m.OrganizationID == uuid.Nil || m.RuntimeID == uuid.Nil || m.ExecutionID == "" {
		return ErrMetricInvalid
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := c.store.Append(ctx, m); err != nil {
		return err
	}

	c.mu.Lock()
	org, ok := c.byOrg[m.OrganizationID]
	if !ok {
		org = &domain.MetricAggregate{}
		c.byOrg[m.OrganizationID] = org
	}
	foldMetric(org, m)

	rt, ok := c.byRuntime[m.RuntimeID]
	if !ok {
		rt = &runtimeMetrics{orgID: m.OrganizationID}
		c.byRuntime[m.RuntimeID] = rt
	}
	foldMetric(&rt.agg, m)
	c.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("organization_id", m.OrganizationID.String()),
		attribute.Bool("success", m.Success),
		attribute.String("error_type", string(m.ErrorType)),
	)
	if c.executions != nil {
		c.executions.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(m.ExecutionTimeMs), attrs)
	}
	return nil
}

func foldMetric(a *domain.MetricAggregate, m *domain.ExecutionMetric) {
	total := float64(a.TotalExecutions)
	a.AvgExecutionTimeMs = (a.AvgExecutionTimeMs*total + float64(m.ExecutionTimeMs)) / (total + 1)
	a.TotalExecutions++
	a.TotalMemoryUsedMB += m.MemoryUsedMB
	if m.Success {
		a.SuccessfulExecutions++
		return
	}
	a.FailedExecutions++
	if a.ErrorsByType == nil {
		a.ErrorsByType = make(map[domain.ErrorType]int64)
	}
	a.ErrorsByType[m.ErrorType]++
}

// RecordSnapshot keeps the latest health sample of a runtime.
func (c *MetricsCollector) RecordSnapshot(ctx context.Context, s domain.RuntimeSnapshot) {
	c.mu.Lock()
	rt, ok := c.byRuntime[s.RuntimeID]
	if !ok {
		rt = &runtimeMetrics{orgID: s.OrganizationID}
		c.byRuntime[s.RuntimeID] = rt
	}
	snap := s
	rt.last = &snap
	c.mu.Unlock()

	if c.memoryPct != nil {
		c.memoryPct.Record(ctx, s.MemoryPercent, metric.WithAttributes(
			attribute.String("organization_id", s.OrganizationID.String()),
			attribute.String("runtime_id", s.RuntimeID.String()),
		))
	}
}

// RuntimeDashboard returns the in-process view of one runtime.
func (c *MetricsCollector) RuntimeDashboard(runtimeID uuid.UUID) (*domain.RuntimeDashboard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rt, ok := c.byRuntime[runtimeID]
	if !ok {
		return nil, false
	}
	return runtimeDashboard(runtimeID, rt), true
}

// OrganizationDashboard combines the in-process view with the durable
// lifetime aggregate. A store failure only drops the lifetime section.
func (c *MetricsCollector) OrganizationDashboard(ctx context.Context, orgID uuid.UUID) *domain.OrganizationDashboard {
	d := &domain.OrganizationDashboard{OrganizationID: orgID, Runtimes: []domain.RuntimeDashboard{}}

	c.mu.RLock()
	if org, ok := c.byOrg[orgID]; ok {
		d.Executions = copyAggregate(*org)
	}
	for id, rt := range c.byRuntime {
		if rt.orgID == orgID {
			d.Runtimes = append(d.Runtimes, *runtimeDashboard(id, rt))
		}
	}
	c.mu.RUnlock()
	d.SuccessRate = d.Executions.SuccessRate()

	lifetime, err := c.store.AggregateByOrganization(ctx, orgID)
	if err != nil {
		c.logger.Warn("failed to load lifetime metrics",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		return d
	}
	d.Lifetime = lifetime
	return d
}

// Totals aggregates every organization seen by this process.
func (c *MetricsCollector) Totals() domain.MetricAggregate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var t domain.MetricAggregate
	var weighted float64
	for _, a := range c.byOrg {
		t.TotalExecutions += a.TotalExecutions
		t.SuccessfulExecutions += a.SuccessfulExecutions
		t.FailedExecutions += a.FailedExecutions
		t.TotalMemoryUsedMB += a.TotalMemoryUsedMB
		weighted += a.AvgExecutionTimeMs * float64(a.TotalExecutions)
		for k, v := range a.ErrorsByType {
			if t.ErrorsByType == nil {
				t.ErrorsByType = make(map[domain.ErrorType]int64)
			}
			t.ErrorsByType[k] += v
		}
	}
	if t.TotalExecutions > 0 {
		t.AvgExecutionTimeMs = weighted / float64(t.TotalExecutions)
	}
	return t
}

func runtimeDashboard(id uuid.UUID, rt *runtimeMetrics) *domain.RuntimeDashboard {
	d := &domain.RuntimeDashboard{
		RuntimeID:      id,
		OrganizationID: rt.orgID,
		Executions:     copyAggregate(rt.agg),
		SuccessRate:    rt.agg.SuccessRate(),
	}
	if rt.last != nil {
		snap := *rt.last
		d.LastSnapshot = &snap
	}
	return d
}

func copyAggregate(a domain.MetricAggregate) domain.MetricAggregate {
	if a.ErrorsByType != nil {
		m := make(map[domain.ErrorType]int64, len(a.ErrorsByType))
		for k, v := range a.ErrorsByType {
			m[k] = v
		}
		a.ErrorsByType = m
	}
	return a
}
