// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package telemetry batches and exports the agent's interception events
// and counters. Export never blocks the interception path: records are
// queued through bounded channels and dropped, counted, when the
// pipeline cannot keep up.
package telemetry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/config"
)

// Event is one noteworthy interception occurrence: a policy denial, a
// consistency fault, a version drift, a discovered capture candidate.
type Event struct {
	Timestamp  time.Time
	Level      string // "debug", "info", "warn", "error"
	Body       string
	Attributes map[string]interface{}
}

// Metric is a numeric sample of one agent counter or gauge.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // cumulative counters carry their start time
	Labels      map[string]string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
)

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	ExportEvents(ctx context.Context, events []*Event) error
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager coordinates batching and export of events and metrics.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	eventCh  chan *Event
	metricCh chan *Metric

	eventCount  atomic.Int64
	metricCount atomic.Int64
	dropCount   atomic.Int64

	batchSize     int
	flushInterval time.Duration

	breaker *CircuitBreaker

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager creates an export manager from configuration.
func NewManager(cfg *config.TelemetryConfig, serviceName, serviceVersion string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:        logger,
		eventCh:       make(chan *Event, defaultChannelSize),
		metricCh:      make(chan *Metric, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		breaker:       NewCircuitBreaker(5, 30*time.Second),
		stopCh:        make(chan struct{}),
	}

	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, serviceName, serviceVersion, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, serviceName, serviceVersion, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	return m, nil
}

// AddExporter registers an additional exporter. Call before Start.
func (m *Manager) AddExporter(exp Exporter) {
	m.exporters = append(m.exporters, exp)
}

// Start begins the batch export goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(2)
	go m.processEvents(ctx)
	go m.processMetrics(ctx)

	m.logger.Info("telemetry manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)

	return nil
}

// Stop flushes remaining data and shuts down exporters.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("telemetry manager stopped",
		zap.Int64("events_exported", m.eventCount.Load()),
		zap.Int64("metrics_exported", m.metricCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)

	return nil
}

// RecordEvent queues an event for export.
func (m *Manager) RecordEvent(ev *Event) {
	select {
	case m.eventCh <- ev:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("event channel full, dropping event")
	}
}

// RecordMetric queues a metric for export.
func (m *Manager) RecordMetric(metric *Metric) {
	select {
	case m.metricCh <- metric:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("metric channel full, dropping metric")
	}
}

func (m *Manager) processEvents(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Event, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.eventCh:
			batch = append(batch, ev)
			if len(batch) >= m.batchSize {
				m.flushEvents(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushEvents(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			// Drain remaining
			for {
				select {
				case ev := <-m.eventCh:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						m.flushEvents(ctx, batch)
					}
					return
				}
			}

		case <-ctx.Done():
			for {
				select {
				case ev := <-m.eventCh:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						m.flushEvents(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) processMetrics(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Metric, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case metric := <-m.metricCh:
			batch = append(batch, metric)
			if len(batch) >= m.batchSize {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			for {
				select {
				case metric := <-m.metricCh:
					batch = append(batch, metric)
				default:
					if len(batch) > 0 {
						m.flushMetrics(ctx, batch)
					}
					return
				}
			}

		case <-ctx.Done():
			for {
				select {
				case metric := <-m.metricCh:
					batch = append(batch, metric)
				default:
					if len(batch) > 0 {
						m.flushMetrics(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) flushEvents(ctx context.Context, events []*Event) {
	for _, exp := range m.exporters {
		m.retryExport(ctx, "events", func(expCtx context.Context) error {
			return exp.ExportEvents(expCtx, events)
		})
	}
	m.eventCount.Add(int64(len(events)))
}

func (m *Manager) flushMetrics(ctx context.Context, metrics []*Metric) {
	for _, exp := range m.exporters {
		m.retryExport(ctx, "metrics", func(expCtx context.Context) error {
			return exp.ExportMetrics(expCtx, metrics)
		})
	}
	m.metricCount.Add(int64(len(metrics)))
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (m *Manager) retryExport(ctx context.Context, signal string, exportFn func(context.Context) error) {
	if !m.breaker.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit breaker open, dropping export",
			zap.String("signal", signal),
		)
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.breaker.RecordSuccess()
			return
		}

		m.breaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(1)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Stats returns current export statistics.
func (m *Manager) Stats() (events, metrics int64) {
	return m.eventCount.Load(), m.metricCount.Load()
}

// DropCount returns the number of dropped telemetry items.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// ChannelDepths returns current channel fill levels for monitoring.
func (m *Manager) ChannelDepths() (events, metrics int) {
	return len(m.eventCh), len(m.metricCh)
}
