// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/mbeema/gfxtap/pkg/config"
)

const (
	scopeName    = "gfxtap"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends telemetry via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
	endpoint       string
	opts           []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	logSvc    collogspb.LogsServiceClient
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:         logger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		endpoint:       cfg.Endpoint,
		opts:           opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)

	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.Ready, connectivity.Idle:
		return nil
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		// Connecting: let it finish
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// ExportEvents sends events via OTLP gRPC as log records.
func (e *OTLPExporter) ExportEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := eventsRequest(e.serviceName, e.serviceVersion, events)

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// ExportMetrics sends metrics via OTLP gRPC.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := metricsRequest(e.serviceName, e.serviceVersion, metrics)

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// buildResource returns the OTEL resource identifying this agent
// process. The agent is the only entity emitting through this pipeline,
// so one resource covers every batch.
func buildResource(serviceName, serviceVersion string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "gfxtap"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}

	if serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", serviceVersion))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func scope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}
}

// eventsRequest builds the OTLP logs request both transports share.
func eventsRequest(serviceName, serviceVersion string, events []*Event) *collogspb.ExportLogsServiceRequest {
	records := make([]*logspb.LogRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, convertEvent(ev))
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: buildResource(serviceName, serviceVersion),
				ScopeLogs: []*logspb.ScopeLogs{
					{
						Scope:      scope(),
						LogRecords: records,
					},
				},
			},
		},
	}
}

// metricsRequest builds the OTLP metrics request both transports share.
func metricsRequest(serviceName, serviceVersion string, metrics []*Metric) *colmetricspb.ExportMetricsServiceRequest {
	converted := make([]*metricspb.Metric, 0, len(metrics))
	for _, m := range metrics {
		converted = append(converted, convertMetric(m))
	}

	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				Resource: buildResource(serviceName, serviceVersion),
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Scope:   scope(),
						Metrics: converted,
					},
				},
			},
		},
	}
}

func convertEvent(ev *Event) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano:   uint64(ev.Timestamp.UnixNano()),
		SeverityText:   ev.Level,
		SeverityNumber: severityNumber(ev.Level),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: ev.Body},
		},
	}

	for k, v := range ev.Attributes {
		pl.Attributes = append(pl.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: toAnyValue(v),
		})
	}

	return pl
}

func convertMetric(m *Metric) *metricspb.Metric {
	pm := &metricspb.Metric{
		Name:        m.Name,
		Description: m.Description,
		Unit:        m.Unit,
	}

	attrs := make([]*commonpb.KeyValue, 0, len(m.Labels))
	for k, v := range m.Labels {
		attrs = append(attrs, strAttr(k, v))
	}

	ts := uint64(m.Timestamp.UnixNano())

	var startTs uint64
	if !m.StartTime.IsZero() {
		startTs = uint64(m.StartTime.UnixNano())
	}

	switch m.Type {
	case MetricCounter:
		pm.Data = &metricspb.Metric_Sum{
			Sum: &metricspb.Sum{
				IsMonotonic:            true,
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints: []*metricspb.NumberDataPoint{
					{
						StartTimeUnixNano: startTs,
						TimeUnixNano:      ts,
						Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:        attrs,
					},
				},
			},
		}

	default:
		pm.Data = &metricspb.Metric_Gauge{
			Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{
					{
						TimeUnixNano: ts,
						Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:   attrs,
					},
				},
			},
		}
	}

	return pm
}

// severityNumber maps a level string to the OTEL severity number.
func severityNumber(level string) logspb.SeverityNumber {
	switch level {
	case "debug":
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case "warn":
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case "error":
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: val}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case uint32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
