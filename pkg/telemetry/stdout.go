package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StdoutExporter prints telemetry to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
	}
}

// ExportEvents prints events to stdout.
func (e *StdoutExporter) ExportEvents(ctx context.Context, events []*Event) error {
	for _, ev := range events {
		if e.format == "json" {
			e.printJSON("event", map[string]interface{}{
				"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
				"level":      ev.Level,
				"body":       ev.Body,
				"attributes": ev.Attributes,
			})
		} else {
			fmt.Fprintf(os.Stdout,
				"[EVENT]  %s %-5s %s %s\n",
				ev.Timestamp.Format("15:04:05.000"),
				strings.ToUpper(ev.Level), ev.Body,
				formatAttrs(ev.Attributes),
			)
		}
	}
	return nil
}

// ExportMetrics prints metrics to stdout.
func (e *StdoutExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	for _, m := range metrics {
		if e.format == "json" {
			e.printJSON("metric", map[string]interface{}{
				"name":      m.Name,
				"type":      metricTypeName(m.Type),
				"value":     m.Value,
				"unit":      m.Unit,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"labels":    m.Labels,
			})
		} else {
			fmt.Fprintf(os.Stdout,
				"[METRIC] %-45s %-7s %.4f %s %s\n",
				m.Name, metricTypeName(m.Type), m.Value, m.Unit,
				formatLabels(m.Labels),
			)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) {
	data["_type"] = typ
	b, _ := json.Marshal(data)
	fmt.Fprintf(os.Stdout, "%s\n", b)
}

func formatAttrs(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if len(parts) >= 5 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var parts []string
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricTypeName(t MetricType) string {
	switch t {
	case MetricGauge:
		return "gauge"
	case MetricCounter:
		return "counter"
	default:
		return "unknown"
	}
}
