// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/mbeema/gfxtap/pkg/capture"
	"github.com/mbeema/gfxtap/pkg/nvapi"
	"github.com/mbeema/gfxtap/pkg/nvenc"
)

// Stats aggregates self-monitoring counters for the agent. The
// interception subsystems own their counters; Stats only reads their
// snapshots, so an unwired subsystem simply reports zeros.
type Stats struct {
	startTime time.Time

	mu        sync.RWMutex
	intercept func() nvapi.Stats
	encoder   func() nvenc.Stats
	objects   func() (devices, resources, encoderRes int)
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// TrackInterceptor wires the vendor API interceptor's counters into snapshots.
func (s *Stats) TrackInterceptor(ic *nvapi.Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = ic.Stats
}

// TrackPatcher wires the encoder patcher's counters into snapshots.
func (s *Stats) TrackPatcher(p *nvenc.Patcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoder = p.Stats
}

// TrackRegistry wires the capture registry's object counts into snapshots.
func (s *Stats) TrackRegistry(r *capture.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = r.Counts
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of every counter the agent exposes.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64

	Intercept nvapi.Stats
	Encoder   nvenc.Stats

	WrappedDevices   int
	TrackedResources int
	EncoderResources int
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryRSSBytes: memStats.Sys,
	}

	s.mu.RLock()
	intercept, encoder, objects := s.intercept, s.encoder, s.objects
	s.mu.RUnlock()

	if intercept != nil {
		snap.Intercept = intercept()
	}
	if encoder != nil {
		snap.Encoder = encoder()
	}
	if objects != nil {
		snap.WrappedDevices, snap.TrackedResources, snap.EncoderResources = objects()
	}
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

type metricRow struct {
	name  string
	typ   string
	help  string
	value float64
}

func prometheusFormat(snap Snapshot) string {
	rows := []metricRow{
		{"gfxtap_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds},
		{"gfxtap_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines)},
		{"gfxtap_agent_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes)},

		{"gfxtap_resolutions_total", "counter", "Vendor API identifier resolutions", float64(snap.Intercept.Resolutions)},
		{"gfxtap_resolutions_hooked_total", "counter", "Resolutions served by a local handler", float64(snap.Intercept.Hooked)},
		{"gfxtap_resolutions_allowlisted_total", "counter", "Resolutions passed through on the allowlist", float64(snap.Intercept.Allowlisted)},
		{"gfxtap_resolutions_policy_allowed_total", "counter", "Unknown identifiers passed through by policy", float64(snap.Intercept.PolicyAllowed)},
		{"gfxtap_resolutions_denied_total", "counter", "Unknown identifiers refused by policy", float64(snap.Intercept.PolicyDenied)},
		{"gfxtap_driver_consistency_faults_total", "counter", "Divergent driver entry points seen during capture", float64(snap.Intercept.ConsistencyFaults)},
		{"gfxtap_devices_created_total", "counter", "Devices created through the interception path", float64(snap.Intercept.DeviceCreates)},
		{"gfxtap_device_create_failures_total", "counter", "Device creations that failed", float64(snap.Intercept.CreateFailures)},

		{"gfxtap_encoder_tables_patched_total", "counter", "Encoder dispatch tables patched", float64(snap.Encoder.Patched)},
		{"gfxtap_encoder_version_drift_total", "counter", "Encoder dispatch tables with an unexpected version", float64(snap.Encoder.VersionDrift)},
		{"gfxtap_encoder_consistency_faults_total", "counter", "Divergent encoder entry points seen during capture", float64(snap.Encoder.ConsistencyFaults)},
		{"gfxtap_encoder_unwrap_faults_total", "counter", "Encoder registrations with an unknown wrapped handle", float64(snap.Encoder.UnwrapFaults)},
		{"gfxtap_encoder_resources_registered_total", "counter", "Resources registered with the encoder through the patch", float64(snap.Encoder.Registered)},

		{"gfxtap_wrapped_devices", "gauge", "Devices currently wrapped for capture", float64(snap.WrappedDevices)},
		{"gfxtap_tracked_resources", "gauge", "Resource handles currently tracked", float64(snap.TrackedResources)},
		{"gfxtap_encoder_resources", "gauge", "Encoder resource registrations currently tracked", float64(snap.EncoderResources)},
	}

	var b []byte
	for _, r := range rows {
		b = appendMetric(b, r)
	}
	return string(b)
}

func appendMetric(b []byte, r metricRow) []byte {
	b = append(b, "# HELP "...)
	b = append(b, r.name...)
	b = append(b, ' ')
	b = append(b, r.help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, r.name...)
	b = append(b, ' ')
	b = append(b, r.typ...)
	b = append(b, '\n')
	b = append(b, r.name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, r.value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
