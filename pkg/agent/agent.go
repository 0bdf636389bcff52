// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/capture"
	"github.com/mbeema/gfxtap/pkg/config"
	"github.com/mbeema/gfxtap/pkg/discovery"
	"github.com/mbeema/gfxtap/pkg/health"
	"github.com/mbeema/gfxtap/pkg/interpose"
	"github.com/mbeema/gfxtap/pkg/nvapi"
	"github.com/mbeema/gfxtap/pkg/nvenc"
	"github.com/mbeema/gfxtap/pkg/telemetry"
)

// Version is stamped by the build; the health and telemetry surfaces
// report it.
var Version = "dev"

// Agent is the orchestrator that wires all subsystems together: the
// interception core over the provider's entry points, the capture
// registry, the candidate scanner, the telemetry pipeline, and the
// health surface. Config is stored as an atomic pointer so the
// vendor-extension policy reads the live value on every resolution.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	provider interpose.Provider

	registry    *capture.Registry
	factory     *capture.Factory
	interceptor *nvapi.Interceptor
	patcher     *nvenc.Patcher

	healthStats  *health.Stats
	healthServer *health.Server
	exporter     *telemetry.Manager
	discoverer   *discovery.Discoverer

	started   time.Time
	installed bool // at least one export was redirected

	// previous snapshot the stats loop diffs against; only the stats
	// goroutine touches it
	prev counterBaseline

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type counterBaseline struct {
	intercept nvapi.Stats
	encoder   nvenc.Stats
}

// New creates an agent from configuration. provider is how the agent
// reaches the real entry points; hosts embedding the capture layer pass
// an interpose.HostProvider, standalone runs pass a StubProvider.
func New(cfg *config.Config, provider interpose.Provider, logger *zap.Logger) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("interpose provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		logger:   logger,
		provider: provider,
		started:  time.Now(),
	}
	a.cfg.Store(cfg)

	a.healthStats = health.NewStats()

	a.registry = capture.NewRegistry(logger)
	a.factory = capture.NewFactory(a.registry, logger)
	a.healthStats.TrackRegistry(a.registry)

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gfxtap"
	}

	exporter, err := telemetry.NewManager(&cfg.Telemetry, serviceName, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("create telemetry: %w", err)
	}
	a.exporter = exporter

	return a, nil
}

// Start probes the system, installs interception over the provider's
// entry points, and brings up the supporting subsystems. Missing vendor
// libraries are not fatal: the agent degrades to running health,
// telemetry, and discovery with interception dark.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	cfg := a.cfg.Load()

	a.logProbe(interpose.Probe())

	if err := a.exporter.Start(ctx); err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}

	if cfg.Interception.Enabled && cfg.Interception.Mode == "host" {
		a.installInterception()
		if cfg.Encoder.Enabled {
			a.installEncoder()
		}
	} else if cfg.Interception.Enabled {
		a.logger.Info("stub interception mode, exports stay untouched")
	} else {
		a.logger.Info("interception disabled by configuration")
	}

	if cfg.Discovery.Enabled {
		a.startDiscovery()
	}

	a.wg.Add(1)
	go a.statsLoop(ctx)

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, Version, a.healthStats, a.logger)
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server start error", zap.Error(err))
		} else {
			a.healthServer.SetReady(a.ready(cfg))
		}
	}

	a.logger.Info("agent started",
		zap.String("provider", a.provider.Name()),
		zap.Bool("interception", a.interceptor != nil),
		zap.Bool("encoder", a.patcher != nil),
		zap.Bool("discovery", a.discoverer != nil),
	)

	return nil
}

// Registry returns the capture registry. Embedding hosts record the
// wrapper-to-real translation for each resource the application creates
// here; the encoder unwrap path reads it back.
func (a *Agent) Registry() *capture.Registry {
	return a.registry
}

// ready reports whether the agent serves its configured role: either
// interception is installed, or the configuration never asked for it.
// A missing encoder alone does not degrade readiness.
func (a *Agent) ready(cfg *config.Config) bool {
	if !cfg.Interception.Enabled || cfg.Interception.Mode != "host" {
		return true
	}
	return a.interceptor != nil
}

func (a *Agent) logProbe(rep interpose.Report) {
	fields := []zap.Field{
		zap.Bool("driver", rep.Driver.Available),
		zap.Bool("encoder", rep.Encoder.Available),
	}
	if rep.Driver.Available {
		fields = append(fields, zap.String("driver_path", rep.Driver.Path))
	} else {
		fields = append(fields, zap.String("driver_reason", rep.Driver.Reason))
	}
	if rep.Encoder.Available {
		fields = append(fields, zap.String("encoder_path", rep.Encoder.Path))
	} else {
		fields = append(fields, zap.String("encoder_reason", rep.Encoder.Reason))
	}
	if rep.Kernel != "" {
		fields = append(fields, zap.String("kernel", rep.Kernel))
	}
	a.logger.Info("vendor library probe", fields...)
}

// extensionPolicy reads the live config so a reload flips pass-through
// behavior without reinstalling anything.
func (a *Agent) extensionPolicy() bool {
	return a.cfg.Load().Vendor.Extensions.Enabled
}

// installInterception obtains the driver's resolver from the provider,
// builds the interceptor over it, and redirects the query-interface
// export.
func (a *Agent) installInterception() {
	exp := interpose.QueryInterfaceExport

	orig, err := a.provider.Original(exp)
	if err != nil {
		if errors.Is(err, interpose.ErrUnavailable) {
			a.logger.Warn("driver resolver unavailable, interception stays dark", zap.Error(err))
		} else {
			a.logger.Error("driver resolver lookup failed", zap.Error(err))
		}
		return
	}

	resolve, ok := asResolveFunc(orig)
	if !ok {
		a.logger.Error("registered driver resolver has unexpected type",
			zap.String("export", exp.String()))
		return
	}

	ic, err := nvapi.NewInterceptor(resolve, a.factory, a.extensionPolicy, a.logger)
	if err != nil {
		a.logger.Error("interceptor construction failed", zap.Error(err))
		return
	}

	if err := a.provider.Redirect(exp, nvapi.ResolveFunc(ic.Resolve)); err != nil {
		a.logger.Error("redirect failed", zap.String("export", exp.String()), zap.Error(err))
		return
	}

	a.interceptor = ic
	a.healthStats.TrackInterceptor(ic)
	a.installed = true
	a.logger.Info("driver interception installed", zap.String("export", exp.String()))
}

// installEncoder obtains the encoder's create-instance from the
// provider, builds the dispatch-table patcher over it, and redirects
// the create-instance export. The encoder library is independent of the
// driver library; either can be missing on its own.
func (a *Agent) installEncoder() {
	exp := interpose.EncodeCreateExport

	orig, err := a.provider.Original(exp)
	if err != nil {
		if errors.Is(err, interpose.ErrUnavailable) {
			a.logger.Warn("encoder create-instance unavailable, encoder patching stays dark", zap.Error(err))
		} else {
			a.logger.Error("encoder create-instance lookup failed", zap.Error(err))
		}
		return
	}

	create, ok := asCreateInstanceFunc(orig)
	if !ok {
		a.logger.Error("registered create-instance has unexpected type",
			zap.String("export", exp.String()))
		return
	}

	p, err := nvenc.NewPatcher(create, a.registry, a.logger)
	if err != nil {
		a.logger.Error("patcher construction failed", zap.Error(err))
		return
	}

	if err := a.provider.Redirect(exp, nvenc.CreateInstanceFunc(p.CreateInstance)); err != nil {
		a.logger.Error("redirect failed", zap.String("export", exp.String()), zap.Error(err))
		return
	}

	a.patcher = p
	a.healthStats.TrackPatcher(p)
	a.installed = true
	a.logger.Info("encoder patching installed", zap.String("export", exp.String()))
}

// asResolveFunc accepts both the named type and the bare signature, so
// hosts can register either.
func asResolveFunc(v any) (nvapi.ResolveFunc, bool) {
	switch fn := v.(type) {
	case nvapi.ResolveFunc:
		return fn, true
	case func(nvapi.ID) nvapi.Capability:
		return fn, true
	}
	return nil, false
}

func asCreateInstanceFunc(v any) (nvenc.CreateInstanceFunc, bool) {
	switch fn := v.(type) {
	case nvenc.CreateInstanceFunc:
		return fn, true
	case func(*nvenc.FunctionList) nvenc.Status:
		return fn, true
	}
	return nil, false
}

func (a *Agent) startDiscovery() {
	if a.discoverer != nil {
		return // already running
	}
	cfg := a.cfg.Load()
	a.discoverer = discovery.NewDiscoverer(cfg.Discovery.ProcessNames, cfg.Discovery.LibraryHints, a.logger)
	a.discoverer.OnCandidate(a.onCandidate)
	if err := a.discoverer.Start(a.ctx, cfg.Discovery.Interval); err != nil {
		a.logger.Warn("candidate scanner start error", zap.Error(err))
	}
}

func (a *Agent) stopDiscovery() {
	if a.discoverer == nil {
		return
	}
	a.discoverer.Stop()
	a.discoverer = nil
	a.logger.Info("candidate scanner stopped via reload")
}

func (a *Agent) onCandidate(c discovery.Candidate) {
	a.logger.Info("capture candidate found",
		zap.Int32("pid", c.PID),
		zap.String("process", c.Name),
		zap.String("matched_by", c.MatchedBy))

	attrs := map[string]interface{}{
		"pid":        int(c.PID),
		"process":    c.Name,
		"matched_by": c.MatchedBy,
	}
	if c.Exe != "" {
		attrs["exe"] = c.Exe
	}
	if len(c.Libraries) > 0 {
		attrs["libraries"] = strings.Join(c.Libraries, ",")
	}
	a.exporter.RecordEvent(&telemetry.Event{
		Timestamp:  c.FirstSeen,
		Level:      "info",
		Body:       "capture candidate discovered",
		Attributes: attrs,
	})
}

// statsLoop periodically snapshots the counters, exports them as
// metrics, and synthesizes events for fault counters that advanced.
func (a *Agent) statsLoop(ctx context.Context) {
	defer a.wg.Done()

	cfg := a.cfg.Load()
	interval := cfg.Telemetry.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.publishStats()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) publishStats() {
	snap := a.healthStats.Snapshot()
	now := time.Now()

	type row struct {
		name  string
		desc  string
		unit  string
		typ   telemetry.MetricType
		value float64
	}
	rows := []row{
		{"gfxtap.resolutions", "Driver entry point resolution requests", "{resolutions}", telemetry.MetricCounter, float64(snap.Intercept.Resolutions)},
		{"gfxtap.resolutions.hooked", "Resolutions served by intercepted implementations", "{resolutions}", telemetry.MetricCounter, float64(snap.Intercept.Hooked)},
		{"gfxtap.resolutions.allowlisted", "Resolutions passed through on the allowlist", "{resolutions}", telemetry.MetricCounter, float64(snap.Intercept.Allowlisted)},
		{"gfxtap.resolutions.policy_allowed", "Unknown identifiers passed through by policy", "{resolutions}", telemetry.MetricCounter, float64(snap.Intercept.PolicyAllowed)},
		{"gfxtap.resolutions.denied", "Unknown identifiers refused by policy", "{resolutions}", telemetry.MetricCounter, float64(snap.Intercept.PolicyDenied)},
		{"gfxtap.driver.consistency_faults", "Driver entry points that changed between resolutions", "{faults}", telemetry.MetricCounter, float64(snap.Intercept.ConsistencyFaults)},
		{"gfxtap.devices.created", "Devices created through intercepted entry points", "{devices}", telemetry.MetricCounter, float64(snap.Intercept.DeviceCreates)},
		{"gfxtap.devices.create_failures", "Device creations that failed", "{devices}", telemetry.MetricCounter, float64(snap.Intercept.CreateFailures)},
		{"gfxtap.encoder.tables_patched", "Encoder dispatch tables patched", "{tables}", telemetry.MetricCounter, float64(snap.Encoder.Patched)},
		{"gfxtap.encoder.version_drift", "Encoder tables with an unexpected layout version", "{tables}", telemetry.MetricCounter, float64(snap.Encoder.VersionDrift)},
		{"gfxtap.encoder.consistency_faults", "Encoder registration functions that changed between tables", "{faults}", telemetry.MetricCounter, float64(snap.Encoder.ConsistencyFaults)},
		{"gfxtap.encoder.unwrap_faults", "Resource registrations with no known real handle", "{faults}", telemetry.MetricCounter, float64(snap.Encoder.UnwrapFaults)},
		{"gfxtap.encoder.resources_registered", "Resources registered with the encoder through the patched table", "{resources}", telemetry.MetricCounter, float64(snap.Encoder.Registered)},
		{"gfxtap.devices.wrapped", "Wrapped devices currently alive", "{devices}", telemetry.MetricGauge, float64(snap.WrappedDevices)},
		{"gfxtap.resources.tracked", "Resource handle translations currently tracked", "{resources}", telemetry.MetricGauge, float64(snap.TrackedResources)},
		{"gfxtap.encoder.resources", "Encoder resource registrations currently tracked", "{resources}", telemetry.MetricGauge, float64(snap.EncoderResources)},
		{"gfxtap.agent.uptime", "Agent uptime", "s", telemetry.MetricGauge, snap.UptimeSeconds},
		{"gfxtap.agent.goroutines", "Goroutines in the agent process", "{goroutines}", telemetry.MetricGauge, float64(snap.Goroutines)},
		{"gfxtap.agent.memory.rss", "Agent resident memory", "By", telemetry.MetricGauge, float64(snap.MemoryRSSBytes)},
	}

	for _, r := range rows {
		m := &telemetry.Metric{
			Name:        r.name,
			Description: r.desc,
			Unit:        r.unit,
			Type:        r.typ,
			Value:       r.value,
			Timestamp:   now,
		}
		if r.typ == telemetry.MetricCounter {
			m.StartTime = a.started
		}
		a.exporter.RecordMetric(m)
	}

	a.emitFaultEvents(now, snap)
	a.prev.intercept = snap.Intercept
	a.prev.encoder = snap.Encoder
}

func (a *Agent) emitFaultEvents(now time.Time, snap health.Snapshot) {
	ic, prevIC := snap.Intercept, a.prev.intercept
	enc, prevEnc := snap.Encoder, a.prev.encoder

	a.faultEvent(now, "warn", "vendor extension requests denied",
		ic.PolicyDenied-prevIC.PolicyDenied, ic.PolicyDenied)
	a.faultEvent(now, "error", "driver entry point changed between resolutions",
		ic.ConsistencyFaults-prevIC.ConsistencyFaults, ic.ConsistencyFaults)
	a.faultEvent(now, "warn", "device creation failed",
		ic.CreateFailures-prevIC.CreateFailures, ic.CreateFailures)
	a.faultEvent(now, "warn", "encoder dispatch table version drift",
		enc.VersionDrift-prevEnc.VersionDrift, enc.VersionDrift)
	a.faultEvent(now, "error", "encoder registration function changed between create-instance calls",
		enc.ConsistencyFaults-prevEnc.ConsistencyFaults, enc.ConsistencyFaults)
	a.faultEvent(now, "error", "resource registration could not unwrap handle",
		enc.UnwrapFaults-prevEnc.UnwrapFaults, enc.UnwrapFaults)
}

func (a *Agent) faultEvent(now time.Time, level, body string, delta, total int64) {
	if delta <= 0 {
		return
	}
	a.exporter.RecordEvent(&telemetry.Event{
		Timestamp: now,
		Level:     level,
		Body:      body,
		Attributes: map[string]interface{}{
			"count": delta,
			"total": total,
		},
	})
}

// Stop tears the agent down: readiness off, scanning stopped, redirects
// restored, loops drained, telemetry flushed.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	if a.discoverer != nil {
		a.discoverer.Stop()
	}

	if a.installed {
		if err := a.provider.Restore(); err != nil {
			a.logger.Warn("restoring redirects failed", zap.Error(err))
		}
	}

	a.wg.Wait()

	a.exporter.Stop()

	snap := a.healthStats.Snapshot()
	events, metricCount := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("resolutions", snap.Intercept.Resolutions),
		zap.Int64("devices_created", snap.Intercept.DeviceCreates),
		zap.Int64("events_exported", events),
		zap.Int64("metrics_exported", metricCount),
	)

	return nil
}

// Reload applies new configuration. The vendor-extension policy reads
// the live config, so it takes effect on the next resolution without
// reinstalling anything. Discovery restarts when its settings change.
// Interception topology, telemetry transport, and the health listener
// are fixed at start.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()
	a.cfg.Store(cfg)

	if oldCfg.Vendor.Extensions.Enabled != cfg.Vendor.Extensions.Enabled {
		a.logger.Info("vendor extension policy changed",
			zap.Bool("enabled", cfg.Vendor.Extensions.Enabled))
	}

	switch {
	case !oldCfg.Discovery.Enabled && cfg.Discovery.Enabled:
		a.startDiscovery()
		a.logger.Info("candidate scanner started via reload")
	case oldCfg.Discovery.Enabled && !cfg.Discovery.Enabled:
		a.stopDiscovery()
	case cfg.Discovery.Enabled && discoveryChanged(&oldCfg.Discovery, &cfg.Discovery):
		a.stopDiscovery()
		a.startDiscovery()
		a.logger.Info("candidate scanner restarted with new settings")
	}

	if restartRequired(oldCfg, cfg) {
		a.logger.Warn("interception, encoder, telemetry, and health changes require a restart")
	}

	a.logger.Info("configuration reloaded",
		zap.Bool("vendor_extensions", cfg.Vendor.Extensions.Enabled),
		zap.Bool("discovery", cfg.Discovery.Enabled),
	)
	return nil
}

func discoveryChanged(prev, next *config.DiscoveryConfig) bool {
	return prev.Interval != next.Interval ||
		!sameStrings(prev.ProcessNames, next.ProcessNames) ||
		!sameStrings(prev.LibraryHints, next.LibraryHints)
}

func restartRequired(prev, next *config.Config) bool {
	return prev.Interception != next.Interception ||
		prev.Encoder != next.Encoder ||
		prev.Health != next.Health ||
		!reflect.DeepEqual(prev.Telemetry, next.Telemetry)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
