// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/config"
	"github.com/mbeema/gfxtap/pkg/interpose"
	"github.com/mbeema/gfxtap/pkg/nvapi"
	"github.com/mbeema/gfxtap/pkg/nvenc"
)

// An identifier outside the interception table and the allowlist.
const unknownID nvapi.ID = 0x12345678

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Discovery.Enabled = false
	cfg.Telemetry.Stdout.Enabled = false
	cfg.Health.Enabled = false
	return cfg
}

// hostWithOriginals builds a provider with working fake entry points
// registered for both exports. The fake resolver answers every
// identifier, so pass-through behavior is observable.
func hostWithOriginals(t *testing.T) *interpose.HostProvider {
	t.Helper()
	p := interpose.NewHostProvider(zap.NewNop())

	resolve := nvapi.ResolveFunc(func(nvapi.ID) nvapi.Capability { return "real" })
	if err := p.RegisterOriginal(interpose.QueryInterfaceExport, resolve); err != nil {
		t.Fatalf("RegisterOriginal(driver) failed: %v", err)
	}

	create := nvenc.CreateInstanceFunc(func(*nvenc.FunctionList) nvenc.Status { return nvenc.StatusSuccess })
	if err := p.RegisterOriginal(interpose.EncodeCreateExport, create); err != nil {
		t.Fatalf("RegisterOriginal(encoder) failed: %v", err)
	}
	return p
}

// currentResolve is the resolver an embedding host would route
// application calls through right now.
func currentResolve(t *testing.T, p *interpose.HostProvider) nvapi.ResolveFunc {
	t.Helper()
	fn, ok := p.Current(interpose.QueryInterfaceExport)
	if !ok {
		t.Fatal("no current resolver")
	}
	resolve, ok := asResolveFunc(fn)
	if !ok {
		t.Fatalf("current resolver has type %T", fn)
	}
	return resolve
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(testConfig(), nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestStartInstallsRedirects(t *testing.T) {
	provider := hostWithOriginals(t)
	cfg := testConfig()

	a, err := New(cfg, provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if a.interceptor == nil {
		t.Fatal("interceptor not installed")
	}
	if a.patcher == nil {
		t.Fatal("patcher not installed")
	}
	if !a.installed {
		t.Error("installed flag not set")
	}
	if !a.ready(cfg) {
		t.Error("agent should be ready with interception installed")
	}

	// The host now routes resolutions through the interceptor: unknown
	// identifiers are refused while extensions stay disabled.
	if got := currentResolve(t, provider)(unknownID); got != nil {
		t.Errorf("unknown identifier resolved to %v, want nil", got)
	}
	if st := a.interceptor.Stats(); st.PolicyDenied != 1 {
		t.Errorf("PolicyDenied = %d, want 1", st.PolicyDenied)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Redirects are gone after Stop, calls reach the original again.
	if got := currentResolve(t, provider)(unknownID); got != "real" {
		t.Errorf("resolution after Stop = %v, want the original's answer", got)
	}
}

func TestStartWithoutOriginalsDegrades(t *testing.T) {
	provider := interpose.NewHostProvider(zap.NewNop())
	cfg := testConfig()

	a, err := New(cfg, provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if a.interceptor != nil {
		t.Error("interceptor installed with no originals registered")
	}
	if a.patcher != nil {
		t.Error("patcher installed with no originals registered")
	}
	if a.installed {
		t.Error("installed flag set with nothing redirected")
	}
	if a.ready(cfg) {
		t.Error("agent must not report ready when interception failed to install")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStubModeLeavesExportsAlone(t *testing.T) {
	provider := hostWithOriginals(t)
	cfg := testConfig()
	cfg.Interception.Mode = "stub"

	a, err := New(cfg, provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if a.interceptor != nil {
		t.Error("stub mode must not install the interceptor")
	}
	if !a.ready(cfg) {
		t.Error("stub mode is ready by definition")
	}
	if got := currentResolve(t, provider)(unknownID); got != "real" {
		t.Errorf("stub mode resolution = %v, want the original's answer", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestReloadFlipsExtensionPolicy(t *testing.T) {
	provider := hostWithOriginals(t)

	a, err := New(testConfig(), provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	resolve := currentResolve(t, provider)
	if got := resolve(unknownID); got != nil {
		t.Fatalf("want denial before reload, got %v", got)
	}

	next := testConfig()
	next.Vendor.Extensions.Enabled = true
	if err := a.Reload(next); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if got := resolve(unknownID); got != "real" {
		t.Errorf("resolution after reload = %v, want pass-through", got)
	}
	st := a.interceptor.Stats()
	if st.PolicyDenied != 1 || st.PolicyAllowed != 1 {
		t.Errorf("policy counters = denied %d allowed %d, want 1 and 1",
			st.PolicyDenied, st.PolicyAllowed)
	}
}

func TestReloadTogglesDiscovery(t *testing.T) {
	provider := hostWithOriginals(t)

	a, err := New(testConfig(), provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	if a.discoverer != nil {
		t.Fatal("scanner running while discovery is disabled")
	}

	next := testConfig()
	next.Discovery.Enabled = true
	next.Discovery.Interval = time.Hour
	next.Discovery.ProcessNames = []string{"no-such-process-zz"}
	next.Discovery.LibraryHints = nil
	if err := a.Reload(next); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if a.discoverer == nil {
		t.Fatal("scanner not started via reload")
	}

	if err := a.Reload(testConfig()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if a.discoverer != nil {
		t.Error("scanner not stopped via reload")
	}
}

func TestPublishStatsQueuesMetricsAndFaultEvents(t *testing.T) {
	provider := hostWithOriginals(t)

	a, err := New(testConfig(), provider, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Install without Start so no goroutine competes for the queues and
	// publishStats can be driven directly.
	a.installInterception()
	if a.interceptor == nil {
		t.Fatal("interceptor not installed")
	}

	if got := currentResolve(t, provider)(unknownID); got != nil {
		t.Fatalf("want denial, got %v", got)
	}

	a.publishStats()
	events, metrics := a.exporter.ChannelDepths()
	if metrics == 0 {
		t.Error("no metrics queued")
	}
	if events != 1 {
		t.Errorf("queued events = %d, want 1 for the denial", events)
	}

	// A quiet interval queues metrics only; fault events are deltas.
	a.publishStats()
	events2, metrics2 := a.exporter.ChannelDepths()
	if events2 != 1 {
		t.Errorf("queued events = %d after quiet interval, want still 1", events2)
	}
	if metrics2 <= metrics {
		t.Errorf("metrics queue did not grow: %d then %d", metrics, metrics2)
	}
}

func TestConversionHelpers(t *testing.T) {
	named := nvapi.ResolveFunc(func(nvapi.ID) nvapi.Capability { return nil })
	if _, ok := asResolveFunc(named); !ok {
		t.Error("named resolver rejected")
	}
	bare := func(nvapi.ID) nvapi.Capability { return nil }
	if _, ok := asResolveFunc(bare); !ok {
		t.Error("bare resolver rejected")
	}
	if _, ok := asResolveFunc(42); ok {
		t.Error("non-function accepted as resolver")
	}

	namedCreate := nvenc.CreateInstanceFunc(func(*nvenc.FunctionList) nvenc.Status { return nvenc.StatusSuccess })
	if _, ok := asCreateInstanceFunc(namedCreate); !ok {
		t.Error("named create-instance rejected")
	}
	bareCreate := func(*nvenc.FunctionList) nvenc.Status { return nvenc.StatusSuccess }
	if _, ok := asCreateInstanceFunc(bareCreate); !ok {
		t.Error("bare create-instance rejected")
	}
	if _, ok := asCreateInstanceFunc("nope"); ok {
		t.Error("non-function accepted as create-instance")
	}
}

func TestRestartRequired(t *testing.T) {
	base := testConfig()

	if restartRequired(base, testConfig()) {
		t.Error("identical configs must not require restart")
	}

	policy := testConfig()
	policy.Vendor.Extensions.Enabled = true
	if restartRequired(base, policy) {
		t.Error("policy change applies live, must not require restart")
	}

	mode := testConfig()
	mode.Interception.Mode = "stub"
	if !restartRequired(base, mode) {
		t.Error("interception mode change requires restart")
	}

	port := testConfig()
	port.Health.Port = ":9999"
	if !restartRequired(base, port) {
		t.Error("health listener change requires restart")
	}

	otlp := testConfig()
	otlp.Telemetry.OTLP.Enabled = true
	if !restartRequired(base, otlp) {
		t.Error("telemetry transport change requires restart")
	}
}

func TestDiscoveryChanged(t *testing.T) {
	base := config.DiscoveryConfig{
		Interval:     time.Minute,
		ProcessNames: []string{"game"},
		LibraryHints: []string{"nvapi"},
	}

	same := base
	if discoveryChanged(&base, &same) {
		t.Error("identical settings reported as changed")
	}

	interval := base
	interval.Interval = 2 * time.Minute
	if !discoveryChanged(&base, &interval) {
		t.Error("interval change not detected")
	}

	names := base
	names.ProcessNames = []string{"game", "render"}
	if !discoveryChanged(&base, &names) {
		t.Error("pattern change not detected")
	}

	hints := base
	hints.LibraryHints = []string{"libnvidia-encode"}
	if !discoveryChanged(&base, &hints) {
		t.Error("hint change not detected")
	}
}
