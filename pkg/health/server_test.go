// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/capture"
	"github.com/mbeema/gfxtap/pkg/d3d"
	"github.com/mbeema/gfxtap/pkg/nvapi"
	"github.com/mbeema/gfxtap/pkg/nvenc"
)

type passthroughFactory struct{}

func (passthroughFactory) CreateWrapped(args nvapi.CreateArgs, real nvapi.RealCreateFunc) (nvapi.DeviceResult, d3d.HResult) {
	return real(args)
}

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "1.0.0-test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyEndpoint_Ready(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())
	srv.SetReady(true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSnapshotWithoutSources(t *testing.T) {
	stats := NewStats()
	snap := stats.Snapshot()

	if snap.Intercept.Resolutions != 0 || snap.Encoder.Patched != 0 || snap.WrappedDevices != 0 {
		t.Errorf("untracked snapshot should be all zeros, got %+v", snap)
	}
	if snap.Goroutines == 0 {
		t.Error("process stats should still be populated")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stats := NewStats()

	ic, err := nvapi.NewInterceptor(
		func(nvapi.ID) nvapi.Capability { return func() {} },
		passthroughFactory{},
		func() bool { return true },
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewInterceptor: %v", err)
	}
	for i := 0; i < 3; i++ {
		ic.Resolve(nvapi.ID(0x12345678))
	}
	stats.TrackInterceptor(ic)

	reg := capture.NewRegistry(zap.NewNop())
	reg.RegisterResource(0x10, 0x20)
	reg.RecordEncoderResource(0x10, 0x20)
	stats.TrackRegistry(reg)

	patcher, err := nvenc.NewPatcher(
		func(list *nvenc.FunctionList) nvenc.Status {
			list.RegisterResource = func(uintptr, *nvenc.RegisterResourceParams) nvenc.Status {
				return nvenc.StatusSuccess
			}
			return nvenc.StatusSuccess
		},
		reg,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewPatcher: %v", err)
	}
	if st := patcher.CreateInstance(&nvenc.FunctionList{Version: nvenc.ExpectedListVersion}); st != nvenc.StatusSuccess {
		t.Fatalf("CreateInstance = %v", st)
	}
	stats.TrackPatcher(patcher)

	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	body := w.Body.String()
	for _, want := range []string{
		"gfxtap_resolutions_total 3",
		"gfxtap_resolutions_policy_allowed_total 3",
		"gfxtap_encoder_tables_patched_total 1",
		"gfxtap_tracked_resources 1",
		"gfxtap_encoder_resources 1",
		"gfxtap_agent_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	stats := NewStats()
	srv := NewServer("127.0.0.1:0", "test", stats, zap.NewNop())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
