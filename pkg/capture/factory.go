// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/d3d"
	"github.com/mbeema/gfxtap/pkg/nvapi"
)

// Factory wraps devices created through the intercepted entry points. It
// implements nvapi.DeviceFactory.
type Factory struct {
	registry *Registry
	logger   *zap.Logger

	wrapped atomic.Int64
}

var _ nvapi.DeviceFactory = (*Factory)(nil)

// NewFactory creates a factory registering wrappers with registry.
func NewFactory(registry *Registry, logger *zap.Logger) *Factory {
	return &Factory{
		registry: registry,
		logger:   logger,
	}
}

// CreateWrapped runs the real creation and swaps the returned device for
// a capture wrapper. The immediate context and swap chain pass through
// untouched: nothing downstream of this layer reaches through them.
func (f *Factory) CreateWrapped(args nvapi.CreateArgs, real nvapi.RealCreateFunc) (nvapi.DeviceResult, d3d.HResult) {
	res, hr := real(args)
	if hr.Failed() {
		return res, hr
	}
	if res.Device == nil {
		// A successful create with no device happens when the caller
		// only probed for feature level support.
		return res, hr
	}

	dev := newDevice(res.Device, f.registry, f.logger)
	f.registry.addDevice(dev)
	f.wrapped.Add(1)
	f.logger.Debug("wrapped created device",
		zap.String("feature_level", res.FeatureLevel.String()),
		zap.Bool("swap_chain", res.SwapChain != nil))

	res.Device = dev
	return res, hr
}

// Wrapped reports how many devices this factory has wrapped.
func (f *Factory) Wrapped() int64 {
	return f.wrapped.Load()
}
