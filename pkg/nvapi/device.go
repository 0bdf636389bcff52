// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

import (
	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/d3d"
)

// Capability signatures for the device creation entry points.
type (
	// CreateDeviceFunc creates a device without a swap chain.
	CreateDeviceFunc func(adapter d3d.Adapter, driverType d3d.DriverType, software d3d.Module,
		flags uint32, levels []d3d.FeatureLevel, sdkVersion uint32) (DeviceResult, d3d.HResult)

	// CreateDeviceAndSwapChainFunc creates a device together with a swap
	// chain described by swapDesc.
	CreateDeviceAndSwapChainFunc func(adapter d3d.Adapter, driverType d3d.DriverType, software d3d.Module,
		flags uint32, levels []d3d.FeatureLevel, sdkVersion uint32,
		swapDesc *d3d.SwapChainDesc) (DeviceResult, d3d.HResult)
)

// CreateArgs carries everything a device creation request needs. SwapDesc
// is nil on the device-only path.
type CreateArgs struct {
	Adapter       d3d.Adapter
	DriverType    d3d.DriverType
	Software      d3d.Module
	Flags         uint32
	FeatureLevels []d3d.FeatureLevel
	SDKVersion    uint32
	SwapDesc      *d3d.SwapChainDesc
}

// DeviceResult is what a device creation produces. SwapChain is nil on
// the device-only path.
type DeviceResult struct {
	Device       d3d.Device
	Immediate    d3d.DeviceContext
	SwapChain    d3d.SwapChain
	FeatureLevel d3d.FeatureLevel
	ExtLevel     DeviceFeatureLevel
}

// RealCreateFunc invokes the real creation entry point for one request.
// The convergence path builds one per intercepted call, closed over the
// captured real function for that specific entry point.
type RealCreateFunc func(args CreateArgs) (DeviceResult, d3d.HResult)

// DeviceFactory is the capture layer's seam into device creation. It runs
// the real create via real and, on success, returns the result with the
// device replaced by a capture-owned wrapper.
type DeviceFactory interface {
	CreateWrapped(args CreateArgs, real RealCreateFunc) (DeviceResult, d3d.HResult)
}

func (ic *Interceptor) createDeviceD3D11(adapter d3d.Adapter, driverType d3d.DriverType, software d3d.Module,
	flags uint32, levels []d3d.FeatureLevel, sdkVersion uint32) (DeviceResult, d3d.HResult) {
	args := CreateArgs{
		Adapter:       adapter,
		DriverType:    driverType,
		Software:      software,
		Flags:         flags,
		FeatureLevels: levels,
		SDKVersion:    sdkVersion,
	}
	return ic.createDeviceInternal(args, func(a CreateArgs) (DeviceResult, d3d.HResult) {
		if a.SwapDesc != nil {
			// Cannot happen from this entry point; the narrower real
			// signature has nowhere to put it.
			ic.logger.Error("swap chain description reached the device-only create path, dropping it")
		}
		real, _ := ic.cells.d3d11Create.load().(CreateDeviceFunc)
		if real == nil {
			ic.missingReal("NvAPI_D3D11_CreateDevice")
			return DeviceResult{}, d3d.EFail
		}
		return real(a.Adapter, a.DriverType, a.Software, a.Flags, a.FeatureLevels, a.SDKVersion)
	})
}

func (ic *Interceptor) createDeviceAndSwapChainD3D11(adapter d3d.Adapter, driverType d3d.DriverType, software d3d.Module,
	flags uint32, levels []d3d.FeatureLevel, sdkVersion uint32,
	swapDesc *d3d.SwapChainDesc) (DeviceResult, d3d.HResult) {
	args := CreateArgs{
		Adapter:       adapter,
		DriverType:    driverType,
		Software:      software,
		Flags:         flags,
		FeatureLevels: levels,
		SDKVersion:    sdkVersion,
		SwapDesc:      swapDesc,
	}
	return ic.createDeviceInternal(args, func(a CreateArgs) (DeviceResult, d3d.HResult) {
		real, _ := ic.cells.d3d11CreateSwap.load().(CreateDeviceAndSwapChainFunc)
		if real == nil {
			ic.missingReal("NvAPI_D3D11_CreateDeviceAndSwapChain")
			return DeviceResult{}, d3d.EFail
		}
		// The description is forwarded exactly as the application built
		// it; the runtime validates it, not us.
		return real(a.Adapter, a.DriverType, a.Software, a.Flags, a.FeatureLevels, a.SDKVersion, a.SwapDesc)
	})
}

// createDeviceInternal is the single path both creation entry points
// converge on, so capture setup happens exactly once in one place.
func (ic *Interceptor) createDeviceInternal(args CreateArgs, real RealCreateFunc) (DeviceResult, d3d.HResult) {
	ic.deviceCreates.Add(1)

	res, hr := ic.devices.CreateWrapped(args, real)
	if hr.Failed() {
		ic.createFailures.Add(1)
		ic.logger.Warn("device create failed",
			zap.String("hresult", hr.String()),
			zap.String("driver_type", args.DriverType.String()),
			zap.Bool("swap_chain", args.SwapDesc != nil))
		return res, hr
	}

	ic.logger.Info("created device for capture",
		zap.String("driver_type", args.DriverType.String()),
		zap.String("feature_level", res.FeatureLevel.String()),
		zap.Bool("swap_chain", args.SwapDesc != nil))
	return res, hr
}
