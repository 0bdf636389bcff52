// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

import (
	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/d3d"
)

// Capability signatures for the shader extension entry points. The
// interop shim marshals the native ABI to and from these.
type (
	// IsOpCodeSupportedFunc answers whether an extension opcode works on
	// the given device.
	IsOpCodeSupportedFunc func(dev d3d.Unknown, op Opcode, supported *bool) Status

	// SetSlotFunc binds the extension UAV slot for a D3D11 device, either
	// device-wide or for the calling thread depending on the identifier
	// it was resolved under.
	SetSlotFunc func(dev d3d.Unknown, slot uint32) Status

	// SetSlotSpaceFunc binds the extension UAV slot and register space
	// for a D3D12 device.
	SetSlotSpaceFunc func(dev d3d.Unknown, slot, space uint32) Status
)

// The capability-query shape: recover the wrapped identity, ask the real
// driver against the real device, then veto anything replay cannot
// execute. The reported answer is the driver's answer ANDed with the
// replayable-opcode table.

func (ic *Interceptor) isOpCodeSupportedD3D11(dev d3d.Unknown, op Opcode, supported *bool) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D11_IsNvShaderExtnOpCodeSupported")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d11IsOpCode.load().(IsOpCodeSupportedFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D11_IsNvShaderExtnOpCodeSupported")
	}

	st := real(w.Real(), op, supported)
	if supported != nil {
		*supported = *supported && SupportedOpcode(op)
	}
	return st
}

func (ic *Interceptor) isOpCodeSupportedD3D12(dev d3d.Unknown, op Opcode, supported *bool) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D12_IsNvShaderExtnOpCodeSupported")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d12IsOpCode.load().(IsOpCodeSupportedFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D12_IsNvShaderExtnOpCodeSupported")
	}

	// The wrapped object must really be a D3D12 device before the D3D12
	// entry point sees it. The query reference is released right after
	// the call.
	dev12, hr := w.Real().QueryInterface(d3d.IIDID3D12Device)
	if hr.Failed() || dev12 == nil {
		return StatusInvalidPointer
	}

	st := real(dev12, op, supported)
	dev12.Release()

	if supported != nil {
		*supported = *supported && SupportedOpcode(op)
	}
	return st
}

// The slot-assignment shape: recover the wrapped identity, delegate with
// the real device, then record the binding on the wrapper regardless of
// the delegated call's outcome. The surrounding capture system reads the
// recorded slot to know where extension parameters live.

func (ic *Interceptor) setSlotD3D11(dev d3d.Unknown, slot uint32) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D11_SetNvShaderExtnSlot")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d11SetSlot.load().(SetSlotFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D11_SetNvShaderExtnSlot")
	}

	st := real(w.Real(), slot)
	w.SetShaderExtUAV(noSpace, slot, true)
	return st
}

func (ic *Interceptor) setSlotLocalThreadD3D11(dev d3d.Unknown, slot uint32) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D11_SetNvShaderExtnSlotLocalThread")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d11SetSlotLT.load().(SetSlotFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D11_SetNvShaderExtnSlotLocalThread")
	}

	st := real(w.Real(), slot)
	w.SetShaderExtUAV(noSpace, slot, false)
	return st
}

func (ic *Interceptor) setSlotSpaceD3D12(dev d3d.Unknown, slot, space uint32) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D12_SetNvShaderExtnSlotSpace")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d12SetSlotSpace.load().(SetSlotSpaceFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D12_SetNvShaderExtnSlotSpace")
	}

	st := real(w.Real(), slot, space)
	w.SetShaderExtUAV(space, slot, true)
	return st
}

func (ic *Interceptor) setSlotSpaceLocalThreadD3D12(dev d3d.Unknown, slot, space uint32) Status {
	w, ok := ic.probeWrapper(dev, "NvAPI_D3D12_SetNvShaderExtnSlotSpaceLocalThread")
	if !ok {
		return StatusInvalidPointer
	}
	real, _ := ic.cells.d3d12SetSlotSpaceLT.load().(SetSlotSpaceFunc)
	if real == nil {
		return ic.missingReal("NvAPI_D3D12_SetNvShaderExtnSlotSpaceLocalThread")
	}

	st := real(w.Real(), slot, space)
	w.SetShaderExtUAV(space, slot, false)
	return st
}

// probeWrapper checks that dev is one of ours. A foreign device is the
// expected outcome for applications that created their device outside
// the intercepted entry points; callers report invalid-pointer and move
// on.
func (ic *Interceptor) probeWrapper(dev d3d.Unknown, name string) (WrappedDevice, bool) {
	if dev == nil {
		return nil, false
	}
	w, ok := dev.(WrappedDevice)
	if !ok {
		ic.logger.Debug("extension call on a device this layer does not own",
			zap.String("name", name))
		return nil, false
	}
	return w, true
}

func (ic *Interceptor) missingReal(name string) Status {
	ic.logger.Error("real entry point unavailable for intercepted call",
		zap.String("name", name))
	return StatusError
}
