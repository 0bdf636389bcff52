// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture owns the wrapper objects the interception layer hands
// to applications in place of real runtime objects, and the registry that
// maps wrapper identities back to the real ones when vendor APIs need to
// reach through.
package capture

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/d3d"
)

// ShaderExtBinding is the recorded vendor extension UAV slot state for a
// device, kept so replay can re-establish it before executing captured
// work.
type ShaderExtBinding struct {
	Space  uint32
	Slot   uint32
	Global bool
}

// Device wraps a runtime device created through the interception layer.
// The wrapper has its own reference count, separate from the real
// object's: applications hold references to us, we hold one reference to
// the real device, and the two lifetimes are deliberately decoupled.
type Device struct {
	real     d3d.Unknown
	registry *Registry
	logger   *zap.Logger

	refs atomic.Int32

	mu       sync.Mutex
	ext      ShaderExtBinding
	extBound bool
}

func newDevice(real d3d.Unknown, registry *Registry, logger *zap.Logger) *Device {
	d := &Device{
		real:     real,
		registry: registry,
		logger:   logger,
	}
	d.refs.Store(1)
	return d
}

// Real returns the wrapped runtime device.
func (d *Device) Real() d3d.Unknown { return d.real }

// SetShaderExtUAV records the extension slot binding. Later binds
// overwrite earlier ones; the runtime keeps only the latest too.
func (d *Device) SetShaderExtUAV(space, slot uint32, global bool) {
	d.mu.Lock()
	d.ext = ShaderExtBinding{Space: space, Slot: slot, Global: global}
	d.extBound = true
	d.mu.Unlock()
}

// ShaderExtUAV returns the recorded binding and whether one was ever set.
func (d *Device) ShaderExtUAV() (ShaderExtBinding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ext, d.extBound
}

// QueryInterface answers identity queries with the wrapper itself.
// Whether the device supports a given interface is the real object's call
// to make, but the object handed back is always the wrapper, so the
// application never obtains an unwrapped path to the device.
func (d *Device) QueryInterface(iid d3d.GUID) (d3d.Unknown, d3d.HResult) {
	if iid == d3d.IIDIUnknown {
		d.AddRef()
		return d, d3d.OK
	}
	obj, hr := d.real.QueryInterface(iid)
	if hr.Failed() || obj == nil {
		return nil, hr
	}
	// The query's reference belongs to the caller; move it onto the
	// wrapper and drop the real one.
	obj.Release()
	d.AddRef()
	return d, d3d.OK
}

// AddRef increments the wrapper's own reference count.
func (d *Device) AddRef() uint32 {
	return uint32(d.refs.Add(1))
}

// Release decrements the wrapper's reference count. The final release
// drops the held reference on the real device and unregisters the
// wrapper.
func (d *Device) Release() uint32 {
	n := d.refs.Add(-1)
	if n < 0 {
		d.logger.Error("device wrapper over-released")
		return 0
	}
	if n == 0 {
		d.real.Release()
		if d.registry != nil {
			d.registry.forgetDevice(d)
		}
		d.logger.Debug("device wrapper released")
	}
	return uint32(n)
}
