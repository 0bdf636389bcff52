// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package d3d

import "fmt"

// DriverType selects the device implementation at creation time.
type DriverType uint32

const (
	DriverTypeUnknown DriverType = iota
	DriverTypeHardware
	DriverTypeReference
	DriverTypeNull
	DriverTypeSoftware
	DriverTypeWarp
)

func (t DriverType) String() string {
	switch t {
	case DriverTypeUnknown:
		return "unknown"
	case DriverTypeHardware:
		return "hardware"
	case DriverTypeReference:
		return "reference"
	case DriverTypeNull:
		return "null"
	case DriverTypeSoftware:
		return "software"
	case DriverTypeWarp:
		return "warp"
	}
	return fmt.Sprintf("driver_type(%d)", uint32(t))
}

// FeatureLevel is a requested or granted device capability tier, encoded
// the way the runtime encodes it (major in the high byte, minor below).
type FeatureLevel uint32

const (
	FeatureLevel9_1  FeatureLevel = 0x9100
	FeatureLevel9_2  FeatureLevel = 0x9200
	FeatureLevel9_3  FeatureLevel = 0x9300
	FeatureLevel10_0 FeatureLevel = 0xa000
	FeatureLevel10_1 FeatureLevel = 0xa100
	FeatureLevel11_0 FeatureLevel = 0xb000
	FeatureLevel11_1 FeatureLevel = 0xb100
	FeatureLevel12_0 FeatureLevel = 0xc000
	FeatureLevel12_1 FeatureLevel = 0xc100
)

func (l FeatureLevel) String() string {
	return fmt.Sprintf("%d.%d", uint32(l)>>12, uint32(l)>>8&0xf)
}

// Module is a handle to a loaded software rasterizer module.
type Module uintptr

// Format is a DXGI pixel format. Only the formats that show up in swap
// chain descriptions this layer forwards are named.
type Format uint32

const (
	FormatUnknown       Format = 0
	FormatR16G16B16A16F Format = 10
	FormatR8G8B8A8Unorm Format = 28
	FormatB8G8R8A8Unorm Format = 87
)

// Rational is an exact refresh rate.
type Rational struct {
	Numerator   uint32
	Denominator uint32
}

// ModeDesc describes a display mode.
type ModeDesc struct {
	Width            uint32
	Height           uint32
	RefreshRate      Rational
	Format           Format
	ScanlineOrdering uint32
	Scaling          uint32
}

// SampleDesc describes multisampling parameters.
type SampleDesc struct {
	Count   uint32
	Quality uint32
}

// Buffer usage and swap effect values used by swap chain descriptions.
const (
	UsageRenderTargetOutput uint32 = 0x20

	SwapEffectDiscard     uint32 = 0
	SwapEffectFlipDiscard uint32 = 4
)

// SwapChainDesc describes a swap chain to create alongside a device. The
// struct is comparable so forwarding paths can be checked field for field.
type SwapChainDesc struct {
	BufferDesc   ModeDesc
	SampleDesc   SampleDesc
	BufferUsage  uint32
	BufferCount  uint32
	OutputWindow uintptr
	Windowed     bool
	SwapEffect   uint32
	Flags        uint32
}
