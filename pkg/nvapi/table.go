// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

// ID is a 32-bit vendor API resolution identifier. Applications pass one
// to the exported resolution entry point and get back a function pointer
// for that capability, or nil when unsupported.
type ID uint32

// Identifiers this layer intercepts or passes through. The values are
// fixed by the vendor ABI and must never change.
const (
	IDD3D11CreateDevice                        ID = 0x6a16d3a0
	IDD3D11CreateDeviceAndSwapChain            ID = 0xbb939ee5
	IDD3D11IsNvShaderExtnOpCodeSupported       ID = 0x5f68da40
	IDD3D11SetNvShaderExtnSlot                 ID = 0x8e90bb9f
	IDD3D11SetNvShaderExtnSlotLocalThread      ID = 0x0e6482a0
	IDD3D12IsNvShaderExtnOpCodeSupported       ID = 0x3dfacec8
	IDD3D12SetNvShaderExtnSlotSpace            ID = 0xac2dfeb5
	IDD3D12SetNvShaderExtnSlotSpaceLocalThread ID = 0x43d867c0

	IDInitialize                ID = 0x0150e828
	IDUnload                    ID = 0xd22bdd7e
	IDGetErrorMessage           ID = 0x6c2d048c
	IDGetInterfaceVersionString ID = 0x01053fa5
)

// Class is the dispatch decision for an identifier.
type Class int

const (
	// ClassPolicy means the runtime vendor-extension policy decides.
	ClassPolicy Class = iota
	// ClassHooked means a local implementation is served and the real
	// function is captured.
	ClassHooked
	// ClassAllowed means the real function passes through untouched.
	ClassAllowed
)

func (c Class) String() string {
	switch c {
	case ClassHooked:
		return "hooked"
	case ClassAllowed:
		return "allowed"
	case ClassPolicy:
		return "policy"
	}
	return "unknown"
}

// hookTarget is one row of the interception table. cell and local are
// resolved against a concrete Interceptor at construction so the table
// itself stays free of instance state.
type hookTarget struct {
	id    ID
	name  string
	cell  func(*Interceptor) *realCell
	local func(*Interceptor) Capability
}

// hookTargets lists every hooked identifier. Adding an entry point means
// adding exactly one row here.
func hookTargets() []hookTarget {
	return []hookTarget{
		{
			id:    IDD3D11CreateDevice,
			name:  "NvAPI_D3D11_CreateDevice",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d11Create },
			local: func(ic *Interceptor) Capability { return CreateDeviceFunc(ic.createDeviceD3D11) },
		},
		{
			id:    IDD3D11CreateDeviceAndSwapChain,
			name:  "NvAPI_D3D11_CreateDeviceAndSwapChain",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d11CreateSwap },
			local: func(ic *Interceptor) Capability { return CreateDeviceAndSwapChainFunc(ic.createDeviceAndSwapChainD3D11) },
		},
		{
			id:    IDD3D11IsNvShaderExtnOpCodeSupported,
			name:  "NvAPI_D3D11_IsNvShaderExtnOpCodeSupported",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d11IsOpCode },
			local: func(ic *Interceptor) Capability { return IsOpCodeSupportedFunc(ic.isOpCodeSupportedD3D11) },
		},
		{
			id:    IDD3D11SetNvShaderExtnSlot,
			name:  "NvAPI_D3D11_SetNvShaderExtnSlot",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d11SetSlot },
			local: func(ic *Interceptor) Capability { return SetSlotFunc(ic.setSlotD3D11) },
		},
		{
			id:    IDD3D11SetNvShaderExtnSlotLocalThread,
			name:  "NvAPI_D3D11_SetNvShaderExtnSlotLocalThread",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d11SetSlotLT },
			local: func(ic *Interceptor) Capability { return SetSlotFunc(ic.setSlotLocalThreadD3D11) },
		},
		{
			id:    IDD3D12IsNvShaderExtnOpCodeSupported,
			name:  "NvAPI_D3D12_IsNvShaderExtnOpCodeSupported",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d12IsOpCode },
			local: func(ic *Interceptor) Capability { return IsOpCodeSupportedFunc(ic.isOpCodeSupportedD3D12) },
		},
		{
			id:    IDD3D12SetNvShaderExtnSlotSpace,
			name:  "NvAPI_D3D12_SetNvShaderExtnSlotSpace",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d12SetSlotSpace },
			local: func(ic *Interceptor) Capability { return SetSlotSpaceFunc(ic.setSlotSpaceD3D12) },
		},
		{
			id:    IDD3D12SetNvShaderExtnSlotSpaceLocalThread,
			name:  "NvAPI_D3D12_SetNvShaderExtnSlotSpaceLocalThread",
			cell:  func(ic *Interceptor) *realCell { return &ic.cells.d3d12SetSlotSpaceLT },
			local: func(ic *Interceptor) Capability { return SetSlotSpaceFunc(ic.setSlotSpaceLocalThreadD3D12) },
		},
	}
}

// allowTargets lists identifiers that always pass through. The last three
// have no public name; the vendor's own initialization path resolves them,
// and refusing them breaks NvAPI_Initialize.
var allowTargets = []struct {
	id   ID
	name string
}{
	{IDInitialize, "NvAPI_Initialize"},
	{IDUnload, "NvAPI_Unload"},
	{IDGetErrorMessage, "NvAPI_GetErrorMessage"},
	{IDGetInterfaceVersionString, "NvAPI_GetInterfaceVersionString"},
	{0xad298d3f, ""},
	{0x33c7358c, ""},
	{0x593e8644, ""},
}

var classIndex = buildClassIndex()

func buildClassIndex() map[ID]Class {
	idx := make(map[ID]Class)
	for _, t := range hookTargets() {
		idx[t.id] = ClassHooked
	}
	for _, a := range allowTargets {
		idx[a.id] = ClassAllowed
	}
	return idx
}

var nameIndex = buildNameIndex()

func buildNameIndex() map[ID]string {
	idx := make(map[ID]string)
	for _, t := range hookTargets() {
		idx[t.id] = t.name
	}
	for _, a := range allowTargets {
		if a.name != "" {
			idx[a.id] = a.name
		}
	}
	return idx
}

// Classify reports the dispatch decision for id. Identifiers absent from
// the table are ClassPolicy.
func Classify(id ID) Class {
	return classIndex[id]
}

// Name returns the vendor entry point name for id, or "" when the
// identifier has no public name.
func Name(id ID) string {
	return nameIndex[id]
}
