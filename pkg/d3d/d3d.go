// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package d3d models the slice of the Direct3D runtime surface that the
// interception layer touches. Runtime objects are plain Go interfaces and
// values; the raw COM ABI (vtables, calling conventions, true reference
// counting) belongs to the interop shim that feeds this layer and is out
// of scope here.
package d3d

import "fmt"

// GUID is a COM interface identifier in its canonical binary layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// String renders the GUID in registry format, lowercase, without braces.
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// Interface identifiers for the runtime interfaces this layer queries.
var (
	IIDIUnknown     = GUID{0x00000000, 0x0000, 0x0000, [8]byte{0xc0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x46}}
	IIDID3D11Device = GUID{0xdb6f6ddb, 0xac77, 0x4e88, [8]byte{0x82, 0x53, 0x81, 0x9d, 0xf9, 0xbb, 0xf1, 0x40}}
	IIDID3D12Device = GUID{0x189819f1, 0x1db6, 0x4b57, [8]byte{0xbe, 0x54, 0x18, 0x21, 0x33, 0x9b, 0x85, 0xf7}}
)

// HResult is a COM operation status. The high bit distinguishes failure
// from success, same as the native encoding.
type HResult uint32

const (
	OK           HResult = 0x00000000
	ENoInterface HResult = 0x80004002
	EPointer     HResult = 0x80004003
	EFail        HResult = 0x80004005
	EInvalidArg  HResult = 0x80070057
)

// Succeeded reports whether hr is a success code.
func (hr HResult) Succeeded() bool { return hr&0x80000000 == 0 }

// Failed reports whether hr is a failure code.
func (hr HResult) Failed() bool { return !hr.Succeeded() }

func (hr HResult) String() string {
	switch hr {
	case OK:
		return "S_OK"
	case ENoInterface:
		return "E_NOINTERFACE"
	case EPointer:
		return "E_POINTER"
	case EFail:
		return "E_FAIL"
	case EInvalidArg:
		return "E_INVALIDARG"
	}
	return fmt.Sprintf("HRESULT(0x%08x)", uint32(hr))
}

// Unknown is the base contract every runtime object satisfies. Ownership
// follows COM rules: QueryInterface hands out a referenced object that the
// caller must Release, and the returned counts from AddRef and Release are
// advisory.
type Unknown interface {
	QueryInterface(iid GUID) (Unknown, HResult)
	AddRef() uint32
	Release() uint32
}

// Named forms of Unknown for the objects that cross this layer. They carry
// no extra methods; the real interfaces live behind the interop shim, and
// the names only keep signatures readable.
type (
	Device        interface{ Unknown }
	DeviceContext interface{ Unknown }
	SwapChain     interface{ Unknown }
	Adapter       interface{ Unknown }
)
