// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package nvenc patches the hardware video encoder's dispatch table so
// that resource registration sees real runtime handles instead of the
// capture layer's wrappers. The encoder API hands applications a struct
// of function pointers; exactly one field is redirected, the rest of
// the table passes through untouched.
package nvenc

// Status is the encoder API's return code.
type Status uint32

const (
	StatusSuccess       Status = 0
	StatusErrInvalidPtr Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusErrInvalidPtr:
		return "invalid_ptr"
	}
	return "unknown"
}

// ResourceType says what kind of resource a registration call carries.
// Only DirectX resources are wrapped by the capture layer; every other
// kind passes through untranslated.
type ResourceType uint32

const (
	ResourceTypeDirectX       ResourceType = 0
	ResourceTypeCUDADevicePtr ResourceType = 1
	ResourceTypeCUDAArray     ResourceType = 2
	ResourceTypeOpenGLTexture ResourceType = 3
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeDirectX:
		return "directx"
	case ResourceTypeCUDADevicePtr:
		return "cuda_device_ptr"
	case ResourceTypeCUDAArray:
		return "cuda_array"
	case ResourceTypeOpenGLTexture:
		return "opengl_texture"
	}
	return "unknown"
}

// ExpectedListVersion is the one FunctionList layout this package
// understands: 7 in the top nibble, encoder API 8.1, struct revision 2.
// A table arriving with any other version is assumed to still keep
// RegisterResource at the same offset; the mismatch is logged so a
// future layout change shows up in diagnostics.
const ExpectedListVersion uint32 = 7<<28 | 8<<1 | 1<<24 | 2<<16

// RegisterResourceFunc registers one resource with an open encoder
// session.
type RegisterResourceFunc func(encoder uintptr, params *RegisterResourceParams) Status

// CreateInstanceFunc fills in the encoder dispatch table.
type CreateInstanceFunc func(list *FunctionList) Status

// FunctionList is the encoder dispatch table. Only the validated prefix
// and the one patched field are typed; Opaque covers the entries this
// layer never interprets. The vendor struct continues past
// RegisterResource, but nothing there is read or written, so nothing
// there is modelled.
type FunctionList struct {
	Version          uint32
	Reserved         uint32
	Opaque           [30]uintptr
	RegisterResource RegisterResourceFunc
}

// RegisterResourceParams is the argument block for a registration call,
// modelled down to the handle field. Opaque rounds the unread middle
// through unchanged; the struct continues past ResourceToRegister in
// the vendor's layout.
type RegisterResourceParams struct {
	Version            uint32
	ResourceType       ResourceType
	Opaque             [4]uint32
	ResourceToRegister uintptr
}
