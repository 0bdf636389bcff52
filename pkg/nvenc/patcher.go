// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvenc

import (
	"errors"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
)

// HandleResolver translates a capture-owned resource handle to the real
// handle the encoder runtime expects, and records registrations that
// went through. *capture.Registry satisfies it.
type HandleResolver interface {
	RealResourceHandle(wrapped uintptr) (uintptr, bool)
	RecordEncoderResource(registered, real uintptr)
}

// Patcher owns the encoder dispatch-table interception: it stands in
// for the create-instance export and redirects the registration field
// of every table it fills in.
type Patcher struct {
	create  CreateInstanceFunc
	handles HandleResolver
	logger  *zap.Logger

	// real holds the driver's RegisterResource captured from the first
	// patched table. First capture wins; a later table carrying a
	// different pointer is a configuration fault, not a recapture.
	real atomic.Value

	patched           atomic.Int64
	versionDrift      atomic.Int64
	consistencyFaults atomic.Int64
	unwrapFaults      atomic.Int64
	registered        atomic.Int64
}

// NewPatcher wires the patcher to the real create-instance function and
// the handle lookup collaborator.
func NewPatcher(create CreateInstanceFunc, handles HandleResolver, logger *zap.Logger) (*Patcher, error) {
	if create == nil {
		return nil, errors.New("nvenc: nil create-instance function")
	}
	if handles == nil {
		return nil, errors.New("nvenc: nil handle resolver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patcher{create: create, handles: handles, logger: logger}, nil
}

// CreateInstance delegates to the real create-instance and, when it
// succeeds and the table exposes a registration function, captures that
// real pointer and overwrites the field with the local implementation.
// Everything else in the table is left exactly as the real call wrote
// it.
func (p *Patcher) CreateInstance(list *FunctionList) Status {
	st := p.create(list)
	if st != StatusSuccess || list == nil || list.RegisterResource == nil {
		return st
	}

	if list.Version != ExpectedListVersion {
		p.versionDrift.Add(1)
		p.logger.Warn("encoder dispatch table version differs from the supported layout",
			zap.Uint32("version", list.Version),
			zap.Uint32("expected", ExpectedListVersion))
	}

	if !p.real.CompareAndSwap(nil, list.RegisterResource) {
		prev, _ := p.real.Load().(RegisterResourceFunc)
		if prev != nil && funcEntry(prev) != funcEntry(list.RegisterResource) {
			p.consistencyFaults.Add(1)
			p.logger.Error("driver registration function changed between create-instance calls, keeping first capture")
		}
	}

	list.RegisterResource = p.RegisterResource
	p.patched.Add(1)
	return st
}

// RegisterResource is what applications call through the patched table.
// DirectX resources carry a wrapper handle that the real driver cannot
// use; the handle is swapped for the real one during the delegated call
// and restored before returning, so the caller's argument block is
// observably unchanged.
func (p *Patcher) RegisterResource(encoder uintptr, params *RegisterResourceParams) Status {
	real, _ := p.real.Load().(RegisterResourceFunc)
	if real == nil {
		p.logger.Error("resource registration called before any dispatch table was patched")
		return StatusErrInvalidPtr
	}

	if encoder == 0 || params == nil || params.ResourceType != ResourceTypeDirectX {
		return real(encoder, params)
	}

	orig := params.ResourceToRegister
	unwrapped, ok := p.handles.RealResourceHandle(orig)
	if !ok || unwrapped == 0 {
		p.unwrapFaults.Add(1)
		p.logger.Error("no real handle known for resource, passing the wrapped handle through",
			zap.Uintptr("handle", orig))
		unwrapped = orig
	}

	params.ResourceToRegister = unwrapped
	st := real(encoder, params)
	params.ResourceToRegister = orig

	if st == StatusSuccess && unwrapped != orig {
		p.handles.RecordEncoderResource(orig, unwrapped)
		p.registered.Add(1)
	}
	return st
}

// Stats is a snapshot of the patcher's counters.
type Stats struct {
	Patched           int64
	VersionDrift      int64
	ConsistencyFaults int64
	UnwrapFaults      int64
	Registered        int64
}

func (p *Patcher) Stats() Stats {
	return Stats{
		Patched:           p.patched.Load(),
		VersionDrift:      p.versionDrift.Load(),
		ConsistencyFaults: p.consistencyFaults.Load(),
		UnwrapFaults:      p.unwrapFaults.Load(),
		Registered:        p.registered.Load(),
	}
}

func funcEntry(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
