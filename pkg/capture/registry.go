// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/nvenc"
)

// Registry tracks the live capture state: wrapped devices, the wrapper
// handle to real handle mapping for runtime resources, and the encoder
// resources registered through the patched dispatch table. One registry
// serves one interception context.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	devices   map[*Device]struct{}
	resources map[uintptr]uintptr // wrapper handle -> real handle
	encoder   map[uintptr]uintptr // registered encoder resource -> real handle
}

var _ nvenc.HandleResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		devices:   make(map[*Device]struct{}),
		resources: make(map[uintptr]uintptr),
		encoder:   make(map[uintptr]uintptr),
	}
}

func (r *Registry) addDevice(d *Device) {
	r.mu.Lock()
	r.devices[d] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) forgetDevice(d *Device) {
	r.mu.Lock()
	delete(r.devices, d)
	r.mu.Unlock()
}

// RegisterResource records that wrapped stands for real. The embedding
// capture layer calls this as the application creates resources; the
// encoder unwrap path reads it.
func (r *Registry) RegisterResource(wrapped, real uintptr) {
	if wrapped == 0 {
		return
	}
	r.mu.Lock()
	r.resources[wrapped] = real
	r.mu.Unlock()
}

// ReleaseResource drops the mapping for wrapped.
func (r *Registry) ReleaseResource(wrapped uintptr) {
	r.mu.Lock()
	delete(r.resources, wrapped)
	r.mu.Unlock()
}

// RealResourceHandle resolves a wrapper handle to the real one.
func (r *Registry) RealResourceHandle(wrapped uintptr) (uintptr, bool) {
	r.mu.RLock()
	real, ok := r.resources[wrapped]
	r.mu.RUnlock()
	return real, ok
}

// RecordEncoderResource remembers a successful encoder registration so
// replay can rebind the registered resource to the real handle it stood
// for.
func (r *Registry) RecordEncoderResource(registered, real uintptr) {
	if registered == 0 {
		return
	}
	r.mu.Lock()
	r.encoder[registered] = real
	r.mu.Unlock()
}

// EncoderResource looks up a recorded encoder registration.
func (r *Registry) EncoderResource(registered uintptr) (uintptr, bool) {
	r.mu.RLock()
	real, ok := r.encoder[registered]
	r.mu.RUnlock()
	return real, ok
}

// Counts reports how many devices, resource mappings, and encoder
// registrations are live.
func (r *Registry) Counts() (devices, resources, encoder int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.resources), len(r.encoder)
}
