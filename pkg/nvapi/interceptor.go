// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package nvapi intercepts the vendor graphics API's identifier-indexed
// dispatch. Applications resolve capabilities by 32-bit identifier through
// a single exported entry point; the interceptor fields every resolution
// and serves a local implementation, passes the real function through, or
// refuses, per identifier. Raw pointer and ABI concerns live in the
// interop shim; here every capability is a typed Go function value.
package nvapi

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/d3d"
)

// Capability is a typed function value for one resolved entry point. The
// concrete type depends on the identifier; nil means unsupported.
type Capability any

// ResolveFunc is the real resolution entry point, injected at
// construction. It returns nil for identifiers the driver does not
// expose.
type ResolveFunc func(id ID) Capability

// PolicyFunc reports whether vendor extensions are currently enabled. It
// is consulted on every policy decision so configuration reloads take
// effect without rebuilding the interceptor. A nil PolicyFunc denies.
type PolicyFunc func() bool

// WrappedDevice is the contract a capture-owned device wrapper satisfies.
// Probing an object for it is a plain type assertion: a type-level fact
// with no calls into the probed object, so reference counts are never
// touched. Foreign devices simply fail the assertion.
type WrappedDevice interface {
	d3d.Unknown

	// Real returns the wrapped runtime object.
	Real() d3d.Unknown

	// SetShaderExtUAV records the extension slot binding so replay can
	// re-establish it. space is noSpace for the D3D11 forms; global
	// distinguishes device-wide from thread-local binds.
	SetShaderExtUAV(space, slot uint32, global bool)
}

// noSpace marks the D3D11 slot binds, which have no register space.
const noSpace = ^uint32(0)

// deniedLogLimit caps how many refused resolutions are logged per
// interceptor lifetime. Some engines probe hundreds of identifiers at
// startup; later denials are counted but silent.
const deniedLogLimit = 10

type captureOutcome int

const (
	capturedFirst captureOutcome = iota
	capturedSame
	capturedDivergent
)

// realCell holds the lazily captured real function for one hooked
// identifier. The first capture wins and is never replaced.
type realCell struct {
	real atomic.Value
}

func (c *realCell) capture(fn Capability) captureOutcome {
	if c.real.CompareAndSwap(nil, fn) {
		return capturedFirst
	}
	if funcEntry(c.real.Load()) != funcEntry(fn) {
		return capturedDivergent
	}
	return capturedSame
}

func (c *realCell) load() Capability {
	return c.real.Load()
}

// funcEntry returns the code entry address of a function value. Function
// values are not comparable with ==, so identity checks go through the
// entry address.
func funcEntry(fn any) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}

// Interceptor owns the dispatch table, the captured real functions, and
// the policy state for one interception context. All methods are safe for
// concurrent use; Resolve is lock-free.
type Interceptor struct {
	resolve ResolveFunc
	devices DeviceFactory
	policy  PolicyFunc
	logger  *zap.Logger

	hooked  map[ID]*hookEntry
	allowed map[ID]string

	cells struct {
		d3d11Create         realCell
		d3d11CreateSwap     realCell
		d3d11IsOpCode       realCell
		d3d11SetSlot        realCell
		d3d11SetSlotLT      realCell
		d3d12IsOpCode       realCell
		d3d12SetSlotSpace   realCell
		d3d12SetSlotSpaceLT realCell
	}

	resolutions       atomic.Int64
	hookedServed      atomic.Int64
	allowlisted       atomic.Int64
	policyAllowed     atomic.Int64
	policyDenied      atomic.Int64
	consistencyFaults atomic.Int64
	deviceCreates     atomic.Int64
	createFailures    atomic.Int64
}

type hookEntry struct {
	name  string
	cell  *realCell
	local Capability
}

// NewInterceptor builds an interceptor around the real resolver. devices
// wraps created devices for capture; policy gates identifiers outside the
// table and may be nil to deny them all.
func NewInterceptor(resolve ResolveFunc, devices DeviceFactory, policy PolicyFunc, logger *zap.Logger) (*Interceptor, error) {
	if resolve == nil {
		return nil, fmt.Errorf("real resolver is required")
	}
	if devices == nil {
		return nil, fmt.Errorf("device factory is required")
	}

	ic := &Interceptor{
		resolve: resolve,
		devices: devices,
		policy:  policy,
		logger:  logger,
		hooked:  make(map[ID]*hookEntry),
		allowed: make(map[ID]string),
	}
	for _, t := range hookTargets() {
		ic.hooked[t.id] = &hookEntry{
			name:  t.name,
			cell:  t.cell(ic),
			local: t.local(ic),
		}
	}
	for _, a := range allowTargets {
		ic.allowed[a.id] = a.name
	}
	return ic, nil
}

// Resolve fields one resolution request. The real resolver always goes
// first: an identifier the driver itself does not support passes its nil
// straight back, there is nothing to intercept. Hooked identifiers then
// get the local implementation with the real function captured as a side
// effect, allowlisted identifiers pass through, and everything else is up
// to the vendor-extension policy.
func (ic *Interceptor) Resolve(id ID) Capability {
	ic.resolutions.Add(1)

	real := ic.resolve(id)
	if real == nil {
		return nil
	}

	if e, ok := ic.hooked[id]; ok {
		switch e.cell.capture(real) {
		case capturedFirst:
			ic.logger.Debug("captured real entry point",
				zap.String("id", idString(id)),
				zap.String("name", e.name))
		case capturedDivergent:
			ic.consistencyFaults.Add(1)
			ic.logger.Error("real entry point changed between resolutions, keeping first capture",
				zap.String("id", idString(id)),
				zap.String("name", e.name))
		}
		ic.hookedServed.Add(1)
		return e.local
	}

	if _, ok := ic.allowed[id]; ok {
		ic.allowlisted.Add(1)
		return real
	}

	if ic.policy != nil && ic.policy() {
		ic.policyAllowed.Add(1)
		ic.logger.Debug("vendor extensions enabled, passing entry point through",
			idFields(id)...)
		return real
	}

	n := ic.policyDenied.Add(1)
	if n <= deniedLogLimit {
		ic.logger.Warn("vendor extensions disabled, refusing entry point",
			idFields(id)...)
	}
	return nil
}

// Stats is a point-in-time snapshot of the interceptor's counters.
type Stats struct {
	Resolutions       int64
	Hooked            int64
	Allowlisted       int64
	PolicyAllowed     int64
	PolicyDenied      int64
	ConsistencyFaults int64
	DeviceCreates     int64
	CreateFailures    int64
}

// Stats returns a snapshot of the counters.
func (ic *Interceptor) Stats() Stats {
	return Stats{
		Resolutions:       ic.resolutions.Load(),
		Hooked:            ic.hookedServed.Load(),
		Allowlisted:       ic.allowlisted.Load(),
		PolicyAllowed:     ic.policyAllowed.Load(),
		PolicyDenied:      ic.policyDenied.Load(),
		ConsistencyFaults: ic.consistencyFaults.Load(),
		DeviceCreates:     ic.deviceCreates.Load(),
		CreateFailures:    ic.createFailures.Load(),
	}
}

func idString(id ID) string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// idFields builds log fields for an identifier, with the human-readable
// name when the lookup table has one.
func idFields(id ID) []zap.Field {
	fields := []zap.Field{zap.String("id", idString(id))}
	if name := Name(id); name != "" {
		fields = append(fields, zap.String("name", name))
	}
	return fields
}
