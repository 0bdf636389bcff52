// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mbeema/gfxtap/pkg/d3d"
)

// stubUnknown is a runtime object that counts every call made on it.
type stubUnknown struct {
	name     string
	supports map[d3d.GUID]bool
	queries  int
	addRefs  int
	releases int
}

func newStubUnknown(name string, supports ...d3d.GUID) *stubUnknown {
	s := &stubUnknown{name: name, supports: make(map[d3d.GUID]bool)}
	s.supports[d3d.IIDIUnknown] = true
	for _, iid := range supports {
		s.supports[iid] = true
	}
	return s
}

func (s *stubUnknown) QueryInterface(iid d3d.GUID) (d3d.Unknown, d3d.HResult) {
	s.queries++
	if !s.supports[iid] {
		return nil, d3d.ENoInterface
	}
	s.addRefs++
	return s, d3d.OK
}

func (s *stubUnknown) AddRef() uint32 {
	s.addRefs++
	return uint32(s.addRefs)
}

func (s *stubUnknown) Release() uint32 {
	s.releases++
	return 1
}

func (s *stubUnknown) touched() bool {
	return s.queries != 0 || s.addRefs != 0 || s.releases != 0
}

type extBind struct {
	space  uint32
	slot   uint32
	global bool
}

// stubWrapper satisfies WrappedDevice the way a capture wrapper does.
type stubWrapper struct {
	stubUnknown
	real  d3d.Unknown
	binds []extBind
}

func newStubWrapper(real d3d.Unknown) *stubWrapper {
	return &stubWrapper{real: real}
}

func (w *stubWrapper) Real() d3d.Unknown { return w.real }

func (w *stubWrapper) SetShaderExtUAV(space, slot uint32, global bool) {
	w.binds = append(w.binds, extBind{space: space, slot: slot, global: global})
}

// wrapFactory runs the real create and wraps the device in a stubWrapper.
type wrapFactory struct {
	calls    int
	lastArgs CreateArgs
	wrapped  *stubWrapper
}

func (f *wrapFactory) CreateWrapped(args CreateArgs, real RealCreateFunc) (DeviceResult, d3d.HResult) {
	f.calls++
	f.lastArgs = args
	res, hr := real(args)
	if hr.Failed() {
		return res, hr
	}
	if res.Device != nil {
		f.wrapped = newStubWrapper(res.Device)
		res.Device = f.wrapped
	}
	return res, hr
}

func newTestInterceptor(t *testing.T, resolve ResolveFunc, policy PolicyFunc) (*Interceptor, *wrapFactory) {
	t.Helper()
	f := &wrapFactory{}
	ic, err := NewInterceptor(resolve, f, policy, zap.NewNop())
	if err != nil {
		t.Fatalf("NewInterceptor: %v", err)
	}
	return ic, f
}

// emptyResolver stands in for a driver that exposes nothing.
func emptyResolver(ID) Capability { return nil }

func TestNewInterceptorValidation(t *testing.T) {
	if _, err := NewInterceptor(nil, &wrapFactory{}, nil, zap.NewNop()); err == nil {
		t.Error("NewInterceptor accepted a nil resolver")
	}
	if _, err := NewInterceptor(emptyResolver, nil, nil, zap.NewNop()); err == nil {
		t.Error("NewInterceptor accepted a nil device factory")
	}
}

func TestResolveHookedServesLocal(t *testing.T) {
	realCalls := 0
	var realDev d3d.Unknown
	realFn := SetSlotFunc(func(dev d3d.Unknown, slot uint32) Status {
		realCalls++
		realDev = dev
		return StatusOK
	})
	resolve := func(id ID) Capability {
		if id == IDD3D11SetNvShaderExtnSlot {
			return realFn
		}
		return nil
	}
	ic, _ := newTestInterceptor(t, resolve, nil)

	got := ic.Resolve(IDD3D11SetNvShaderExtnSlot)
	local, ok := got.(SetSlotFunc)
	if !ok {
		t.Fatalf("Resolve returned %T, want SetSlotFunc", got)
	}
	if funcEntry(local) == funcEntry(realFn) {
		t.Fatal("Resolve returned the real function instead of the local implementation")
	}

	inner := newStubUnknown("device")
	w := newStubWrapper(inner)
	if got := local(w, 3); got != StatusOK {
		t.Fatalf("local(wrapper, 3) = %v, want ok", got)
	}
	if realCalls != 1 {
		t.Errorf("real function called %d times, want 1", realCalls)
	}
	if realDev != d3d.Unknown(inner) {
		t.Error("real function did not receive the unwrapped device")
	}

	stats := ic.Stats()
	if stats.Hooked != 1 || stats.Resolutions != 1 {
		t.Errorf("stats = %+v, want Hooked=1 Resolutions=1", stats)
	}
}

func TestResolveHookedDriverLacksEntryPoint(t *testing.T) {
	ic, _ := newTestInterceptor(t, emptyResolver, nil)

	if got := ic.Resolve(IDD3D11SetNvShaderExtnSlot); got != nil {
		t.Fatalf("Resolve = %v, want nil when the driver lacks the entry point", got)
	}
	if got := ic.cells.d3d11SetSlot.load(); got != nil {
		t.Error("capture cell populated even though the driver returned nil")
	}
	if stats := ic.Stats(); stats.Hooked != 0 {
		t.Errorf("Hooked = %d, want 0", stats.Hooked)
	}
}

func TestResolveAllowlistPassthrough(t *testing.T) {
	calls := 0
	initFn := func() Status { return StatusOK }
	resolve := func(id ID) Capability {
		calls++
		if id == IDInitialize {
			return initFn
		}
		return nil
	}
	ic, _ := newTestInterceptor(t, resolve, nil)

	got := ic.Resolve(IDInitialize)
	if funcEntry(got) != funcEntry(initFn) {
		t.Error("allowlisted identifier did not pass the real function through")
	}
	if calls != 1 {
		t.Errorf("real resolver called %d times, want 1", calls)
	}
	if stats := ic.Stats(); stats.Allowlisted != 1 {
		t.Errorf("Allowlisted = %d, want 1", stats.Allowlisted)
	}
}

func TestResolvePolicy(t *testing.T) {
	unknownFn := func() Status { return StatusOK }
	resolve := func(id ID) Capability { return unknownFn }

	enabled := false
	ic, _ := newTestInterceptor(t, resolve, func() bool { return enabled })

	const unknownID ID = 0x12345678

	if got := ic.Resolve(unknownID); got != nil {
		t.Fatalf("Resolve = %v, want nil with extensions disabled", got)
	}
	if stats := ic.Stats(); stats.PolicyDenied != 1 {
		t.Errorf("PolicyDenied = %d, want 1", stats.PolicyDenied)
	}

	enabled = true
	got := ic.Resolve(unknownID)
	if funcEntry(got) != funcEntry(unknownFn) {
		t.Error("Resolve did not pass through with extensions enabled")
	}
	if stats := ic.Stats(); stats.PolicyAllowed != 1 {
		t.Errorf("PolicyAllowed = %d, want 1", stats.PolicyAllowed)
	}
}

func TestResolveNilPolicyDenies(t *testing.T) {
	resolve := func(id ID) Capability { return func() Status { return StatusOK } }
	ic, _ := newTestInterceptor(t, resolve, nil)

	if got := ic.Resolve(0xdeadbeef); got != nil {
		t.Errorf("Resolve = %v, want nil with no policy", got)
	}
}

func TestDenialLogCap(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := &wrapFactory{}
	resolve := func(ID) Capability { return func() Status { return StatusOK } }
	ic, err := NewInterceptor(resolve, f, nil, zap.New(core))
	if err != nil {
		t.Fatalf("NewInterceptor: %v", err)
	}

	const denials = 25
	for i := 0; i < denials; i++ {
		ic.Resolve(ID(0x40000000 + uint32(i)))
	}

	if got := logs.Len(); got != deniedLogLimit {
		t.Errorf("logged %d denials, want %d", got, deniedLogLimit)
	}
	if stats := ic.Stats(); stats.PolicyDenied != denials {
		t.Errorf("PolicyDenied = %d, want %d", stats.PolicyDenied, denials)
	}
}

func TestDivergentRecaptureKeepsFirst(t *testing.T) {
	firstCalls, secondCalls := 0, 0
	first := SetSlotFunc(func(d3d.Unknown, uint32) Status {
		firstCalls++
		return StatusOK
	})
	second := SetSlotFunc(func(d3d.Unknown, uint32) Status {
		secondCalls++
		return StatusOK
	})

	serving := first
	resolve := func(id ID) Capability {
		if id == IDD3D11SetNvShaderExtnSlot {
			return serving
		}
		return nil
	}
	ic, _ := newTestInterceptor(t, resolve, nil)

	ic.Resolve(IDD3D11SetNvShaderExtnSlot)
	serving = second
	local := ic.Resolve(IDD3D11SetNvShaderExtnSlot).(SetSlotFunc)

	if stats := ic.Stats(); stats.ConsistencyFaults != 1 {
		t.Fatalf("ConsistencyFaults = %d, want 1", stats.ConsistencyFaults)
	}

	w := newStubWrapper(newStubUnknown("device"))
	local(w, 0)
	if firstCalls != 1 || secondCalls != 0 {
		t.Errorf("calls after divergent recapture: first=%d second=%d, want first capture kept", firstCalls, secondCalls)
	}
}

func TestRepeatedResolveSameRealIsQuiet(t *testing.T) {
	fn := SetSlotFunc(func(d3d.Unknown, uint32) Status { return StatusOK })
	resolve := func(id ID) Capability {
		if id == IDD3D11SetNvShaderExtnSlot {
			return fn
		}
		return nil
	}
	ic, _ := newTestInterceptor(t, resolve, nil)

	for i := 0; i < 5; i++ {
		if got := ic.Resolve(IDD3D11SetNvShaderExtnSlot); got == nil {
			t.Fatal("Resolve returned nil for a hooked identifier")
		}
	}
	if stats := ic.Stats(); stats.ConsistencyFaults != 0 {
		t.Errorf("ConsistencyFaults = %d, want 0 for a stable real function", stats.ConsistencyFaults)
	}
}

func TestStatsSnapshot(t *testing.T) {
	fn := SetSlotFunc(func(d3d.Unknown, uint32) Status { return StatusOK })
	resolve := func(id ID) Capability {
		if id == IDD3D11SetNvShaderExtnSlot {
			return fn
		}
		return func() Status { return StatusOK }
	}
	ic, _ := newTestInterceptor(t, resolve, nil)

	ic.Resolve(IDD3D11SetNvShaderExtnSlot)
	ic.Resolve(IDInitialize)
	ic.Resolve(0x11112222)

	got := ic.Stats()
	want := Stats{Resolutions: 3, Hooked: 1, Allowlisted: 1, PolicyDenied: 1}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestIDString(t *testing.T) {
	if got := idString(ID(0x0150e828)); got != "0x0150e828" {
		t.Errorf("idString = %q, want 0x0150e828", got)
	}
	if got := fmt.Sprintf("%s", StatusInvalidPointer); got != "invalid_pointer" {
		t.Errorf("Status string = %q", got)
	}
}
