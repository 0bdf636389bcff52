// Capture host simulator: a stand-in for a render process with the
// capture layer embedded. A fake vendor driver and a fake encoder take
// the place of the real libraries, the agent installs its redirects over
// them, and a short scripted sequence shows what interception changes:
//
//   - devices come back wrapped; the driver still sees only its own objects
//   - extension slot binds are recorded on the wrapper
//   - opcode support is the driver's answer ANDed with what replay can execute
//   - encoder registration works with wrapper handles through the patched
//     table, and fails against the raw table (the bug this layer fixes)
//   - vendor extensions outside the table are refused by policy
//
// Health stays up on :8691 while the simulator idles; Ctrl-C exits.

package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/gfxtap/pkg/agent"
	"github.com/mbeema/gfxtap/pkg/config"
	"github.com/mbeema/gfxtap/pkg/d3d"
	"github.com/mbeema/gfxtap/pkg/interpose"
	"github.com/mbeema/gfxtap/pkg/nvapi"
	"github.com/mbeema/gfxtap/pkg/nvenc"
)

// A vendor extension the driver implements but the interception table
// does not model.
const idPrivateExtension nvapi.ID = 0x900dbeef

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	driver := &fakeDriver{}
	encoder := newFakeEncoder()

	// The host looked the real entry points up itself; it registers them
	// with the provider and routes application calls through Current.
	provider := interpose.NewHostProvider(logger)
	must(provider.RegisterOriginal(interpose.QueryInterfaceExport, nvapi.ResolveFunc(driver.resolve)))
	must(provider.RegisterOriginal(interpose.EncodeCreateExport, nvenc.CreateInstanceFunc(encoder.createInstance)))

	cfg := config.DefaultConfig()
	cfg.ServiceName = "capture-sim"
	// The scripted narrative below is the useful output here.
	cfg.Telemetry.Stdout.Enabled = false

	a, err := agent.New(cfg, provider, logger)
	if err != nil {
		logger.Fatal("create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("start agent", zap.Error(err))
	}

	runScenario(a, provider, driver, encoder)
	showHealth()

	log.Println("simulator idle; health on :8691, Ctrl-C to exit")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	if err := a.Stop(); err != nil {
		logger.Error("stop agent", zap.Error(err))
	}
}

func runScenario(a *agent.Agent, provider *interpose.HostProvider, driver *fakeDriver, encoder *fakeEncoder) {
	resolve := currentResolver(provider)

	// The vendor init path resolves a few identifiers before anything
	// else; those pass straight through the allowlist.
	if fn := resolve(nvapi.IDInitialize); fn == nil {
		log.Fatal("initialize did not resolve")
	}
	log.Println("NvAPI_Initialize resolved, allowlisted pass-through")

	// Create a device through the intercepted entry point.
	createAny := resolve(nvapi.IDD3D11CreateDevice)
	create, ok := createAny.(nvapi.CreateDeviceFunc)
	if !ok {
		log.Fatalf("create capability has type %T", createAny)
	}
	res, hr := create(nil, d3d.DriverTypeHardware, 0, 0, []d3d.FeatureLevel{d3d.FeatureLevel11_1}, 7)
	if hr.Failed() {
		log.Fatalf("device create failed: %s", hr)
	}
	if _, raw := res.Device.(*simObject); raw {
		log.Fatal("application received the raw device, wrapping is broken")
	}
	log.Printf("device created: application holds a wrapper, driver made %d real device(s)", driver.devices.Load())

	// Bind the shader extension slot on the wrapped device. The driver
	// rejects objects it did not create, so success means the layer
	// unwrapped the device before delegating.
	setSlotAny := resolve(nvapi.IDD3D11SetNvShaderExtnSlot)
	setSlot, ok := setSlotAny.(nvapi.SetSlotFunc)
	if !ok {
		log.Fatalf("set-slot capability has type %T", setSlotAny)
	}
	if st := setSlot(res.Device, 7); st != nvapi.StatusOK {
		log.Fatalf("set slot failed: %s", st)
	}
	log.Println("extension slot bound through the wrapper, driver saw its own device")

	// Ask about opcode support. The fake hardware claims everything;
	// what reaches the application is capped by what replay can execute.
	isSupAny := resolve(nvapi.IDD3D11IsNvShaderExtnOpCodeSupported)
	isSup, ok := isSupAny.(nvapi.IsOpCodeSupportedFunc)
	if !ok {
		log.Fatalf("opcode capability has type %T", isSupAny)
	}
	var laneID, footprint bool
	if st := isSup(res.Device, nvapi.OpGetLaneID, &laneID); st != nvapi.StatusOK {
		log.Fatalf("opcode query failed: %s", st)
	}
	if st := isSup(res.Device, nvapi.OpFootprint, &footprint); st != nvapi.StatusOK {
		log.Fatalf("opcode query failed: %s", st)
	}
	log.Printf("opcode support: lane-id %v, footprint %v (driver claimed both)", laneID, footprint)

	// The application creates a texture. The embedding capture layer
	// wraps it and records the wrapper-to-real translation.
	realTex := encoder.newRealResource()
	const wrapTex = uintptr(0x1000)
	a.Registry().RegisterResource(wrapTex, realTex)

	// Open an encoder session; the dispatch table comes back patched.
	ciAny, ok := provider.Current(interpose.EncodeCreateExport)
	if !ok {
		log.Fatal("no create-instance registered")
	}
	createInstance, ok := ciAny.(nvenc.CreateInstanceFunc)
	if !ok {
		log.Fatalf("create-instance has type %T", ciAny)
	}
	var list nvenc.FunctionList
	if st := createInstance(&list); st != nvenc.StatusSuccess {
		log.Fatalf("create-instance failed: %s", st)
	}

	params := nvenc.RegisterResourceParams{
		Version:            1,
		ResourceType:       nvenc.ResourceTypeDirectX,
		ResourceToRegister: wrapTex,
	}
	const session = uintptr(0x2000)
	if st := list.RegisterResource(session, &params); st != nvenc.StatusSuccess {
		log.Fatalf("patched registration failed: %s", st)
	}
	if params.ResourceToRegister != wrapTex {
		log.Fatal("registration mutated the caller's argument block")
	}
	log.Println("encoder accepted the wrapper handle through the patched table")

	// For contrast, the raw table rejects the same call.
	var raw nvenc.FunctionList
	if st := encoder.createInstance(&raw); st != nvenc.StatusSuccess {
		log.Fatalf("raw create-instance failed: %s", st)
	}
	if st := raw.RegisterResource(session, &params); st == nvenc.StatusSuccess {
		log.Fatal("raw encoder accepted a wrapper handle, simulation is broken")
	}
	log.Println("raw table rejects the wrapper handle, which is the failure the patch removes")

	// A private vendor extension the table does not model: the driver
	// implements it, the policy refuses it.
	if fn := resolve(idPrivateExtension); fn != nil {
		log.Fatal("private extension resolved while the policy denies them")
	}
	log.Println("private vendor extension refused by policy")
}

func currentResolver(p *interpose.HostProvider) nvapi.ResolveFunc {
	fn, ok := p.Current(interpose.QueryInterfaceExport)
	if !ok {
		log.Fatal("no resolver registered")
	}
	resolve, ok := fn.(nvapi.ResolveFunc)
	if !ok {
		log.Fatalf("resolver has unexpected type %T", fn)
	}
	return resolve
}

func showHealth() {
	// The health listener binds asynchronously; give it a moment.
	time.Sleep(200 * time.Millisecond)
	resp, err := http.Get("http://localhost:8691/metrics")
	if err != nil {
		log.Printf("health endpoint not reachable: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	log.Printf("health metrics:\n%s", body)
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// simObject is a refcounted stand-in for a runtime object.
type simObject struct {
	name     string
	refs     atomic.Int32
	supports []d3d.GUID
}

func newSimObject(name string, supports ...d3d.GUID) *simObject {
	o := &simObject{name: name, supports: supports}
	o.refs.Store(1)
	return o
}

func (o *simObject) QueryInterface(iid d3d.GUID) (d3d.Unknown, d3d.HResult) {
	for _, g := range o.supports {
		if g == iid {
			o.AddRef()
			return o, d3d.OK
		}
	}
	return nil, d3d.ENoInterface
}

func (o *simObject) AddRef() uint32 { return uint32(o.refs.Add(1)) }

func (o *simObject) Release() uint32 {
	n := o.refs.Add(-1)
	if n < 0 {
		n = 0
	}
	return uint32(n)
}

// fakeDriver stands in for the vendor driver library.
type fakeDriver struct {
	devices atomic.Int64
}

// resolve is the driver's own query-interface export: a capability
// function out, nil for identifiers this driver does not implement.
func (d *fakeDriver) resolve(id nvapi.ID) nvapi.Capability {
	switch id {
	case nvapi.IDD3D11CreateDevice:
		return nvapi.CreateDeviceFunc(d.createDevice)
	case nvapi.IDD3D11SetNvShaderExtnSlot:
		return nvapi.SetSlotFunc(d.setSlot)
	case nvapi.IDD3D11IsNvShaderExtnOpCodeSupported:
		return nvapi.IsOpCodeSupportedFunc(d.isOpCodeSupported)
	case nvapi.IDInitialize, nvapi.IDUnload:
		return func() nvapi.Status { return nvapi.StatusOK }
	case idPrivateExtension:
		return func() nvapi.Status { return nvapi.StatusOK }
	}
	return nil
}

func (d *fakeDriver) createDevice(_ d3d.Adapter, _ d3d.DriverType, _ d3d.Module,
	_ uint32, levels []d3d.FeatureLevel, _ uint32) (nvapi.DeviceResult, d3d.HResult) {
	level := d3d.FeatureLevel11_0
	if len(levels) > 0 {
		level = levels[0]
	}
	d.devices.Add(1)
	return nvapi.DeviceResult{
		Device:       newSimObject("device", d3d.IIDIUnknown, d3d.IIDID3D11Device),
		Immediate:    newSimObject("immediate context"),
		FeatureLevel: level,
		ExtLevel:     nvapi.DeviceFeatureLevel11_0,
	}, d3d.OK
}

// setSlot accepts only the driver's own objects, the way the real driver
// rejects foreign pointers.
func (d *fakeDriver) setSlot(dev d3d.Unknown, _ uint32) nvapi.Status {
	if _, ok := dev.(*simObject); !ok {
		return nvapi.StatusInvalidPointer
	}
	return nvapi.StatusOK
}

func (d *fakeDriver) isOpCodeSupported(dev d3d.Unknown, _ nvapi.Opcode, supported *bool) nvapi.Status {
	if _, ok := dev.(*simObject); !ok {
		return nvapi.StatusInvalidPointer
	}
	if supported != nil {
		*supported = true // the fake hardware claims everything
	}
	return nvapi.StatusOK
}

// fakeEncoder stands in for the encoder runtime. Its registration only
// accepts handles the runtime itself minted.
type fakeEncoder struct {
	nextHandle uintptr
	real       map[uintptr]bool
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{nextHandle: 0xd3d00000, real: make(map[uintptr]bool)}
}

// newRealResource mints a runtime-side handle, as if the runtime had
// just created a texture.
func (e *fakeEncoder) newRealResource() uintptr {
	e.nextHandle++
	e.real[e.nextHandle] = true
	return e.nextHandle
}

func (e *fakeEncoder) createInstance(list *nvenc.FunctionList) nvenc.Status {
	if list == nil {
		return nvenc.StatusErrInvalidPtr
	}
	list.Version = nvenc.ExpectedListVersion
	list.RegisterResource = e.registerResource
	return nvenc.StatusSuccess
}

func (e *fakeEncoder) registerResource(encoder uintptr, params *nvenc.RegisterResourceParams) nvenc.Status {
	if encoder == 0 || params == nil {
		return nvenc.StatusErrInvalidPtr
	}
	if params.ResourceType == nvenc.ResourceTypeDirectX && !e.real[params.ResourceToRegister] {
		return nvenc.StatusErrInvalidPtr
	}
	return nvenc.StatusSuccess
}
