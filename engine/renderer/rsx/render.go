// Package rsx turns resolved draw and flip requests into GPU work. All
// methods of Render must be called from the render goroutine; see Thread.
package rsx

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/frame"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/ring"
)

// Method identifiers handled by DoMethod.
const (
	MethodBackEndWriteSemaphoreRelease uint32 = 0x1d6c
	MethodTextureReadSemaphoreRelease  uint32 = 0x1d70
	MethodClearSurface                 uint32 = 0x1d94
)

// BlitShaders holds the compiled output scaling shaders. Backends that
// emulate full-screen blits accept empty code.
type BlitShaders struct {
	Vertex   []byte
	Fragment []byte
}

type Options struct {
	Video   core.VideoConfig
	Heaps   core.HeapConfig
	Shaders BlitShaders
}

type Render struct {
	opts    Options
	backend gpu.Backend
	collab  Collaborators
	initErr error

	device    gpu.Device
	queue     gpu.Queue
	swapChain gpu.SwapChain

	upload       *ring.Allocator
	readback     *ring.Allocator
	vertexBuffer gpu.Buffer
	vertexState  gpu.ResourceState
	frames       *frame.Manager

	sharedRoot     gpu.RootSignature
	dummyTexture   gpu.Texture
	defaultSampler gpu.SamplerDesc
	scaling        *scalingPass
	overlayCmds    [frame.SlotCount]gpu.CommandContext

	// vertex constant bookkeeping
	transformDirty bool
	boundGen       uint64
	boundSlot      int
	constantsBound bool

	timings     TimingStats
	lastTimings TimingStats
	frameClock  *core.Clock
	metrics     *core.FrameMetrics
}

// New creates the device and every GPU object the renderer needs. Failures
// are logged and reported later by OnInitThread.
func New(backend gpu.Backend, opts Options, collab Collaborators) *Render {
	r := &Render{
		opts:           opts,
		backend:        backend,
		collab:         collab,
		transformDirty: true,
		boundSlot:      -1,
		frameClock:     core.NewClock(),
		metrics:        core.NewFrameMetrics(),
		defaultSampler: gpu.SamplerDesc{
			Filter:   gpu.FilterPoint,
			AddressU: gpu.AddressClamp,
			AddressV: gpu.AddressClamp,
			AddressW: gpu.AddressClamp,
		},
	}
	if err := r.init(); err != nil {
		core.LogError("renderer initialization failed: %s", err)
		r.initErr = err
		r.releaseObjects()
		if r.device != nil {
			r.device.Release()
			r.device = nil
		}
		return r
	}
	r.frameClock.Start()
	return r
}

func (r *Render) createDevice() error {
	if r.opts.Video.DebugOutput {
		if err := r.backend.EnableDebugLayer(); err != nil {
			core.LogWarn("unable to enable the %s debug layer: %s", r.backend.Name(), err)
		}
	}
	dev, err := r.backend.CreateDevice(r.opts.Video.Adapter)
	if err == nil {
		r.device = dev
		return nil
	}
	core.LogError("failed to initialize %s device on adapter '%s', falling back to first available GPU: %s",
		r.backend.Name(), r.opts.Video.Adapter, err)
	dev, err = r.backend.CreateDevice("")
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "unable to create %s device", r.backend.Name()), core.ErrNoDevice)
	}
	r.device = dev
	return nil
}

func (r *Render) init() error {
	if err := r.createDevice(); err != nil {
		return err
	}
	r.queue = r.device.Queue()

	var err error
	video, heaps := r.opts.Video, r.opts.Heaps
	if r.swapChain, err = r.device.CreateSwapChain(video.Width, video.Height, frame.SlotCount); err != nil {
		return errors.Wrap(err, "creating swap chain")
	}

	ub, err := r.device.CreateBuffer(gpu.MemoryUpload, heaps.UploadSize)
	if err != nil {
		return errors.Wrap(err, "creating upload heap")
	}
	rb, err := r.device.CreateBuffer(gpu.MemoryReadback, heaps.ReadbackSize)
	if err != nil {
		ub.Release()
		return errors.Wrap(err, "creating readback heap")
	}
	policy := ring.ParsePolicy(heaps.RingPolicy)
	r.upload = ring.New("upload", ub, policy)
	r.readback = ring.New("readback", rb, policy)

	if r.vertexBuffer, err = r.device.CreateBuffer(gpu.MemoryDefault, heaps.VertexSize); err != nil {
		return errors.Wrap(err, "creating vertex buffer")
	}
	if r.sharedRoot, err = r.device.CreateRootSignature(sharedRootParameters(r.textureTableSize())); err != nil {
		return errors.Wrap(err, "creating shared root signature")
	}

	r.frames, err = frame.NewManager(r.device, r.swapChain, r.upload, r.readback, frame.SlotConfig{
		ViewHeapSize:    heaps.ViewPageSize,
		SamplerHeapSize: heaps.SamplerPageSize,
		SamplerPages:    2,
	})
	if err != nil {
		return errors.Wrap(err, "creating frame slots")
	}
	for i := 0; i < frame.SlotCount; i++ {
		if err := r.frames.Slot(i).Reset(); err != nil {
			return err
		}
	}

	if r.scaling, err = newScalingPass(r.device, r.swapChain, r.opts.Shaders); err != nil {
		return errors.Wrap(err, "creating output scaling pass")
	}

	if r.dummyTexture, err = r.device.CreateTexture(gpu.TextureDesc{
		Width:        2,
		Height:       2,
		Format:       gpu.FormatRGBA8,
		Memory:       gpu.MemoryDefault,
		InitialState: gpu.StateGenericRead,
	}); err != nil {
		return errors.Wrap(err, "creating dummy texture")
	}

	if video.Overlay {
		if err := r.ensureOverlayCommands(); err != nil {
			return err
		}
	}
	core.LogInfo("%s renderer ready on %s (%dx%d)", r.backend.Name(), r.device.Adapter(), video.Width, video.Height)
	return nil
}

func (r *Render) ensureOverlayCommands() error {
	for i := range r.overlayCmds {
		if r.overlayCmds[i] != nil {
			continue
		}
		cmd, err := r.device.CreateCommandContext()
		if err != nil {
			return errors.Wrap(err, "creating overlay command context")
		}
		r.overlayCmds[i] = cmd
	}
	return nil
}

// OnInitThread fails when the device could not be created.
func (r *Render) OnInitThread() error {
	if r.device != nil {
		return nil
	}
	if r.initErr != nil {
		return errors.Mark(r.initErr, core.ErrNoDevice)
	}
	return core.ErrNoDevice
}

// OnExit waits for the GPU to go idle and frees everything.
func (r *Render) OnExit() error {
	if r.device == nil {
		return nil
	}
	var err error
	if r.frames != nil {
		err = r.frames.WaitIdle()
	}
	if qerr := r.queue.WaitIdle(); qerr != nil && err == nil {
		err = qerr
	}
	if r.collab.Textures != nil {
		r.collab.Textures.UnprotectAll()
	}
	if r.collab.Release != nil {
		r.collab.Release()
	}
	r.releaseObjects()
	r.device.Release()
	r.device = nil
	core.LogInfo("renderer shut down")
	return err
}

func (r *Render) releaseObjects() {
	for i, cmd := range r.overlayCmds {
		if cmd != nil {
			cmd.Release()
			r.overlayCmds[i] = nil
		}
	}
	if r.dummyTexture != nil {
		r.dummyTexture.Release()
		r.dummyTexture = nil
	}
	if r.frames != nil {
		r.frames.Release()
		r.frames = nil
	}
	if r.scaling != nil {
		r.scaling.release()
		r.scaling = nil
	}
	if r.sharedRoot != nil {
		r.sharedRoot.Release()
		r.sharedRoot = nil
	}
	if r.vertexBuffer != nil {
		r.vertexBuffer.Release()
		r.vertexBuffer = nil
	}
	if r.upload != nil {
		r.upload.Buffer().Release()
		r.upload = nil
	}
	if r.readback != nil {
		r.readback.Buffer().Release()
		r.readback = nil
	}
	if r.swapChain != nil {
		r.swapChain.Release()
		r.swapChain = nil
	}
}

// DoLocalTask runs between FIFO commands.
func (r *Render) DoLocalTask(state FIFOState) {
	if state != FIFOLockWait && r.collab.Surface != nil {
		r.collab.Surface.ClearEvents()
	}
}

// OnAccessViolation is called when emulated code touched protected memory.
// It returns true when a write invalidated a cached resource and the access
// should be retried.
func (r *Render) OnAccessViolation(address uint32, isWrite bool) bool {
	if !isWrite {
		return false
	}
	if r.collab.Textures != nil && r.collab.Textures.Invalidate(address) {
		core.LogWarn("Reporting Cell writing to 0x%x", address)
		return true
	}
	return false
}

// DoMethod handles the methods the renderer implements itself. It returns
// false when the generic handler must still run.
func (r *Render) DoMethod(cmd, arg uint32, regs Registers) (bool, error) {
	if r.device == nil {
		return false, core.ErrNoDevice
	}
	switch cmd {
	case MethodClearSurface:
		slot := r.frames.Current()
		r.bindSlot(slot)
		if err := r.collab.Targets.Prepare(slot.Commands(), regs); err != nil {
			return true, errors.Wrap(err, "preparing render targets for clear")
		}
		if err := r.collab.Targets.Clear(slot.Commands(), arg); err != nil {
			return true, errors.Wrap(err, "clearing surface")
		}
		return true, nil
	case MethodTextureReadSemaphoreRelease, MethodBackEndWriteSemaphoreRelease:
		return false, r.copyRenderTargetToMemory(regs)
	}
	return false, nil
}

// InvalidateTransformConstants makes the next draw upload vertex constants.
func (r *Render) InvalidateTransformConstants() {
	r.transformDirty = true
}

// ApplyConfig takes the settings that may change while running.
func (r *Render) ApplyConfig(cfg *core.Config) error {
	r.opts.Video.VSync = cfg.Video.VSync
	if cfg.Video.Overlay && !r.opts.Video.Overlay {
		if err := r.ensureOverlayCommands(); err != nil {
			return err
		}
	}
	r.opts.Video.Overlay = cfg.Video.Overlay
	core.SetLogLevel(cfg.Log.Level)
	core.LogInfo("applied configuration: vsync=%t overlay=%t log=%s", cfg.Video.VSync, cfg.Video.Overlay, cfg.Log.Level)
	return nil
}

// RootSignature is the signature every draw pipeline must be built against.
func (r *Render) RootSignature() gpu.RootSignature { return r.sharedRoot }

func (r *Render) Device() gpu.Device        { return r.device }
func (r *Render) SwapChain() gpu.SwapChain  { return r.swapChain }
func (r *Render) Frames() *frame.Manager    { return r.frames }
func (r *Render) Upload() *ring.Allocator   { return r.upload }
func (r *Render) Readback() *ring.Allocator { return r.readback }

// LastTimings returns the stats of the last presented frame.
func (r *Render) LastTimings() TimingStats { return r.lastTimings }

func (r *Render) FPS() float64 { return r.metrics.FPS() }

func (r *Render) textureTableSize() uint32 {
	if n := r.opts.Heaps.TextureTableSize; n > 0 {
		return n
	}
	return DefaultTextureTableSize
}
