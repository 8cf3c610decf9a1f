package headless

import (
	"image"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// Stats counts the work the device executed.
type Stats struct {
	Submissions uint64
	Draws       uint64
	Vertices    uint64
	Blits       uint64
	Copies      uint64
	Clears      uint64
	Presents    uint64
}

type Device struct {
	adapter string
	debug   bool

	mu         sync.Mutex
	resources  *swiss.Map[uuid.UUID, gpu.Resource]
	states     *swiss.Map[uuid.UUID, gpu.ResourceState]
	validation []error
	stats      Stats

	queue *queue
}

func newDevice(adapter string, debug, manual bool, latency time.Duration) *Device {
	d := &Device{
		adapter:   adapter,
		debug:     debug,
		resources: swiss.NewMap[uuid.UUID, gpu.Resource](64),
		states:    swiss.NewMap[uuid.UUID, gpu.ResourceState](64),
	}
	d.queue = newQueue(d, manual, latency)
	core.LogInfo("headless device created on %s", adapter)
	return d
}

func (d *Device) Adapter() string  { return d.adapter }
func (d *Device) Queue() gpu.Queue { return d.queue }

// Advance executes up to n pending submissions when the device was created
// with manual completion and returns how many ran.
func (d *Device) Advance(n int) int {
	return d.queue.advance(n)
}

// Pending returns the number of submissions not yet executed.
func (d *Device) Pending() int {
	return d.queue.pending()
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ValidationErrors returns everything the debug layer reported so far.
func (d *Device) ValidationErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.validation...)
}

// LiveResources returns the number of created resources not yet released.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resources.Count()
}

// State returns the tracked state of res as of the last executed command.
func (d *Device) State(res gpu.Resource) gpu.ResourceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, _ := d.states.Get(res.ID())
	return s
}

// report records a validation error. Callers hold d.mu.
func (d *Device) report(format string, args ...interface{}) {
	if !d.debug {
		return
	}
	err := errors.Newf(format, args...)
	core.LogError("headless validation: %s", err)
	d.validation = append(d.validation, err)
}

func (d *Device) track(res gpu.Resource, state gpu.ResourceState) {
	d.mu.Lock()
	d.resources.Put(res.ID(), res)
	d.states.Put(res.ID(), state)
	d.mu.Unlock()
}

func (d *Device) untrack(id uuid.UUID) {
	d.mu.Lock()
	d.resources.Delete(id)
	d.states.Delete(id)
	d.mu.Unlock()
}

func (d *Device) CreateCommandContext() (gpu.CommandContext, error) {
	c := &commandList{base: newBase(d), open: true}
	d.track(c, gpu.StateCommon)
	return c, nil
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	f := &fence{base: newBase(d), value: initial}
	f.cond = sync.NewCond(&f.mu)
	d.track(f, gpu.StateCommon)
	return f, nil
}

func (d *Device) CreateDescriptorHeap(kind gpu.HeapKind, capacity uint32) (gpu.DescriptorHeap, error) {
	if capacity == 0 {
		return nil, errors.Newf("%s heap with zero capacity", kind)
	}
	h := &descriptorHeap{base: newBase(d), kind: kind, capacity: capacity}
	if kind == gpu.HeapSamplers {
		h.samplers = make([]*gpu.SamplerDesc, capacity)
	} else {
		h.views = make([]*gpu.ViewDesc, capacity)
	}
	d.track(h, gpu.StateCommon)
	return h, nil
}

func (d *Device) CreateBuffer(memory gpu.MemoryKind, size uint64) (gpu.Buffer, error) {
	if size == 0 {
		return nil, errors.New("buffer with zero size")
	}
	b := &buffer{base: newBase(d), memory: memory, data: make([]byte, size)}
	state := gpu.StateCommon
	switch memory {
	case gpu.MemoryUpload:
		state = gpu.StateGenericRead
	case gpu.MemoryReadback:
		state = gpu.StateCopyDest
	}
	d.track(b, state)
	return b, nil
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Newf("texture with empty extent %dx%d", desc.Width, desc.Height)
	}
	if desc.Format.BytesPerPixel() != 4 {
		return nil, errors.Newf("headless textures must use a 32-bit format, got %d", desc.Format)
	}
	t := &texture{
		base:   newBase(d),
		format: desc.Format,
		img:    image.NewRGBA(image.Rect(0, 0, int(desc.Width), int(desc.Height))),
	}
	d.track(t, desc.InitialState)
	return t, nil
}

func (d *Device) CreateRootSignature(params []gpu.RootParameter) (gpu.RootSignature, error) {
	r := &rootSignature{base: newBase(d), params: append([]gpu.RootParameter(nil), params...)}
	d.track(r, gpu.StateCommon)
	return r, nil
}

func (d *Device) CreatePipelineState(desc gpu.PipelineDesc) (gpu.PipelineState, error) {
	if desc.Root == nil {
		return nil, errors.Newf("pipeline %q has no root signature", desc.Name)
	}
	p := &pipelineState{base: newBase(d), desc: desc}
	d.track(p, gpu.StateCommon)
	return p, nil
}

func (d *Device) CreateSwapChain(width, height, bufferCount uint32) (gpu.SwapChain, error) {
	if bufferCount < 2 {
		return nil, errors.Newf("swap chain needs at least 2 buffers, got %d", bufferCount)
	}
	sc := &swapChain{base: newBase(d), width: width, height: height}
	for i := uint32(0); i < bufferCount; i++ {
		t, err := d.CreateTexture(gpu.TextureDesc{
			Width:        width,
			Height:       height,
			Format:       gpu.FormatRGBA8,
			Memory:       gpu.MemoryDefault,
			InitialState: gpu.StatePresent,
			RenderTarget: true,
		})
		if err != nil {
			sc.Release()
			return nil, errors.Wrap(err, "creating back buffer")
		}
		sc.buffers = append(sc.buffers, t.(*texture))
	}
	d.track(sc, gpu.StateCommon)
	return sc, nil
}

func (d *Device) CopyDescriptors(dst gpu.DescriptorHeap, dstIndex uint32, src gpu.DescriptorHeap, srcIndex, count uint32) error {
	dh, ok := dst.(*descriptorHeap)
	if !ok {
		return errors.Newf("foreign destination heap %T", dst)
	}
	sh, ok := src.(*descriptorHeap)
	if !ok {
		return errors.Newf("foreign source heap %T", src)
	}
	if dh.kind != sh.kind {
		return errors.Newf("copying %s descriptors into a %s heap", sh.kind, dh.kind)
	}
	if dstIndex+count > dh.capacity || srcIndex+count > sh.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "copy of %d descriptors from %d to %d", count, srcIndex, dstIndex)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dh.kind == gpu.HeapSamplers {
		copy(dh.samplers[dstIndex:dstIndex+count], sh.samplers[srcIndex:srcIndex+count])
	} else {
		copy(dh.views[dstIndex:dstIndex+count], sh.views[srcIndex:srcIndex+count])
	}
	return nil
}

// Release stops the queue. Pending work is executed first.
func (d *Device) Release() {
	d.queue.close()
	if n := d.LiveResources(); n > 0 {
		core.LogDebug("headless device released with %d live resources", n)
	}
}
