package testbed

import (
	"image"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

const (
	// clearColorMask selects the color channels in the clear surface argument.
	clearColorMask = 0xF0

	checkerSize = 64
	// TextureAddress is where the checker texture lives in main memory.
	TextureAddress = 0x0C000000
)

// Programs hands out the single color program once Attach built it.
type Programs struct {
	program *program
	Loads   int
}

type program struct {
	pso      gpu.PipelineState
	textures uint32
	tint     [4]float32
}

func (p *program) Pipeline() gpu.PipelineState { return p.pso }
func (p *program) FragmentValid() bool         { return p.pso != nil }
func (p *program) TextureCount() uint32        { return p.textures }

func (p *program) FragmentConstants() []byte {
	return float4Bytes(p.tint)
}

func (p *Programs) Load(rsx.Registers) (rsx.Program, bool) {
	p.Loads++
	if p.program == nil {
		return nil, false
	}
	return p.program, true
}

func (p *Programs) release() {
	if p.program != nil && p.program.pso != nil {
		p.program.pso.Release()
	}
	p.program = nil
}

// Targets keeps one color surface sized after the surface clip registers.
// A resize retires the previous surface through TakeInvalidated.
type Targets struct {
	device        gpu.Device
	width, height uint32
	color         gpu.Texture
	ClearColor    [4]float32

	mu          sync.Mutex
	invalidated []gpu.Resource
}

func (t *Targets) ensure(width, height uint32) error {
	if t.color != nil && t.color.Width() == width && t.color.Height() == height {
		return nil
	}
	if t.device == nil {
		return errors.New("render targets used before attach")
	}
	tex, err := t.device.CreateTexture(gpu.TextureDesc{
		Width:        width,
		Height:       height,
		Format:       gpu.FormatRGBA8,
		Memory:       gpu.MemoryDefault,
		InitialState: gpu.StateRenderTarget,
		RenderTarget: true,
	})
	if err != nil {
		return errors.Wrapf(err, "creating %dx%d color surface", width, height)
	}
	if t.color != nil {
		t.mu.Lock()
		t.invalidated = append(t.invalidated, t.color)
		t.mu.Unlock()
	}
	t.color = tex
	t.width, t.height = width, height
	return nil
}

func (t *Targets) Prepare(_ gpu.CommandContext, regs rsx.Registers) error {
	w, h := regs.SurfaceClip()
	if w == 0 || h == 0 {
		return errors.Newf("empty surface clip %dx%d", w, h)
	}
	return t.ensure(w, h)
}

func (t *Targets) Bind(cmd gpu.CommandContext) {
	if t.color != nil {
		cmd.SetRenderTargets(t.color)
	}
}

func (t *Targets) Bound(i int) gpu.Texture {
	if i != 0 || t.color == nil {
		return nil
	}
	return t.color
}

func (t *Targets) Clear(cmd gpu.CommandContext, arg uint32) error {
	if arg&clearColorMask == 0 || t.color == nil {
		return nil
	}
	cmd.ClearRenderTarget(t.color, t.ClearColor)
	return nil
}

func (t *Targets) TakeInvalidated() []gpu.Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.invalidated
	t.invalidated = nil
	return out
}

func (t *Targets) release() {
	for _, res := range t.TakeInvalidated() {
		res.Release()
	}
	if t.color != nil {
		t.color.Release()
		t.color = nil
	}
}

// Textures caches one checker texture and protects its main memory range.
type Textures struct {
	device   gpu.Device
	texture  gpu.Texture
	views    gpu.DescriptorHeap
	samplers gpu.DescriptorHeap

	retired []gpu.Resource

	mu        sync.Mutex
	protected bool
	stale     bool
	uploads   int
}

func (t *Textures) Invalidate(address uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.protected || address < TextureAddress || address >= TextureAddress+checkerSize*checkerSize*4 {
		return false
	}
	t.protected = false
	t.stale = true
	return true
}

func (t *Textures) UnprotectAll() {
	t.mu.Lock()
	t.protected = false
	t.mu.Unlock()
	core.LogDebug("texture cache unprotected")
}

// Uploads counts how often the texture contents were copied to the GPU.
func (t *Textures) Uploads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploads
}

func (t *Textures) Upload(cmd gpu.CommandContext, count uint32) (gpu.DescriptorHeap, gpu.DescriptorHeap, error) {
	if t.views == nil {
		return nil, nil, errors.New("texture cache used before attach")
	}
	t.mu.Lock()
	stale := t.stale
	t.stale = false
	t.protected = true
	t.mu.Unlock()
	if stale {
		if err := t.fill(cmd); err != nil {
			return nil, nil, err
		}
	}
	for i := uint32(0); i < count; i++ {
		if err := t.views.WriteView(i, gpu.ViewDesc{
			Kind:    gpu.ViewTexture,
			Texture: t.texture,
			Format:  gpu.FormatRGBA8,
			Mapping: gpu.DefaultMapping,
		}); err != nil {
			return nil, nil, err
		}
		if err := t.samplers.WriteSampler(i, gpu.SamplerDesc{
			Filter:   gpu.FilterPoint,
			AddressU: gpu.AddressWrap,
			AddressV: gpu.AddressWrap,
			AddressW: gpu.AddressWrap,
		}); err != nil {
			return nil, nil, err
		}
	}
	return t.views, t.samplers, nil
}

func (t *Textures) create(device gpu.Device) error {
	t.device = device
	var err error
	if t.texture, err = device.CreateTexture(gpu.TextureDesc{
		Width:        checkerSize,
		Height:       checkerSize,
		Format:       gpu.FormatRGBA8,
		Memory:       gpu.MemoryDefault,
		InitialState: gpu.StateGenericRead,
	}); err != nil {
		return errors.Wrap(err, "creating checker texture")
	}
	if t.views, err = device.CreateDescriptorHeap(gpu.HeapViews, rsx.DefaultTextureTableSize); err != nil {
		return errors.Wrap(err, "creating texture views")
	}
	if t.samplers, err = device.CreateDescriptorHeap(gpu.HeapSamplers, rsx.DefaultTextureTableSize); err != nil {
		return errors.Wrap(err, "creating texture samplers")
	}
	t.stale = true
	return nil
}

// fill records a copy of the checker pattern into the texture. The staging
// buffer lives until release; the texture is small and rarely refilled.
func (t *Textures) fill(cmd gpu.CommandContext) error {
	const rowPitch = checkerSize * 4
	staging, err := t.device.CreateBuffer(gpu.MemoryUpload, rowPitch*checkerSize)
	if err != nil {
		return errors.Wrap(err, "creating checker staging buffer")
	}
	dst, err := staging.Map(0, staging.Size())
	if err != nil {
		staging.Release()
		return err
	}
	copy(dst, Checker(checkerSize, 8).Pix)
	staging.Unmap(0, staging.Size())

	cmd.Transition(t.texture, gpu.StateGenericRead, gpu.StateCopyDest)
	cmd.CopyBufferToTexture(t.texture, staging, 0, rowPitch)
	cmd.Transition(t.texture, gpu.StateCopyDest, gpu.StateGenericRead)

	t.mu.Lock()
	t.uploads++
	t.mu.Unlock()
	t.retired = append(t.retired, staging)
	return nil
}

func (t *Textures) release() {
	for _, r := range t.retired {
		r.Release()
	}
	t.retired = nil
	for _, r := range []gpu.Resource{t.texture, t.views, t.samplers} {
		if r != nil {
			r.Release()
		}
	}
	t.texture, t.views, t.samplers = nil, nil, nil
}

// Memory is the emulated main memory: a sparse map of written blocks and
// the framebuffer scanned out when no color target is bound.
type Memory struct {
	mu      sync.Mutex
	blocks  map[uint32][]byte
	display rsx.DisplayBuffer
	hasBuf  bool
}

func NewMemory() *Memory {
	return &Memory{blocks: make(map[uint32][]byte)}
}

func (m *Memory) DisplayBuffer() (rsx.DisplayBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display, m.hasBuf
}

// SetDisplayImage stores img as an ARGB framebuffer.
func (m *Memory) SetDisplayImage(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	pixels := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			d := (y*w + x) * 4
			pixels[d] = img.Pix[s+3]
			pixels[d+1] = img.Pix[s]
			pixels[d+2] = img.Pix[s+1]
			pixels[d+3] = img.Pix[s+2]
		}
	}
	m.mu.Lock()
	m.display = rsx.DisplayBuffer{Width: uint32(w), Height: uint32(h), Pixels: pixels}
	m.hasBuf = true
	m.mu.Unlock()
}

func (m *Memory) Write(address uint32, data []byte) error {
	if len(data) == 0 {
		return errors.Newf("empty write at %#x", address)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[address] = append([]byte(nil), data...)
	return nil
}

// Read returns the block last written at address.
func (m *Memory) Read(address uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[address]
	return b, ok
}
