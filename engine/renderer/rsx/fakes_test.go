package rsx

import (
	"encoding/binary"
	"sync"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type fakeRegisters struct {
	clipW, clipH  uint32
	target        SurfaceTarget
	address       uint32
	pitch         uint32
	transformRead int
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{clipW: 8, clipH: 8, target: SurfaceA}
}

func (f *fakeRegisters) SurfaceClip() (uint32, uint32) { return f.clipW, f.clipH }
func (f *fakeRegisters) Scissor() gpu.Rect {
	return gpu.Rect{Right: int32(f.clipW), Bottom: int32(f.clipH)}
}
func (f *fakeRegisters) SurfaceColorTarget() SurfaceTarget { return f.target }
func (f *fakeRegisters) ColorOutput() (uint32, uint32)     { return f.address, f.pitch }
func (f *fakeRegisters) StencilRef() uint32                { return 0 }
func (f *fakeRegisters) ScaleOffset() [16]float32 {
	return [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

func (f *fakeRegisters) TransformConstants() []byte {
	f.transformRead++
	return make([]byte, 512*16)
}

type fakeClause struct {
	ranges  [][2]uint32
	indexed bool
	format  gpu.Format
	pos     int
}

func (c *fakeClause) Primitive() Primitive { return PrimitiveTriangles }
func (c *fakeClause) Begin()               { c.pos = 0 }
func (c *fakeClause) Next() bool {
	c.pos++
	return c.pos < len(c.ranges)
}
func (c *fakeClause) Range() (uint32, uint32) { return c.ranges[c.pos][0], c.ranges[c.pos][1] }
func (c *fakeClause) Indexed() bool           { return c.indexed }
func (c *fakeClause) IndexFormat() gpu.Format { return c.format }

// fakeVertices serves one float4 attribute and 16 bit indices from a flat list.
type fakeVertices struct {
	indices  []uint16
	requests [][2]uint32
}

func (v *fakeVertices) Attributes() []VertexAttribute {
	return []VertexAttribute{{Format: gpu.FormatRGBA32Float, Stride: 16}}
}

func (v *fakeVertices) ReadVertices(_ int, first, count uint32) []byte {
	v.requests = append(v.requests, [2]uint32{first, count})
	return make([]byte, count*16)
}

func (v *fakeVertices) ReadIndices(first, count uint32) []byte {
	out := make([]byte, 0, count*2)
	for _, i := range v.indices[first : first+count] {
		out = binary.LittleEndian.AppendUint16(out, i)
	}
	return out
}

type fakeProgram struct {
	pso      gpu.PipelineState
	valid    bool
	textures uint32
}

func (p *fakeProgram) Pipeline() gpu.PipelineState { return p.pso }
func (p *fakeProgram) FragmentValid() bool         { return p.valid }
func (p *fakeProgram) TextureCount() uint32        { return p.textures }
func (p *fakeProgram) FragmentConstants() []byte   { return make([]byte, 64) }

type fakePrograms struct {
	program *fakeProgram
	loads   int
}

func (f *fakePrograms) Load(Registers) (Program, bool) {
	f.loads++
	if f.program == nil {
		return nil, false
	}
	return f.program, true
}

type fakeTargets struct {
	color       gpu.Texture
	clearColor  [4]float32
	prepared    int
	invalidated []gpu.Resource
}

func (f *fakeTargets) Prepare(gpu.CommandContext, Registers) error {
	f.prepared++
	return nil
}

func (f *fakeTargets) Bind(cmd gpu.CommandContext) { cmd.SetRenderTargets(f.color) }

func (f *fakeTargets) Bound(i int) gpu.Texture {
	if i == 0 {
		return f.color
	}
	return nil
}

func (f *fakeTargets) Clear(cmd gpu.CommandContext, _ uint32) error {
	cmd.ClearRenderTarget(f.color, f.clearColor)
	return nil
}

func (f *fakeTargets) TakeInvalidated() []gpu.Resource {
	out := f.invalidated
	f.invalidated = nil
	return out
}

const scratchDescriptors = 64

type fakeTextures struct {
	device      gpu.Device
	texture     gpu.Texture
	views       gpu.DescriptorHeap
	samplers    gpu.DescriptorHeap
	invalidates map[uint32]bool
	unprotected bool
}

func (f *fakeTextures) Invalidate(address uint32) bool { return f.invalidates[address] }
func (f *fakeTextures) UnprotectAll()                  { f.unprotected = true }

func (f *fakeTextures) Upload(_ gpu.CommandContext, count uint32) (gpu.DescriptorHeap, gpu.DescriptorHeap, error) {
	if f.views == nil {
		var err error
		if f.texture, err = f.device.CreateTexture(gpu.TextureDesc{Width: 2, Height: 2, Format: gpu.FormatRGBA8, InitialState: gpu.StateGenericRead}); err != nil {
			return nil, nil, err
		}
		if f.views, err = f.device.CreateDescriptorHeap(gpu.HeapViews, scratchDescriptors); err != nil {
			return nil, nil, err
		}
		if f.samplers, err = f.device.CreateDescriptorHeap(gpu.HeapSamplers, scratchDescriptors); err != nil {
			return nil, nil, err
		}
	}
	for i := uint32(0); i < count; i++ {
		if err := f.views.WriteView(i, gpu.ViewDesc{Kind: gpu.ViewTexture, Texture: f.texture, Format: gpu.FormatRGBA8}); err != nil {
			return nil, nil, err
		}
		if err := f.samplers.WriteSampler(i, gpu.SamplerDesc{Filter: gpu.FilterLinear}); err != nil {
			return nil, nil, err
		}
	}
	return f.views, f.samplers, nil
}

type fakeSurface struct {
	cleared int
	flips   int
}

func (s *fakeSurface) ClearEvents() { s.cleared++ }
func (s *fakeSurface) Flip()        { s.flips++ }

type fakeMemory struct {
	display DisplayBuffer
	hasBuf  bool

	mu     sync.Mutex
	writes map[uint32][]byte
}

func (m *fakeMemory) DisplayBuffer() (DisplayBuffer, bool) { return m.display, m.hasBuf }

func (m *fakeMemory) Write(address uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writes == nil {
		m.writes = map[uint32][]byte{}
	}
	m.writes[address] = append([]byte(nil), data...)
	return nil
}

type countingOverlay struct {
	calls int
}

func (o *countingOverlay) Render(gpu.CommandContext, gpu.Texture, TimingStats) error {
	o.calls++
	return nil
}
