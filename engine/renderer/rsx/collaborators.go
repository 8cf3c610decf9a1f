package rsx

import (
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// SurfaceTarget is the value of the surface color target register.
type SurfaceTarget uint8

const (
	SurfaceNone SurfaceTarget = iota
	SurfaceA
	SurfaceB
	SurfacesAB
	SurfacesABC
	SurfacesABCD
)

// GPULocal reports whether the color target is one of the render target
// surfaces tracked by the render target cache.
func (t SurfaceTarget) GPULocal() bool {
	return t != SurfaceNone
}

type Primitive uint8

const (
	PrimitivePoints Primitive = iota
	PrimitiveLines
	PrimitiveLineStrip
	PrimitiveTriangles
	PrimitiveTriangleStrip
)

func (p Primitive) Topology() gpu.Topology {
	switch p {
	case PrimitivePoints:
		return gpu.TopologyPointList
	case PrimitiveLines:
		return gpu.TopologyLineList
	case PrimitiveLineStrip:
		return gpu.TopologyLineStrip
	case PrimitiveTriangleStrip:
		return gpu.TopologyTriangleStrip
	}
	return gpu.TopologyTriangleList
}

// FIFOState is the state of the command FIFO when the render thread runs its local tasks.
type FIFOState uint8

const (
	FIFORunning FIFOState = iota
	FIFOEmpty
	FIFOSpinning
	FIFOLockWait
)

// Registers exposes the register file values the renderer reads.
type Registers interface {
	SurfaceClip() (width, height uint32)
	Scissor() gpu.Rect
	SurfaceColorTarget() SurfaceTarget
	// ColorOutput returns where the first color surface lives in emulated memory.
	ColorOutput() (address, pitch uint32)
	StencilRef() uint32
	// ScaleOffset is the 4x4 viewport transform, row major.
	ScaleOffset() [16]float32
	TransformConstants() []byte
}

// DrawClause is iterated lazily: Begin positions on the first range and Next
// moves to the following one.
type DrawClause interface {
	Primitive() Primitive
	Begin()
	Next() bool
	// Range returns the first element and element count of the current range.
	Range() (first, count uint32)
	Indexed() bool
	IndexFormat() gpu.Format
}

type VertexAttribute struct {
	Format gpu.Format
	Stride uint32
}

// VertexSource reads vertex and index data from emulated memory.
type VertexSource interface {
	Attributes() []VertexAttribute
	ReadVertices(attribute int, first, count uint32) []byte
	ReadIndices(first, count uint32) []byte
}

// DrawRequest is one resolved draw call.
type DrawRequest struct {
	Registers Registers
	Clause    DrawClause
	Vertices  VertexSource
}

type Program interface {
	Pipeline() gpu.PipelineState
	// FragmentValid is false when the fragment program could not be resolved.
	FragmentValid() bool
	TextureCount() uint32
	FragmentConstants() []byte
}

type ProgramCache interface {
	Load(regs Registers) (Program, bool)
}

type RenderTargets interface {
	Prepare(cmd gpu.CommandContext, regs Registers) error
	Bind(cmd gpu.CommandContext)
	// Bound returns the image attached to color slot i, or nil.
	Bound(i int) gpu.Texture
	Clear(cmd gpu.CommandContext, arg uint32) error
	// TakeInvalidated hands over the resources retired since the last call.
	TakeInvalidated() []gpu.Resource
}

type TextureCache interface {
	Invalidate(address uint32) bool
	UnprotectAll()
	// Upload prepares count textures and returns scratch heaps holding their
	// views and samplers at indices [0, count).
	Upload(cmd gpu.CommandContext, count uint32) (views, samplers gpu.DescriptorHeap, err error)
}

// Surface is the window the swap chain presents to.
type Surface interface {
	ClearEvents()
	Flip()
}

// DisplayBuffer is a framebuffer stored in emulated memory.
type DisplayBuffer struct {
	Width, Height uint32
	// Pixels holds Height rows of Width*4 bytes.
	Pixels []byte
}

type MainMemory interface {
	// DisplayBuffer returns the framebuffer scanned out when no render target is bound.
	DisplayBuffer() (DisplayBuffer, bool)
	Write(address uint32, data []byte) error
}

// Overlay draws diagnostics on top of the presented image. It records into
// cmd; the back buffer is in the render target state.
type Overlay interface {
	Render(cmd gpu.CommandContext, target gpu.Texture, stats TimingStats) error
}

type Collaborators struct {
	Programs ProgramCache
	Targets  RenderTargets
	Textures TextureCache
	Surface  Surface
	Memory   MainMemory
	Overlay  Overlay
	// Release frees the collaborators' GPU objects. OnExit calls it once the
	// queue is idle and before the device goes away.
	Release func()
}
