package gpu

import "fmt"

// ResourceState mirrors the usage a resource is currently prepared for.
// Transitions between states must be recorded explicitly on a CommandContext.
type ResourceState uint8

const (
	StateCommon ResourceState = iota
	StatePresent
	StateRenderTarget
	StateGenericRead
	StateCopyDest
	StateCopySource
	StateVertexAndConstant
)

func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StatePresent:
		return "present"
	case StateRenderTarget:
		return "render-target"
	case StateGenericRead:
		return "generic-read"
	case StateCopyDest:
		return "copy-dest"
	case StateCopySource:
		return "copy-source"
	case StateVertexAndConstant:
		return "vertex-and-constant"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type HeapKind uint8

const (
	// Shader resource views and constant buffer views.
	HeapViews HeapKind = iota
	HeapSamplers
)

func (k HeapKind) String() string {
	if k == HeapSamplers {
		return "samplers"
	}
	return "views"
}

// MemoryKind selects where a buffer or texture lives.
type MemoryKind uint8

const (
	// CPU writable, GPU readable.
	MemoryUpload MemoryKind = iota
	// GPU writable, CPU readable.
	MemoryReadback
	// Device local, not mappable.
	MemoryDefault
)

type Topology uint8

const (
	TopologyPointList Topology = iota
	TopologyLineList
	TopologyLineStrip
	TopologyTriangleList
	TopologyTriangleStrip
)

type Format uint8

const (
	FormatUnknown Format = iota
	FormatRGBA8
	FormatBGRA8
	FormatR16Uint
	FormatR32Uint
	FormatRGBA32Float
)

// BytesPerPixel returns the texel size of f, or 0 for FormatUnknown.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatRGBA8, FormatBGRA8, FormatR32Uint:
		return 4
	case FormatR16Uint:
		return 2
	case FormatRGBA32Float:
		return 16
	}
	return 0
}

type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

type Rect struct {
	Left, Top, Right, Bottom int32
}

func (r Rect) Width() int32  { return r.Right - r.Left }
func (r Rect) Height() int32 { return r.Bottom - r.Top }

// ComponentMapping routes each output channel (r, g, b, a) to a source channel index.
type ComponentMapping [4]uint8

var (
	DefaultMapping ComponentMapping = ComponentMapping{0, 1, 2, 3}
	// Framebuffers read back from emulated memory are stored ARGB.
	ARGBMapping ComponentMapping = ComponentMapping{1, 2, 3, 0}
)

type ViewKind uint8

const (
	ViewBuffer ViewKind = iota
	ViewTexture
	ViewConstantBuffer
)

// ViewDesc describes one shader resource or constant buffer view.
type ViewDesc struct {
	Kind    ViewKind
	Buffer  Buffer
	Texture Texture
	// Offset and Size address the buffer range in bytes.
	Offset uint64
	Size   uint64
	// Format and element count for typed buffer views.
	Format   Format
	Elements uint32
	Mapping  ComponentMapping
}

type Filter uint8

const (
	FilterPoint Filter = iota
	FilterLinear
	FilterMinMagLinearMipPoint
)

type AddressMode uint8

const (
	AddressWrap AddressMode = iota
	AddressClamp
	AddressMirror
)

type SamplerDesc struct {
	Filter   Filter
	AddressU AddressMode
	AddressV AddressMode
	AddressW AddressMode
	MaxLOD   float32
}

// RootParameter describes one descriptor table slot of a root signature.
type RootParameter struct {
	Heap  HeapKind
	Count uint32
	// View is the kind of every descriptor in a views table. Backends with
	// typed descriptor layouts use it; sampler tables ignore it.
	View ViewKind
}

type PipelineDesc struct {
	Name          string
	Root          RootSignature
	VertexCode    []byte
	FragmentCode  []byte
	Topology      Topology
	TargetFormats []Format
	// FullscreenBlit marks a pass that samples the texture in root table 0
	// with the sampler in root table 1 and covers the viewport. Backends
	// without a shader compiler emulate such pipelines directly.
	FullscreenBlit bool
}

type TextureDesc struct {
	Width, Height uint32
	Format        Format
	Memory        MemoryKind
	InitialState  ResourceState
	RenderTarget  bool
}
