package rsx

import "github.com/spaghettifunk/rsx/engine/renderer/gpu"

// Root signature slots shared by every draw.
const (
	VertexBuffersSlot uint32 = iota
	FragmentConstantBuffersSlot
	VertexConstantBuffersSlot
	TexturesSlot
	SamplersSlot
	ScaleOffsetSlot
)

const (
	MaxVertexBuffers = 16
	// DefaultTextureTableSize is used when the heap configuration leaves the
	// texture table size unset.
	DefaultTextureTableSize = 16

	// Offsets of the per-draw constant views after the vertex buffer views.
	scaleOffsetView       = 0
	vertexConstantsView   = 1
	fragmentConstantsView = 2
	constantViews         = 3

	constantBufferAlignment = 256
	vertexDataAlignment     = 16
	// storage buffer views need the strictest minStorageBufferOffsetAlignment
	vertexStreamAlignment = 256
	textureRowAlignment   = 256
	texturePlacement      = 512
)

func sharedRootParameters(textures uint32) []gpu.RootParameter {
	return []gpu.RootParameter{
		VertexBuffersSlot:           {Heap: gpu.HeapViews, Count: MaxVertexBuffers, View: gpu.ViewBuffer},
		FragmentConstantBuffersSlot: {Heap: gpu.HeapViews, Count: 1, View: gpu.ViewConstantBuffer},
		VertexConstantBuffersSlot:   {Heap: gpu.HeapViews, Count: 1, View: gpu.ViewConstantBuffer},
		TexturesSlot:                {Heap: gpu.HeapViews, Count: textures, View: gpu.ViewTexture},
		SamplersSlot:                {Heap: gpu.HeapSamplers, Count: textures},
		ScaleOffsetSlot:             {Heap: gpu.HeapViews, Count: 1, View: gpu.ViewConstantBuffer},
	}
}
