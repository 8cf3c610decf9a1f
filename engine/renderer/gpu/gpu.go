// Package gpu is the capability interface every native graphics backend
// implements. The renderer core never references a concrete driver.
package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrAdapterNotFound = errors.New("graphics adapter not found")
	ErrOutOfRange      = errors.New("descriptor index out of range")
	ErrNotMappable     = errors.New("resource is not CPU mappable")
	ErrInvalidState    = errors.New("invalid resource state transition")
)

// Backend creates devices. Implementations hide how the driver is loaded.
type Backend interface {
	Name() string
	Adapters() []string
	// EnableDebugLayer turns on API validation. Must be called before CreateDevice.
	EnableDebugLayer() error
	// CreateDevice opens the named adapter; an empty name selects the default adapter.
	CreateDevice(adapter string) (Device, error)
}

// Resource is any object owned by a device. Release is idempotent.
type Resource interface {
	ID() uuid.UUID
	Release()
}

type Buffer interface {
	Resource
	Size() uint64
	Memory() MemoryKind
	// Map returns a CPU view of [offset, offset+size).
	Map(offset, size uint64) ([]byte, error)
	// Unmap must receive exactly the range that was written.
	Unmap(offset, size uint64)
}

type Texture interface {
	Resource
	Width() uint32
	Height() uint32
	Format() Format
}

type DescriptorHeap interface {
	Resource
	Kind() HeapKind
	Capacity() uint32
	WriteView(index uint32, desc ViewDesc) error
	WriteSampler(index uint32, desc SamplerDesc) error
}

// Fence is a monotonically increasing completion counter.
type Fence interface {
	Resource
	CompletedValue() uint64
	// Wait blocks until CompletedValue() >= value. There is no timeout.
	Wait(value uint64) error
}

type Queue interface {
	Execute(cmds ...CommandContext) error
	// Signal sets fence to value once all previously executed work completes.
	Signal(fence Fence, value uint64) error
	WaitIdle() error
}

type RootSignature interface {
	Resource
	Parameters() []RootParameter
}

type PipelineState interface {
	Resource
	Name() string
}

// CommandContext records GPU commands. It starts open; Close must be called
// before the context is executed and Reset before recording again.
type CommandContext interface {
	Resource
	Reset() error
	Close() error

	SetDescriptorHeaps(views, samplers DescriptorHeap)
	SetRootSignature(root RootSignature)
	SetPipelineState(pso PipelineState)
	SetRootTable(slot uint32, heap DescriptorHeap, index uint32)

	Transition(res Resource, from, to ResourceState)
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)
	CopyBufferToTexture(dst Texture, src Buffer, srcOffset uint64, rowPitch uint32)
	CopyTextureToBuffer(dst Buffer, dstOffset uint64, rowPitch uint32, src Texture)

	SetRenderTargets(targets ...Texture)
	ClearRenderTarget(target Texture, color [4]float32)
	SetViewport(vp Viewport)
	SetScissor(r Rect)
	SetTopology(t Topology)
	SetStencilRef(ref uint32)
	SetIndexBuffer(buf Buffer, offset, size uint64, format Format)
	Draw(vertexCount, firstVertex uint32)
	DrawIndexed(indexCount, firstIndex uint32, baseVertex int32)
}

type SwapChain interface {
	Resource
	BufferCount() uint32
	// CurrentBackBufferIndex changes only when Present succeeds.
	CurrentBackBufferIndex() uint32
	BackBuffer(i uint32) Texture
	Present(vsync bool) error
	Width() uint32
	Height() uint32
}

type Device interface {
	Adapter() string
	Queue() Queue

	CreateCommandContext() (CommandContext, error)
	CreateFence(initial uint64) (Fence, error)
	CreateDescriptorHeap(kind HeapKind, capacity uint32) (DescriptorHeap, error)
	CreateBuffer(memory MemoryKind, size uint64) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	CreateRootSignature(params []RootParameter) (RootSignature, error)
	CreatePipelineState(desc PipelineDesc) (PipelineState, error)
	CreateSwapChain(width, height, bufferCount uint32) (SwapChain, error)

	// CopyDescriptors copies count descriptors between heaps of the same kind.
	CopyDescriptors(dst DescriptorHeap, dstIndex uint32, src DescriptorHeap, srcIndex, count uint32) error

	Release()
}
