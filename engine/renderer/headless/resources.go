package headless

import (
	"image"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type base struct {
	id       uuid.UUID
	device   *Device
	released bool
}

func newBase(d *Device) base {
	return base{id: uuid.New(), device: d}
}

func (b *base) ID() uuid.UUID { return b.id }

func (b *base) Release() {
	if b.released {
		return
	}
	b.released = true
	b.device.untrack(b.id)
}

type buffer struct {
	base
	memory gpu.MemoryKind
	data   []byte
}

func (b *buffer) Size() uint64           { return uint64(len(b.data)) }
func (b *buffer) Memory() gpu.MemoryKind { return b.memory }

func (b *buffer) Map(offset, size uint64) ([]byte, error) {
	if b.memory == gpu.MemoryDefault {
		return nil, gpu.ErrNotMappable
	}
	if offset+size > uint64(len(b.data)) {
		return nil, errors.Wrapf(gpu.ErrOutOfRange, "map [%d, %d) of %d bytes", offset, offset+size, len(b.data))
	}
	return b.data[offset : offset+size : offset+size], nil
}

func (b *buffer) Unmap(offset, size uint64) {}

type texture struct {
	base
	format gpu.Format
	img    *image.RGBA
}

func (t *texture) Width() uint32      { return uint32(t.img.Rect.Dx()) }
func (t *texture) Height() uint32     { return uint32(t.img.Rect.Dy()) }
func (t *texture) Format() gpu.Format { return t.format }

// Image exposes the texel storage. Only read it once the work writing it completed.
func (t *texture) Image() *image.RGBA { return t.img }

// TextureImage returns the CPU storage of a texture created by this backend.
func TextureImage(t gpu.Texture) (*image.RGBA, bool) {
	ht, ok := t.(*texture)
	if !ok {
		return nil, false
	}
	return ht.img, true
}

type descriptorHeap struct {
	base
	kind     gpu.HeapKind
	capacity uint32
	views    []*gpu.ViewDesc
	samplers []*gpu.SamplerDesc
}

func (h *descriptorHeap) Kind() gpu.HeapKind { return h.kind }
func (h *descriptorHeap) Capacity() uint32   { return h.capacity }

func (h *descriptorHeap) WriteView(index uint32, desc gpu.ViewDesc) error {
	if h.kind != gpu.HeapViews {
		return errors.New("writing a view into a sampler heap")
	}
	if index >= h.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "view %d of %d", index, h.capacity)
	}
	h.device.mu.Lock()
	h.views[index] = &desc
	h.device.mu.Unlock()
	return nil
}

func (h *descriptorHeap) WriteSampler(index uint32, desc gpu.SamplerDesc) error {
	if h.kind != gpu.HeapSamplers {
		return errors.New("writing a sampler into a view heap")
	}
	if index >= h.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "sampler %d of %d", index, h.capacity)
	}
	h.device.mu.Lock()
	h.samplers[index] = &desc
	h.device.mu.Unlock()
	return nil
}

type fence struct {
	base
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.value < value {
		f.cond.Wait()
	}
	return nil
}

func (f *fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.value {
		f.value = value
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

type rootSignature struct {
	base
	params []gpu.RootParameter
}

func (r *rootSignature) Parameters() []gpu.RootParameter { return r.params }

type pipelineState struct {
	base
	desc gpu.PipelineDesc
}

func (p *pipelineState) Name() string { return p.desc.Name }
