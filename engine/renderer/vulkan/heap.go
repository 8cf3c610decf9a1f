package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// DescriptorHeap keeps descriptors on the CPU. Command contexts copy the
// ranges referenced by root tables into descriptor sets at draw time.
type DescriptorHeap struct {
	base
	kind     gpu.HeapKind
	capacity uint32

	mu       sync.Mutex
	views    []gpu.ViewDesc
	samplers []vk.Sampler
	written  []bool
}

func (d *Device) CreateDescriptorHeap(kind gpu.HeapKind, capacity uint32) (gpu.DescriptorHeap, error) {
	if capacity == 0 {
		return nil, errors.New("descriptor heap capacity must be positive")
	}
	h := &DescriptorHeap{
		base:     newBase(d),
		kind:     kind,
		capacity: capacity,
		written:  make([]bool, capacity),
	}
	if kind == gpu.HeapSamplers {
		h.samplers = make([]vk.Sampler, capacity)
	} else {
		h.views = make([]gpu.ViewDesc, capacity)
	}
	d.track(h)
	return h, nil
}

func (h *DescriptorHeap) Kind() gpu.HeapKind { return h.kind }
func (h *DescriptorHeap) Capacity() uint32   { return h.capacity }

func (h *DescriptorHeap) WriteView(index uint32, desc gpu.ViewDesc) error {
	if h.kind != gpu.HeapViews {
		return errors.Newf("writing a view into a %s heap", h.kind)
	}
	if index >= h.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "view %d of %d", index, h.capacity)
	}
	if desc.Kind == gpu.ViewTexture {
		if _, ok := desc.Texture.(*Texture); !ok {
			return errors.Newf("texture view of foreign texture %T", desc.Texture)
		}
	} else if _, ok := desc.Buffer.(*Buffer); !ok {
		return errors.Newf("buffer view of foreign buffer %T", desc.Buffer)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views[index] = desc
	h.written[index] = true
	return nil
}

func (h *DescriptorHeap) WriteSampler(index uint32, desc gpu.SamplerDesc) error {
	if h.kind != gpu.HeapSamplers {
		return errors.Newf("writing a sampler into a %s heap", h.kind)
	}
	if index >= h.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "sampler %d of %d", index, h.capacity)
	}
	s, err := h.device.sampler(desc)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samplers[index] = s
	h.written[index] = true
	return nil
}

func (h *DescriptorHeap) Release() {
	h.release()
}

func (d *Device) CopyDescriptors(dst gpu.DescriptorHeap, dstIndex uint32, src gpu.DescriptorHeap, srcIndex, count uint32) error {
	to, ok := dst.(*DescriptorHeap)
	if !ok {
		return errors.Newf("foreign descriptor heap %T", dst)
	}
	from, ok := src.(*DescriptorHeap)
	if !ok {
		return errors.Newf("foreign descriptor heap %T", src)
	}
	if to.kind != from.kind {
		return errors.Newf("copying %s descriptors into a %s heap", from.kind, to.kind)
	}
	if srcIndex+count > from.capacity || dstIndex+count > to.capacity {
		return errors.Wrapf(gpu.ErrOutOfRange, "copy of %d descriptors", count)
	}
	if to != from {
		from.mu.Lock()
		defer from.mu.Unlock()
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	copy(to.written[dstIndex:dstIndex+count], from.written[srcIndex:srcIndex+count])
	if to.kind == gpu.HeapSamplers {
		copy(to.samplers[dstIndex:dstIndex+count], from.samplers[srcIndex:srcIndex+count])
	} else {
		copy(to.views[dstIndex:dstIndex+count], from.views[srcIndex:srcIndex+count])
	}
	return nil
}

func vkFilter(f gpu.Filter) (vk.Filter, vk.SamplerMipmapMode) {
	switch f {
	case gpu.FilterLinear:
		return vk.FilterLinear, vk.SamplerMipmapModeLinear
	case gpu.FilterMinMagLinearMipPoint:
		return vk.FilterLinear, vk.SamplerMipmapModeNearest
	}
	return vk.FilterNearest, vk.SamplerMipmapModeNearest
}

func vkAddress(a gpu.AddressMode) vk.SamplerAddressMode {
	switch a {
	case gpu.AddressClamp:
		return vk.SamplerAddressModeClampToEdge
	case gpu.AddressMirror:
		return vk.SamplerAddressModeMirroredRepeat
	}
	return vk.SamplerAddressModeRepeat
}

// sampler returns the cached sampler object for desc. Samplers live as long
// as the device.
func (d *Device) sampler(desc gpu.SamplerDesc) (vk.Sampler, error) {
	var out vk.Sampler
	err := d.locks.safeCall(cacheManagement, func() error {
		if s, ok := d.samplers.Get(desc); ok {
			out = s
			return nil
		}
		filter, mip := vkFilter(desc.Filter)
		info := vk.SamplerCreateInfo{
			SType:        vk.StructureTypeSamplerCreateInfo,
			MagFilter:    filter,
			MinFilter:    filter,
			MipmapMode:   mip,
			AddressModeU: vkAddress(desc.AddressU),
			AddressModeV: vkAddress(desc.AddressV),
			AddressModeW: vkAddress(desc.AddressW),
			MaxLod:       desc.MaxLOD,
			BorderColor:  vk.BorderColorFloatTransparentBlack,
		}
		if err := check(vk.CreateSampler(d.handle, &info, d.backend.allocator, &out), "vkCreateSampler"); err != nil {
			return err
		}
		d.samplers.Put(desc, out)
		return nil
	})
	return out, err
}
