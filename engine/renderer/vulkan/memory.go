package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const bufferUsage = vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
	vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit |
	vk.BufferUsageIndexBufferBit | vk.BufferUsageVertexBufferBit

type Buffer struct {
	base
	kind   gpu.MemoryKind
	size   uint64
	handle vk.Buffer
	memory vk.DeviceMemory
	// persistently mapped for upload and readback memory
	mapped unsafe.Pointer
}

func (d *Device) CreateBuffer(kind gpu.MemoryKind, size uint64) (gpu.Buffer, error) {
	if size == 0 {
		return nil, errors.New("buffer size must be positive")
	}
	b := &Buffer{base: newBase(d), kind: kind, size: size}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(bufferUsage),
		SharingMode: vk.SharingModeExclusive,
	}
	if err := check(vk.CreateBuffer(d.handle, &info, d.backend.allocator, &b.handle), "vkCreateBuffer"); err != nil {
		return nil, err
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, b.handle, &reqs)
	reqs.Deref()

	var err error
	switch kind {
	case gpu.MemoryUpload:
		b.memory, err = d.allocate(reqs, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	case gpu.MemoryReadback:
		b.memory, err = d.allocate(reqs,
			vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit|vk.MemoryPropertyHostCachedBit,
			vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	default:
		b.memory, err = d.allocate(reqs, vk.MemoryPropertyDeviceLocalBit, 0)
	}
	if err != nil {
		vk.DestroyBuffer(d.handle, b.handle, d.backend.allocator)
		return nil, errors.Wrapf(err, "allocating %d byte buffer", size)
	}
	if err := check(vk.BindBufferMemory(d.handle, b.handle, b.memory, 0), "vkBindBufferMemory"); err != nil {
		b.destroy()
		return nil, err
	}
	if kind != gpu.MemoryDefault {
		if err := check(vk.MapMemory(d.handle, b.memory, 0, vk.DeviceSize(size), 0, &b.mapped), "vkMapMemory"); err != nil {
			b.destroy()
			return nil, err
		}
	}
	d.track(b)
	return b, nil
}

func (b *Buffer) Size() uint64           { return b.size }
func (b *Buffer) Memory() gpu.MemoryKind { return b.kind }

func (b *Buffer) Map(offset, size uint64) ([]byte, error) {
	if b.mapped == nil {
		return nil, gpu.ErrNotMappable
	}
	if offset+size > b.size {
		return nil, errors.Wrapf(gpu.ErrOutOfRange, "map [%d, %d) of %d bytes", offset, offset+size, b.size)
	}
	return unsafe.Slice((*byte)(unsafe.Add(b.mapped, offset)), size), nil
}

// Unmap is a no-op: mappable memory is host coherent and stays mapped.
func (b *Buffer) Unmap(offset, size uint64) {}

func (b *Buffer) Release() {
	if b.release() {
		b.destroy()
	}
}

func (b *Buffer) destroy() {
	d := b.device
	if b.mapped != nil {
		vk.UnmapMemory(d.handle, b.memory)
		b.mapped = nil
	}
	vk.DestroyBuffer(d.handle, b.handle, d.backend.allocator)
	if b.memory != nil {
		vk.FreeMemory(d.handle, b.memory, d.backend.allocator)
	}
	b.handle, b.memory = nil, nil
}

type Texture struct {
	base
	width, height uint32
	format        gpu.Format
	handle        vk.Image
	// nil for swap chain images, which the swap chain owns
	memory vk.DeviceMemory
	views  map[gpu.ComponentMapping]vk.ImageView
}

func vkFormat(f gpu.Format) vk.Format {
	switch f {
	case gpu.FormatRGBA8:
		return vk.FormatR8g8b8a8Unorm
	case gpu.FormatBGRA8:
		return vk.FormatB8g8r8a8Unorm
	case gpu.FormatR16Uint:
		return vk.FormatR16Uint
	case gpu.FormatR32Uint:
		return vk.FormatR32Uint
	case gpu.FormatRGBA32Float:
		return vk.FormatR32g32b32a32Sfloat
	}
	return vk.FormatUndefined
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	format := vkFormat(desc.Format)
	if format == vk.FormatUndefined || desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Newf("unsupported texture %dx%d of format %d", desc.Width, desc.Height, desc.Format)
	}
	usage := vk.ImageUsageSampledBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit
	if desc.RenderTarget {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        format,
		Extent:        vk.Extent3D{Width: desc.Width, Height: desc.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	t := d.wrapImage(nil, desc.Width, desc.Height, desc.Format)
	if err := check(vk.CreateImage(d.handle, &info, d.backend.allocator, &t.handle), "vkCreateImage"); err != nil {
		return nil, err
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, t.handle, &reqs)
	reqs.Deref()
	memory, err := d.allocate(reqs, vk.MemoryPropertyDeviceLocalBit, 0)
	if err != nil {
		vk.DestroyImage(d.handle, t.handle, d.backend.allocator)
		return nil, errors.Wrapf(err, "allocating %dx%d texture", desc.Width, desc.Height)
	}
	t.memory = memory
	if err := check(vk.BindImageMemory(d.handle, t.handle, t.memory, 0), "vkBindImageMemory"); err != nil {
		t.destroy()
		return nil, err
	}
	if err := d.initialLayout(t.handle, desc.InitialState); err != nil {
		t.destroy()
		return nil, err
	}
	d.track(t)
	return t, nil
}

func (d *Device) wrapImage(handle vk.Image, width, height uint32, format gpu.Format) *Texture {
	return &Texture{
		base:   newBase(d),
		width:  width,
		height: height,
		format: format,
		handle: handle,
		views:  make(map[gpu.ComponentMapping]vk.ImageView),
	}
}

// initialLayout moves a freshly created image to the layout of state.
func (d *Device) initialLayout(image vk.Image, state gpu.ResourceState) error {
	return d.singleUse(func(cb vk.CommandBuffer) {
		barrier := imageBarrier(image, vk.ImageLayoutUndefined, imageLayout(state), 0, accessMask(state))
		vk.CmdPipelineBarrier(cb,
			vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
			vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	})
}

func (t *Texture) Width() uint32      { return t.width }
func (t *Texture) Height() uint32     { return t.height }
func (t *Texture) Format() gpu.Format { return t.format }

func swizzle(channel uint8) vk.ComponentSwizzle {
	switch channel & 3 {
	case 1:
		return vk.ComponentSwizzleG
	case 2:
		return vk.ComponentSwizzleB
	case 3:
		return vk.ComponentSwizzleA
	}
	return vk.ComponentSwizzleR
}

// view returns the image view reading the texture through mapping. Views
// live as long as the texture.
func (t *Texture) view(mapping gpu.ComponentMapping) (vk.ImageView, error) {
	if mapping == (gpu.ComponentMapping{}) {
		mapping = gpu.DefaultMapping
	}
	if v, ok := t.views[mapping]; ok {
		return v, nil
	}
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    t.handle,
		ViewType: vk.ImageViewType2d,
		Format:   vkFormat(t.format),
		Components: vk.ComponentMapping{
			R: swizzle(mapping[0]),
			G: swizzle(mapping[1]),
			B: swizzle(mapping[2]),
			A: swizzle(mapping[3]),
		},
		SubresourceRange: colorRange,
	}
	var v vk.ImageView
	if err := check(vk.CreateImageView(t.device.handle, &info, t.device.backend.allocator, &v), "vkCreateImageView"); err != nil {
		return nil, err
	}
	t.views[mapping] = v
	return v, nil
}

func (t *Texture) Release() {
	if t.release() {
		t.destroy()
	}
}

func (t *Texture) destroy() {
	d := t.device
	for _, v := range t.views {
		vk.DestroyImageView(d.handle, v, d.backend.allocator)
	}
	t.views = nil
	if t.memory != nil {
		vk.DestroyImage(d.handle, t.handle, d.backend.allocator)
		vk.FreeMemory(d.handle, t.memory, d.backend.allocator)
		t.memory = nil
	}
	t.handle = nil
}

// fallbackDescriptors fill descriptor table entries that were never written.
type fallbackDescriptors struct {
	buffer  *Buffer
	texture *Texture
}

func newFallbackDescriptors(d *Device) (*fallbackDescriptors, error) {
	buf, err := d.CreateBuffer(gpu.MemoryDefault, 256)
	if err != nil {
		return nil, err
	}
	tex, err := d.CreateTexture(gpu.TextureDesc{
		Width:        1,
		Height:       1,
		Format:       gpu.FormatRGBA8,
		Memory:       gpu.MemoryDefault,
		InitialState: gpu.StateGenericRead,
	})
	if err != nil {
		buf.Release()
		return nil, err
	}
	return &fallbackDescriptors{buffer: buf.(*Buffer), texture: tex.(*Texture)}, nil
}

func (f *fallbackDescriptors) release() {
	f.buffer.Release()
	f.texture.Release()
}
