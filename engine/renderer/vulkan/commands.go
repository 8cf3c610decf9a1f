package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// sets per descriptor pool; pools are chained when one runs out
const setsPerPool = 256

type boundTable struct {
	heap  *DescriptorHeap
	index uint32
}

type CommandContext struct {
	base
	handle    vk.CommandBuffer
	recording bool
	err       error

	pools        []vk.DescriptorPool
	pool         int
	framebuffers []vk.Framebuffer

	views, samplers *DescriptorHeap
	root            *RootSignature
	pso             *PipelineState
	tables          map[uint32]boundTable
	dirty           uint64

	targets   []*Texture
	inPass    bool
	topology  gpu.Topology
	warnedTop bool
}

func (d *Device) CreateCommandContext() (gpu.CommandContext, error) {
	cb, err := d.allocateCommandBuffer()
	if err != nil {
		return nil, err
	}
	c := &CommandContext{base: newBase(d), handle: cb, tables: make(map[uint32]boundTable)}
	if err := beginCommandBuffer(cb, false); err != nil {
		d.freeCommandBuffer(cb)
		return nil, err
	}
	c.recording = true
	d.track(c)
	return c, nil
}

// fail keeps the first recording error; Close reports it.
func (c *CommandContext) fail(err error) {
	if err != nil && c.err == nil {
		c.err = err
		core.LogError("vulkan command recording: %s", err)
	}
}

func (c *CommandContext) Reset() error {
	d := c.device
	if err := check(vk.ResetCommandBuffer(c.handle, 0), "vkResetCommandBuffer"); err != nil {
		return err
	}
	for _, fb := range c.framebuffers {
		vk.DestroyFramebuffer(d.handle, fb, d.backend.allocator)
	}
	c.framebuffers = c.framebuffers[:0]
	for _, p := range c.pools {
		if err := check(vk.ResetDescriptorPool(d.handle, p, 0), "vkResetDescriptorPool"); err != nil {
			return err
		}
	}
	c.pool = 0
	c.views, c.samplers, c.root, c.pso = nil, nil, nil, nil
	c.tables = make(map[uint32]boundTable)
	c.dirty = 0
	c.targets = nil
	c.inPass = false
	c.err = nil
	if err := beginCommandBuffer(c.handle, false); err != nil {
		return err
	}
	c.recording = true
	return nil
}

func (c *CommandContext) Close() error {
	if !c.recording {
		return errors.New("command context is already closed")
	}
	c.endPass()
	c.recording = false
	if err := check(vk.EndCommandBuffer(c.handle), "vkEndCommandBuffer"); err != nil {
		return err
	}
	return c.err
}

func (c *CommandContext) SetDescriptorHeaps(views, samplers gpu.DescriptorHeap) {
	c.views, _ = views.(*DescriptorHeap)
	c.samplers, _ = samplers.(*DescriptorHeap)
}

func (c *CommandContext) SetRootSignature(root gpu.RootSignature) {
	r, ok := root.(*RootSignature)
	if !ok {
		c.fail(errors.Newf("foreign root signature %T", root))
		return
	}
	if c.root != r {
		c.root = r
		c.tables = make(map[uint32]boundTable)
		c.dirty = 0
	}
}

func (c *CommandContext) SetPipelineState(pso gpu.PipelineState) {
	p, ok := pso.(*PipelineState)
	if !ok {
		c.fail(errors.Newf("foreign pipeline state %T", pso))
		return
	}
	c.pso = p
	c.topology = p.topology
	vk.CmdBindPipeline(c.handle, vk.PipelineBindPointGraphics, p.handle)
}

func (c *CommandContext) SetRootTable(slot uint32, heap gpu.DescriptorHeap, index uint32) {
	h, ok := heap.(*DescriptorHeap)
	if !ok {
		c.fail(errors.Newf("foreign descriptor heap %T", heap))
		return
	}
	if h != c.views && h != c.samplers {
		c.fail(errors.Newf("root table %d references a heap that is not bound", slot))
		return
	}
	if index >= h.capacity {
		c.fail(errors.Wrapf(gpu.ErrOutOfRange, "root table %d at %d of %d", slot, index, h.capacity))
		return
	}
	c.tables[slot] = boundTable{heap: h, index: index}
	c.dirty |= 1 << slot
}

func (c *CommandContext) Transition(res gpu.Resource, from, to gpu.ResourceState) {
	if from == to {
		return
	}
	c.endPass()
	switch r := res.(type) {
	case *Texture:
		barrier := imageBarrier(r.handle, imageLayout(from), imageLayout(to), accessMask(from), accessMask(to))
		vk.CmdPipelineBarrier(c.handle, allCommands, allCommands, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	case *Buffer:
		barrier := bufferBarrier(r.handle, r.size, accessMask(from), accessMask(to))
		vk.CmdPipelineBarrier(c.handle, allCommands, allCommands, 0, 0, nil, 1, []vk.BufferMemoryBarrier{barrier}, 0, nil)
	default:
		c.fail(errors.Newf("transition of foreign resource %T", res))
	}
}

func (c *CommandContext) CopyBufferRegion(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset, size uint64) {
	to, ok1 := dst.(*Buffer)
	from, ok2 := src.(*Buffer)
	if !ok1 || !ok2 {
		c.fail(errors.New("copy between foreign buffers"))
		return
	}
	c.endPass()
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(c.handle, from.handle, to.handle, 1, []vk.BufferCopy{region})
}

func textureRegion(t *Texture, offset uint64, rowPitch uint32) vk.BufferImageCopy {
	rowLength := uint32(0)
	if bpp := t.format.BytesPerPixel(); bpp > 0 {
		rowLength = rowPitch / bpp
	}
	return vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(offset),
		BufferRowLength:   rowLength,
		BufferImageHeight: t.height,
		ImageSubresource:  colorLayers,
		ImageExtent:       vk.Extent3D{Width: t.width, Height: t.height, Depth: 1},
	}
}

func (c *CommandContext) CopyBufferToTexture(dst gpu.Texture, src gpu.Buffer, srcOffset uint64, rowPitch uint32) {
	to, ok1 := dst.(*Texture)
	from, ok2 := src.(*Buffer)
	if !ok1 || !ok2 {
		c.fail(errors.New("copy between foreign resources"))
		return
	}
	c.endPass()
	region := textureRegion(to, srcOffset, rowPitch)
	vk.CmdCopyBufferToImage(c.handle, from.handle, to.handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
}

func (c *CommandContext) CopyTextureToBuffer(dst gpu.Buffer, dstOffset uint64, rowPitch uint32, src gpu.Texture) {
	to, ok1 := dst.(*Buffer)
	from, ok2 := src.(*Texture)
	if !ok1 || !ok2 {
		c.fail(errors.New("copy between foreign resources"))
		return
	}
	c.endPass()
	region := textureRegion(from, dstOffset, rowPitch)
	vk.CmdCopyImageToBuffer(c.handle, from.handle, vk.ImageLayoutTransferSrcOptimal, to.handle, 1, []vk.BufferImageCopy{region})
}

func (c *CommandContext) SetRenderTargets(targets ...gpu.Texture) {
	next := make([]*Texture, 0, len(targets))
	for _, t := range targets {
		tex, ok := t.(*Texture)
		if !ok {
			c.fail(errors.Newf("foreign render target %T", t))
			return
		}
		next = append(next, tex)
	}
	if sameTargets(c.targets, next) {
		return
	}
	c.endPass()
	c.targets = next
}

func sameTargets(a, b []*Texture) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ClearRenderTarget clears a texture in the render target state.
func (c *CommandContext) ClearRenderTarget(target gpu.Texture, color [4]float32) {
	t, ok := target.(*Texture)
	if !ok {
		c.fail(errors.Newf("foreign render target %T", target))
		return
	}
	c.endPass()
	rt, dst := imageLayout(gpu.StateRenderTarget), vk.ImageLayoutTransferDstOptimal
	toClear := imageBarrier(t.handle, rt, dst, accessMask(gpu.StateRenderTarget), accessMask(gpu.StateCopyDest))
	vk.CmdPipelineBarrier(c.handle, allCommands, allCommands, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toClear})

	var value vk.ClearColorValue
	*(*[4]float32)(unsafe.Pointer(&value)) = color
	vk.CmdClearColorImage(c.handle, t.handle, dst, &value, 1, []vk.ImageSubresourceRange{colorRange})

	back := imageBarrier(t.handle, dst, rt, accessMask(gpu.StateCopyDest), accessMask(gpu.StateRenderTarget))
	vk.CmdPipelineBarrier(c.handle, allCommands, allCommands, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{back})
}

func (c *CommandContext) SetViewport(vp gpu.Viewport) {
	viewport := vk.Viewport{
		X:        vp.X,
		Y:        vp.Y,
		Width:    vp.Width,
		Height:   vp.Height,
		MinDepth: vp.MinDepth,
		MaxDepth: vp.MaxDepth,
	}
	vk.CmdSetViewport(c.handle, 0, 1, []vk.Viewport{viewport})
}

func (c *CommandContext) SetScissor(r gpu.Rect) {
	left, top := max(r.Left, 0), max(r.Top, 0)
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: left, Y: top},
		Extent: vk.Extent2D{
			Width:  uint32(max(r.Right-left, 0)),
			Height: uint32(max(r.Bottom-top, 0)),
		},
	}
	vk.CmdSetScissor(c.handle, 0, 1, []vk.Rect2D{scissor})
}

// SetTopology records the topology draws expect. Vulkan bakes the topology
// into the pipeline, so a mismatch is only reported.
func (c *CommandContext) SetTopology(t gpu.Topology) {
	if c.pso != nil && c.pso.topology != t && !c.warnedTop {
		core.LogWarn("pipeline %q was built for topology %d, draws use %d", c.pso.name, c.pso.topology, t)
		c.warnedTop = true
	}
	c.topology = t
}

func (c *CommandContext) SetStencilRef(ref uint32) {
	vk.CmdSetStencilReference(c.handle, vk.StencilFaceFlags(vk.StencilFrontAndBack), ref)
}

func (c *CommandContext) SetIndexBuffer(buf gpu.Buffer, offset, size uint64, format gpu.Format) {
	b, ok := buf.(*Buffer)
	if !ok {
		c.fail(errors.Newf("foreign index buffer %T", buf))
		return
	}
	indexType := vk.IndexTypeUint16
	if format == gpu.FormatR32Uint {
		indexType = vk.IndexTypeUint32
	}
	vk.CmdBindIndexBuffer(c.handle, b.handle, vk.DeviceSize(offset), indexType)
}

func (c *CommandContext) Draw(vertexCount, firstVertex uint32) {
	if !c.prepareDraw() {
		return
	}
	vk.CmdDraw(c.handle, vertexCount, 1, firstVertex, 0)
}

func (c *CommandContext) DrawIndexed(indexCount, firstIndex uint32, baseVertex int32) {
	if !c.prepareDraw() {
		return
	}
	vk.CmdDrawIndexed(c.handle, indexCount, 1, firstIndex, baseVertex, 0)
}

func (c *CommandContext) prepareDraw() bool {
	if c.pso == nil || c.root == nil {
		c.fail(errors.New("draw without pipeline state or root signature"))
		return false
	}
	if len(c.targets) == 0 {
		c.fail(errors.New("draw without render targets"))
		return false
	}
	if err := c.flushTables(); err != nil {
		c.fail(err)
		return false
	}
	if err := c.beginPass(); err != nil {
		c.fail(err)
		return false
	}
	return true
}

func (c *CommandContext) beginPass() error {
	if c.inPass {
		return nil
	}
	d := c.device
	formats := make([]gpu.Format, len(c.targets))
	views := make([]vk.ImageView, len(c.targets))
	width, height := c.targets[0].width, c.targets[0].height
	for i, t := range c.targets {
		v, err := t.view(gpu.DefaultMapping)
		if err != nil {
			return err
		}
		formats[i], views[i] = t.format, v
		width, height = min(width, t.width), min(height, t.height)
	}
	rp, err := d.renderPass(formats)
	if err != nil {
		return err
	}
	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	var fb vk.Framebuffer
	if err := check(vk.CreateFramebuffer(d.handle, &info, d.backend.allocator, &fb), "vkCreateFramebuffer"); err != nil {
		return err
	}
	c.framebuffers = append(c.framebuffers, fb)
	begin := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp,
		Framebuffer: fb,
		RenderArea:  vk.Rect2D{Extent: vk.Extent2D{Width: width, Height: height}},
	}
	vk.CmdBeginRenderPass(c.handle, &begin, vk.SubpassContentsInline)
	c.inPass = true
	return nil
}

func (c *CommandContext) endPass() {
	if c.inPass {
		vk.CmdEndRenderPass(c.handle)
		c.inPass = false
	}
}

// flushTables materializes every root table changed since the last draw
// into a descriptor set and binds it.
func (c *CommandContext) flushTables() error {
	for slot, param := range c.root.params {
		bit := uint64(1) << slot
		if c.dirty&bit == 0 {
			continue
		}
		table, bound := c.tables[uint32(slot)]
		if !bound {
			return errors.Newf("draw with root table %d unbound", slot)
		}
		set, err := c.allocateSet(c.root.setLayouts[slot])
		if err != nil {
			return err
		}
		writes := c.device.tableWrites(set, param, table)
		vk.UpdateDescriptorSets(c.device.handle, uint32(len(writes)), writes, 0, nil)
		vk.CmdBindDescriptorSets(c.handle, vk.PipelineBindPointGraphics, c.root.layout, uint32(slot), 1, []vk.DescriptorSet{set}, 0, nil)
		c.dirty &^= bit
	}
	return nil
}

func (c *CommandContext) allocateSet(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	for {
		if c.pool == len(c.pools) {
			pool, err := c.device.createDescriptorPool()
			if err != nil {
				return nil, err
			}
			c.pools = append(c.pools, pool)
		}
		info := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     c.pools[c.pool],
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout},
		}
		sets := make([]vk.DescriptorSet, 1)
		switch res := vk.AllocateDescriptorSets(c.device.handle, &info, &sets[0]); res {
		case vk.Success:
			return sets[0], nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			c.pool++
		default:
			return nil, check(res, "vkAllocateDescriptorSets")
		}
	}
}

func (d *Device) createDescriptorPool() (vk.DescriptorPool, error) {
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: setsPerPool * 16},
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: setsPerPool * 4},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: setsPerPool * 16},
		{Type: vk.DescriptorTypeSampler, DescriptorCount: setsPerPool * 16},
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       setsPerPool,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if err := check(vk.CreateDescriptorPool(d.handle, &info, d.backend.allocator, &pool), "vkCreateDescriptorPool"); err != nil {
		return nil, err
	}
	return pool, nil
}

// tableWrites builds one write per table entry. Entries that were never
// written, or whose resource is gone, point at the fallback objects.
func (d *Device) tableWrites(set vk.DescriptorSet, param gpu.RootParameter, table boundTable) []vk.WriteDescriptorSet {
	h := table.heap
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := descriptorType(param)
	writes := make([]vk.WriteDescriptorSet, param.Count)
	for i := uint32(0); i < param.Count; i++ {
		w := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstArrayElement: i,
			DescriptorCount: 1,
			DescriptorType:  kind,
		}
		index := table.index + i
		written := index < h.capacity && h.written[index]
		switch kind {
		case vk.DescriptorTypeSampler:
			s := vk.Sampler(nil)
			if written {
				s = h.samplers[index]
			}
			if s == nil {
				s, _ = d.sampler(gpu.SamplerDesc{})
			}
			w.PImageInfo = []vk.DescriptorImageInfo{{Sampler: s}}
		case vk.DescriptorTypeSampledImage:
			view := d.fallbackView()
			if written {
				if t, ok := h.views[index].Texture.(*Texture); ok && !t.released {
					if v, err := t.view(h.views[index].Mapping); err == nil {
						view = v
					}
				}
			}
			w.PImageInfo = []vk.DescriptorImageInfo{{
				ImageView:   view,
				ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			}}
		default:
			info := vk.DescriptorBufferInfo{
				Buffer: d.fallback.buffer.handle,
				Range:  vk.DeviceSize(d.fallback.buffer.size),
			}
			if written {
				desc := h.views[index]
				if b, ok := desc.Buffer.(*Buffer); ok && !b.released {
					size := desc.Size
					if size == 0 {
						size = b.size - desc.Offset
					}
					info = vk.DescriptorBufferInfo{
						Buffer: b.handle,
						Offset: vk.DeviceSize(desc.Offset),
						Range:  vk.DeviceSize(size),
					}
				}
			}
			w.PBufferInfo = []vk.DescriptorBufferInfo{info}
		}
		writes[i] = w
	}
	return writes
}

func (d *Device) fallbackView() vk.ImageView {
	v, _ := d.fallback.texture.view(gpu.DefaultMapping)
	return v
}

func (c *CommandContext) Release() {
	if !c.release() {
		return
	}
	d := c.device
	for _, fb := range c.framebuffers {
		vk.DestroyFramebuffer(d.handle, fb, d.backend.allocator)
	}
	for _, p := range c.pools {
		vk.DestroyDescriptorPool(d.handle, p, d.backend.allocator)
	}
	c.framebuffers, c.pools = nil, nil
	d.freeCommandBuffer(c.handle)
	c.handle = nil
}
