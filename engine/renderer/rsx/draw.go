package rsx

import (
	"encoding/binary"
	stdmath "math"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/math"
	"github.com/spaghettifunk/rsx/engine/renderer/descriptor"
	"github.com/spaghettifunk/rsx/engine/renderer/frame"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// vertexUpload describes the vertex data of one draw once it sits in the
// device vertex buffer.
type vertexUpload struct {
	views []gpu.ViewDesc

	vertexCount uint32

	indexed     bool
	indexOffset uint64
	indexSize   uint64
	indexCount  uint32
	indexFormat gpu.Format
}

// End records one draw call into the current frame slot.
func (r *Render) End(req DrawRequest) error {
	if r.device == nil {
		return core.ErrNoDevice
	}
	drawStart := startWatch()
	defer drawStart.addTo(&r.timings.DrawCallsDuration)

	w := startWatch()
	prog, ok := r.collab.Programs.Load(req.Registers)
	w.addTo(&r.timings.ProgramLoad)
	if !ok || !prog.FragmentValid() {
		core.LogDebug("skipping draw: no valid program")
		return nil
	}

	slot := r.frames.Current()
	cmd := slot.Commands()
	r.bindSlot(slot)

	w = startWatch()
	if err := r.collab.Targets.Prepare(cmd, req.Registers); err != nil {
		return errors.Wrap(err, "preparing render targets")
	}
	w.addTo(&r.timings.PrepareRTT)

	w = startWatch()
	vu, err := r.uploadVertexData(cmd, req)
	if err != nil {
		return err
	}
	w.addTo(&r.timings.VertexIndex)

	texCount := prog.TextureCount()
	if limit := r.textureTableSize(); texCount > limit {
		return errors.Newf("program samples %d textures, the texture table holds %d", texCount, limit)
	}
	tableSize := max(texCount, 1)

	viewSwitches, samplerSwitches := slot.Views().Switches(), slot.Samplers().Switches()
	views, err := slot.Views().Reserve(uint32(len(vu.views)) + constantViews + tableSize)
	if err != nil {
		return errors.Wrap(err, "reserving view descriptors")
	}
	samplers, err := slot.Samplers().Reserve(tableSize)
	if err != nil {
		return errors.Wrap(err, "reserving sampler descriptors")
	}
	if slot.Views().Switches() != viewSwitches || slot.Samplers().Switches() != samplerSwitches {
		r.constantsBound = false
	}

	cmd.SetRootSignature(r.sharedRoot)
	cmd.SetStencilRef(req.Registers.StencilRef())

	vbCount := uint32(len(vu.views))
	for i, v := range vu.views {
		if err := views.WriteView(uint32(i), v); err != nil {
			return err
		}
	}
	cmd.SetRootTable(VertexBuffersSlot, views.Heap(), views.Base())

	w = startWatch()
	if err := r.bindConstants(cmd, req.Registers, prog, views, vbCount); err != nil {
		return err
	}
	w.addTo(&r.timings.Constants)

	cmd.SetPipelineState(prog.Pipeline())

	w = startWatch()
	if err := r.bindTextures(cmd, prog, views, samplers, vbCount+constantViews); err != nil {
		return err
	}
	w.addTo(&r.timings.Texture)

	r.collab.Targets.Bind(cmd)
	clipW, clipH := req.Registers.SurfaceClip()
	cmd.SetViewport(gpu.Viewport{Width: float32(clipW), Height: float32(clipH), MaxDepth: 1})
	cmd.SetScissor(req.Registers.Scissor())
	cmd.SetTopology(req.Clause.Primitive().Topology())

	if vu.indexed {
		cmd.SetIndexBuffer(r.upload.Buffer(), vu.indexOffset, vu.indexSize, vu.indexFormat)
		cmd.DrawIndexed(vu.indexCount, 0, 0)
	} else {
		cmd.Draw(vu.vertexCount, 0)
	}
	r.timings.DrawCalls++

	if r.opts.Video.DebugOutput {
		return r.flushDebug(slot)
	}
	return nil
}

// bindSlot rebinds the descriptor heaps whenever the slot's command context
// was reopened since the last draw.
func (r *Render) bindSlot(slot *frame.Slot) {
	if r.boundSlot == slot.Index() && r.boundGen == slot.Generation() {
		return
	}
	slot.BindHeaps()
	r.boundSlot = slot.Index()
	r.boundGen = slot.Generation()
	r.constantsBound = false
}

// flushDebug submits the draw right away so validation errors point at it.
func (r *Render) flushDebug(slot *frame.Slot) error {
	cmd := slot.Commands()
	if err := cmd.Close(); err != nil {
		return errors.Wrap(err, "closing command context")
	}
	if err := r.queue.Execute(cmd); err != nil {
		return errors.Wrap(err, "submitting draw")
	}
	if err := r.queue.WaitIdle(); err != nil {
		return err
	}
	return slot.Reopen()
}

func (r *Render) uploadVertexData(cmd gpu.CommandContext, req DrawRequest) (vertexUpload, error) {
	var vu vertexUpload
	clause, src := req.Clause, req.Vertices
	attrs := src.Attributes()
	if len(attrs) > MaxVertexBuffers {
		return vu, errors.Newf("%d vertex attributes, at most %d are supported", len(attrs), MaxVertexBuffers)
	}

	data := make([][]byte, len(attrs))
	if clause.Indexed() {
		vu.indexed = true
		vu.indexFormat = clause.IndexFormat()
		var indices []byte
		clause.Begin()
		for {
			first, count := clause.Range()
			indices = append(indices, src.ReadIndices(first, count)...)
			vu.indexCount += count
			if !clause.Next() {
				break
			}
		}
		if vu.indexCount == 0 {
			return vu, errors.New("indexed draw without indices")
		}
		maxIndex := scanMaxIndex(indices, vu.indexFormat)
		vu.vertexCount = maxIndex + 1
		for a := range attrs {
			data[a] = src.ReadVertices(a, 0, vu.vertexCount)
		}
		off, err := r.upload.Write(indices, uint64(vu.indexFormat.BytesPerPixel()))
		if err != nil {
			return vu, errors.Wrap(err, "uploading indices")
		}
		vu.indexOffset = off
		vu.indexSize = uint64(len(indices))
		r.timings.BufferUploadSize += vu.indexSize
	} else {
		clause.Begin()
		for {
			first, count := clause.Range()
			for a := range attrs {
				data[a] = append(data[a], src.ReadVertices(a, first, count)...)
			}
			vu.vertexCount += count
			if !clause.Next() {
				break
			}
		}
	}

	// pack every attribute stream into one staging range
	var staging []byte
	vu.views = make([]gpu.ViewDesc, len(attrs))
	for a, attr := range attrs {
		offset := math.AlignUp(uint64(len(staging)), vertexStreamAlignment)
		staging = append(staging, make([]byte, offset-uint64(len(staging)))...)
		staging = append(staging, data[a]...)
		size := uint64(len(data[a]))
		elements := uint32(0)
		if attr.Stride > 0 {
			elements = uint32(size / uint64(attr.Stride))
		}
		vu.views[a] = gpu.ViewDesc{
			Kind:     gpu.ViewBuffer,
			Buffer:   r.vertexBuffer,
			Offset:   offset,
			Size:     size,
			Format:   attr.Format,
			Elements: elements,
			Mapping:  gpu.DefaultMapping,
		}
	}
	if len(staging) == 0 {
		return vu, nil
	}
	size := uint64(len(staging))
	if size > r.vertexBuffer.Size() {
		return vu, errors.Newf("%d bytes of vertex data exceed the %d byte vertex buffer", size, r.vertexBuffer.Size())
	}
	off, err := r.upload.Write(staging, vertexDataAlignment)
	if err != nil {
		return vu, errors.Wrap(err, "uploading vertex data")
	}
	r.timings.BufferUploadSize += size

	cmd.Transition(r.vertexBuffer, r.vertexState, gpu.StateCopyDest)
	cmd.CopyBufferRegion(r.vertexBuffer, 0, r.upload.Buffer(), off, size)
	cmd.Transition(r.vertexBuffer, gpu.StateCopyDest, gpu.StateVertexAndConstant)
	r.vertexState = gpu.StateVertexAndConstant
	return vu, nil
}

func scanMaxIndex(indices []byte, format gpu.Format) uint32 {
	var highest uint32
	if format == gpu.FormatR16Uint {
		for i := 0; i+1 < len(indices); i += 2 {
			if v := uint32(binary.LittleEndian.Uint16(indices[i:])); v > highest {
				highest = v
			}
		}
		return highest
	}
	for i := 0; i+3 < len(indices); i += 4 {
		if v := binary.LittleEndian.Uint32(indices[i:]); v > highest {
			highest = v
		}
	}
	return highest
}

func (r *Render) writeConstants(data []byte) (gpu.ViewDesc, error) {
	size := math.AlignUp(uint64(len(data)), constantBufferAlignment)
	if size == 0 {
		size = constantBufferAlignment
	}
	off, err := r.upload.Alloc(size, constantBufferAlignment)
	if err != nil {
		return gpu.ViewDesc{}, errors.Wrap(err, "allocating constant buffer")
	}
	dst, err := r.upload.Map(off, size)
	if err != nil {
		return gpu.ViewDesc{}, err
	}
	n := copy(dst, data)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	r.upload.Unmap(off, size)
	r.timings.BufferUploadSize += size
	return gpu.ViewDesc{
		Kind:   gpu.ViewConstantBuffer,
		Buffer: r.upload.Buffer(),
		Offset: off,
		Size:   size,
	}, nil
}

func (r *Render) bindConstants(cmd gpu.CommandContext, regs Registers, prog Program, views descriptor.Table, base uint32) error {
	scale := regs.ScaleOffset()
	raw := make([]byte, len(scale)*4)
	for i, f := range scale {
		binary.LittleEndian.PutUint32(raw[i*4:], stdmath.Float32bits(f))
	}
	desc, err := r.writeConstants(raw)
	if err != nil {
		return errors.Wrap(err, "scale offset")
	}
	if err := views.WriteView(base+scaleOffsetView, desc); err != nil {
		return err
	}
	cmd.SetRootTable(ScaleOffsetSlot, views.Heap(), views.Base()+base+scaleOffsetView)

	if r.transformDirty || !r.constantsBound {
		desc, err := r.writeConstants(regs.TransformConstants())
		if err != nil {
			return errors.Wrap(err, "vertex constants")
		}
		if err := views.WriteView(base+vertexConstantsView, desc); err != nil {
			return err
		}
		cmd.SetRootTable(VertexConstantBuffersSlot, views.Heap(), views.Base()+base+vertexConstantsView)
		r.transformDirty = false
		r.constantsBound = true
	}

	desc, err = r.writeConstants(prog.FragmentConstants())
	if err != nil {
		return errors.Wrap(err, "fragment constants")
	}
	if err := views.WriteView(base+fragmentConstantsView, desc); err != nil {
		return err
	}
	cmd.SetRootTable(FragmentConstantBuffersSlot, views.Heap(), views.Base()+base+fragmentConstantsView)
	return nil
}

func (r *Render) bindTextures(cmd gpu.CommandContext, prog Program, views, samplers descriptor.Table, base uint32) error {
	count := prog.TextureCount()
	texViews, err := views.Sub(base, views.Len()-base)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := texViews.WriteView(0, gpu.ViewDesc{
			Kind:    gpu.ViewTexture,
			Texture: r.dummyTexture,
			Format:  gpu.FormatRGBA8,
			Mapping: gpu.DefaultMapping,
		}); err != nil {
			return err
		}
		if err := samplers.WriteSampler(0, r.defaultSampler); err != nil {
			return err
		}
	} else {
		scratchViews, scratchSamplers, err := r.collab.Textures.Upload(cmd, count)
		if err != nil {
			return errors.Wrap(err, "uploading textures")
		}
		if err := texViews.CopyFrom(r.device, scratchViews, 0); err != nil {
			return errors.Wrap(err, "copying texture views")
		}
		if err := samplers.CopyFrom(r.device, scratchSamplers, 0); err != nil {
			return errors.Wrap(err, "copying samplers")
		}
	}
	cmd.SetRootTable(TexturesSlot, texViews.Heap(), texViews.Base())
	cmd.SetRootTable(SamplersSlot, samplers.Heap(), samplers.Base())
	return nil
}
