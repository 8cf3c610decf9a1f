package headless

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type op func(x *executor)

// commandList records closures that replay on the queue goroutine.
type commandList struct {
	base
	open     bool
	ops      []op
	inFlight atomic.Int32
}

type boundTable struct {
	heap  *descriptorHeap
	index uint32
}

type executor struct {
	d          *Device
	views      *descriptorHeap
	samplers   *descriptorHeap
	root       *rootSignature
	pso        *pipelineState
	tables     map[uint32]boundTable
	targets    []*texture
	viewport   gpu.Viewport
	scissor    gpu.Rect
	topology   gpu.Topology
	stencilRef uint32

	index       *buffer
	indexOffset uint64
	indexSize   uint64
	indexFormat gpu.Format
}

func (c *commandList) fail(format string, args ...interface{}) {
	c.device.mu.Lock()
	c.device.report(format, args...)
	c.device.mu.Unlock()
}

func (c *commandList) record(o op) {
	if !c.open {
		c.fail("recording into a closed command context")
		return
	}
	c.ops = append(c.ops, o)
}

func (c *commandList) Reset() error {
	if c.inFlight.Load() > 0 {
		c.fail("command context reset while still executing")
		return errors.New("command context is still executing on the GPU")
	}
	c.ops = c.ops[:0]
	c.open = true
	return nil
}

func (c *commandList) Close() error {
	if !c.open {
		return errors.New("command context already closed")
	}
	c.open = false
	return nil
}

// execute replays the recorded commands. Runs on the queue goroutine.
func (c *commandList) execute() {
	d := c.device
	d.mu.Lock()
	x := &executor{d: d, tables: map[uint32]boundTable{}}
	for _, o := range c.ops {
		o(x)
	}
	d.mu.Unlock()
	c.inFlight.Add(-1)
}

func (x *executor) expect(res gpu.Resource, want gpu.ResourceState, what string) {
	got, ok := x.d.states.Get(res.ID())
	if !ok {
		x.d.report("%s: resource %s was released", what, res.ID())
		return
	}
	if got != want {
		x.d.report("%s: resource %s is %s, expected %s", what, res.ID(), got, want)
	}
}

func (c *commandList) SetDescriptorHeaps(views, samplers gpu.DescriptorHeap) {
	vh, _ := views.(*descriptorHeap)
	sh, _ := samplers.(*descriptorHeap)
	if vh != nil && vh.kind != gpu.HeapViews || sh != nil && sh.kind != gpu.HeapSamplers {
		c.fail("descriptor heaps bound to the wrong kind")
	}
	c.record(func(x *executor) {
		x.views = vh
		x.samplers = sh
	})
}

func (c *commandList) SetRootSignature(root gpu.RootSignature) {
	r, ok := root.(*rootSignature)
	if !ok {
		c.fail("foreign root signature %T", root)
		return
	}
	c.record(func(x *executor) {
		// rebinding the same signature keeps the root arguments
		if x.root != r {
			x.tables = map[uint32]boundTable{}
		}
		x.root = r
	})
}

func (c *commandList) SetPipelineState(pso gpu.PipelineState) {
	p, ok := pso.(*pipelineState)
	if !ok {
		c.fail("foreign pipeline state %T", pso)
		return
	}
	c.record(func(x *executor) {
		x.pso = p
	})
}

func (c *commandList) SetRootTable(slot uint32, heap gpu.DescriptorHeap, index uint32) {
	h, ok := heap.(*descriptorHeap)
	if !ok {
		c.fail("foreign descriptor heap %T", heap)
		return
	}
	c.record(func(x *executor) {
		if x.root == nil {
			x.d.report("root table %d set before a root signature", slot)
			return
		}
		if int(slot) >= len(x.root.params) {
			x.d.report("root table %d outside a signature of %d parameters", slot, len(x.root.params))
			return
		}
		p := x.root.params[slot]
		if p.Heap != h.kind {
			x.d.report("root table %d expects a %s heap, got %s", slot, p.Heap, h.kind)
			return
		}
		if (h.kind == gpu.HeapViews && h != x.views) || (h.kind == gpu.HeapSamplers && h != x.samplers) {
			x.d.report("root table %d references a %s heap that is not bound", slot, h.kind)
		}
		if index >= h.capacity {
			x.d.report("root table %d starts at %d, past a heap of %d", slot, index, h.capacity)
		}
		x.tables[slot] = boundTable{heap: h, index: index}
	})
}

func (c *commandList) Transition(res gpu.Resource, from, to gpu.ResourceState) {
	if from == to {
		return
	}
	c.record(func(x *executor) {
		x.expect(res, from, "transition")
		x.d.states.Put(res.ID(), to)
	})
}

func (c *commandList) CopyBufferRegion(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset, size uint64) {
	db, ok1 := dst.(*buffer)
	sb, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		c.fail("foreign buffer in copy")
		return
	}
	if dstOffset+size > db.Size() || srcOffset+size > sb.Size() {
		c.fail("buffer copy of %d bytes out of range", size)
		return
	}
	c.record(func(x *executor) {
		x.expect(db, gpu.StateCopyDest, "copy destination")
		copy(db.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
		x.d.stats.Copies++
	})
}

func (c *commandList) CopyBufferToTexture(dst gpu.Texture, src gpu.Buffer, srcOffset uint64, rowPitch uint32) {
	dt, ok1 := dst.(*texture)
	sb, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		c.fail("foreign resource in texture upload")
		return
	}
	rowBytes := uint64(dt.Width()) * 4
	if uint64(rowPitch) < rowBytes || srcOffset+uint64(rowPitch)*uint64(dt.Height()-1)+rowBytes > sb.Size() {
		c.fail("texture upload with row pitch %d out of range", rowPitch)
		return
	}
	c.record(func(x *executor) {
		x.expect(dt, gpu.StateCopyDest, "texture upload")
		for y := 0; y < int(dt.Height()); y++ {
			s := srcOffset + uint64(y)*uint64(rowPitch)
			copy(dt.img.Pix[y*dt.img.Stride:y*dt.img.Stride+int(rowBytes)], sb.data[s:s+rowBytes])
		}
		x.d.stats.Copies++
	})
}

func (c *commandList) CopyTextureToBuffer(dst gpu.Buffer, dstOffset uint64, rowPitch uint32, src gpu.Texture) {
	db, ok1 := dst.(*buffer)
	st, ok2 := src.(*texture)
	if !ok1 || !ok2 {
		c.fail("foreign resource in texture readback")
		return
	}
	rowBytes := uint64(st.Width()) * 4
	if uint64(rowPitch) < rowBytes || dstOffset+uint64(rowPitch)*uint64(st.Height()-1)+rowBytes > db.Size() {
		c.fail("texture readback with row pitch %d out of range", rowPitch)
		return
	}
	c.record(func(x *executor) {
		x.expect(st, gpu.StateCopySource, "texture readback")
		for y := 0; y < int(st.Height()); y++ {
			d := dstOffset + uint64(y)*uint64(rowPitch)
			copy(db.data[d:d+rowBytes], st.img.Pix[y*st.img.Stride:y*st.img.Stride+int(rowBytes)])
		}
		x.d.stats.Copies++
	})
}

func (c *commandList) SetRenderTargets(targets ...gpu.Texture) {
	ts := make([]*texture, 0, len(targets))
	for _, t := range targets {
		ht, ok := t.(*texture)
		if !ok {
			c.fail("foreign render target %T", t)
			return
		}
		ts = append(ts, ht)
	}
	c.record(func(x *executor) {
		for _, t := range ts {
			x.expect(t, gpu.StateRenderTarget, "render target")
		}
		x.targets = ts
	})
}

func (c *commandList) ClearRenderTarget(target gpu.Texture, color [4]float32) {
	t, ok := target.(*texture)
	if !ok {
		c.fail("foreign render target %T", target)
		return
	}
	c.record(func(x *executor) {
		x.expect(t, gpu.StateRenderTarget, "clear")
		px := [4]uint8{}
		for i, v := range color {
			px[i] = uint8(clamp01(v)*255 + 0.5)
		}
		for i := 0; i < len(t.img.Pix); i += 4 {
			copy(t.img.Pix[i:i+4], px[:])
		}
		x.d.stats.Clears++
	})
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c *commandList) SetViewport(vp gpu.Viewport) {
	c.record(func(x *executor) { x.viewport = vp })
}

func (c *commandList) SetScissor(r gpu.Rect) {
	c.record(func(x *executor) { x.scissor = r })
}

func (c *commandList) SetTopology(t gpu.Topology) {
	c.record(func(x *executor) { x.topology = t })
}

func (c *commandList) SetStencilRef(ref uint32) {
	c.record(func(x *executor) { x.stencilRef = ref })
}

func (c *commandList) SetIndexBuffer(buf gpu.Buffer, offset, size uint64, format gpu.Format) {
	b, ok := buf.(*buffer)
	if !ok {
		c.fail("foreign index buffer %T", buf)
		return
	}
	if format != gpu.FormatR16Uint && format != gpu.FormatR32Uint {
		c.fail("index buffer format %d", format)
	}
	c.record(func(x *executor) {
		x.index = b
		x.indexOffset = offset
		x.indexSize = size
		x.indexFormat = format
	})
}

func (c *commandList) Draw(vertexCount, firstVertex uint32) {
	c.record(func(x *executor) {
		if !x.validateDraw() {
			return
		}
		if x.pso.desc.FullscreenBlit {
			x.blit()
		}
		x.d.stats.Draws++
		x.d.stats.Vertices += uint64(vertexCount)
	})
}

func (c *commandList) DrawIndexed(indexCount, firstIndex uint32, baseVertex int32) {
	c.record(func(x *executor) {
		if !x.validateDraw() {
			return
		}
		if x.index == nil {
			x.d.report("indexed draw without an index buffer")
			return
		}
		stride := uint64(x.indexFormat.BytesPerPixel())
		if uint64(firstIndex+indexCount)*stride > x.indexSize || x.indexOffset+x.indexSize > x.index.Size() {
			x.d.report("indexed draw of %d indices overruns the index buffer", indexCount)
		}
		x.d.stats.Draws++
		x.d.stats.Vertices += uint64(indexCount)
	})
}

func (x *executor) validateDraw() bool {
	ok := true
	if x.pso == nil || x.root == nil {
		x.d.report("draw without pipeline state or root signature")
		return false
	}
	if x.pso.desc.Root != gpu.RootSignature(x.root) {
		x.d.report("pipeline %q was built for another root signature", x.pso.desc.Name)
		ok = false
	}
	for slot := range x.root.params {
		t, bound := x.tables[uint32(slot)]
		if !bound {
			x.d.report("draw with root table %d unbound", slot)
			ok = false
			continue
		}
		if t.heap != x.views && t.heap != x.samplers {
			x.d.report("root table %d references a heap that is no longer bound", slot)
			ok = false
		}
	}
	if len(x.targets) == 0 {
		x.d.report("draw without render targets")
		ok = false
	}
	return ok
}
