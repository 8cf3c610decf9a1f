package rsx

import (
	"encoding/binary"
	stdmath "math"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// Output scaling root signature: the source texture, its sampler and the
// quad vertices. Views are stored per back buffer as (texture, vertices).
const (
	scalingTextureSlot uint32 = iota
	scalingSamplerSlot
	scalingVertexSlot
)

// quad corners as (x, y, u, v), drawn as a triangle strip
var scalingQuad = [4][4]float32{
	{-1, -1, 0, 1},
	{-1, 1, 0, 0},
	{1, -1, 1, 1},
	{1, 1, 1, 0},
}

// scalingPass stretches the final image onto a back buffer. Descriptors are
// indexed by back buffer so a pass recorded for one buffer never overwrites
// the descriptors of the other.
type scalingPass struct {
	root     gpu.RootSignature
	pipeline gpu.PipelineState
	views    gpu.DescriptorHeap
	samplers gpu.DescriptorHeap
	vertices gpu.Buffer
	sampler  gpu.SamplerDesc
}

func newScalingPass(device gpu.Device, chain gpu.SwapChain, shaders BlitShaders) (*scalingPass, error) {
	p := &scalingPass{
		sampler: gpu.SamplerDesc{
			Filter:   gpu.FilterMinMagLinearMipPoint,
			AddressU: gpu.AddressWrap,
			AddressV: gpu.AddressWrap,
			AddressW: gpu.AddressWrap,
		},
	}
	var err error
	if p.root, err = device.CreateRootSignature([]gpu.RootParameter{
		scalingTextureSlot: {Heap: gpu.HeapViews, Count: 1, View: gpu.ViewTexture},
		scalingSamplerSlot: {Heap: gpu.HeapSamplers, Count: 1},
		scalingVertexSlot:  {Heap: gpu.HeapViews, Count: 1, View: gpu.ViewBuffer},
	}); err != nil {
		return nil, err
	}
	if p.pipeline, err = device.CreatePipelineState(gpu.PipelineDesc{
		Name:           "output-scaling",
		Root:           p.root,
		VertexCode:     shaders.Vertex,
		FragmentCode:   shaders.Fragment,
		Topology:       gpu.TopologyTriangleStrip,
		TargetFormats:  []gpu.Format{gpu.FormatBGRA8},
		FullscreenBlit: true,
	}); err != nil {
		p.release()
		return nil, err
	}
	buffers := chain.BufferCount()
	if p.views, err = device.CreateDescriptorHeap(gpu.HeapViews, 2*buffers); err != nil {
		p.release()
		return nil, err
	}
	if p.samplers, err = device.CreateDescriptorHeap(gpu.HeapSamplers, buffers); err != nil {
		p.release()
		return nil, err
	}

	raw := make([]byte, 0, len(scalingQuad)*16)
	for _, v := range scalingQuad {
		for _, f := range v {
			raw = binary.LittleEndian.AppendUint32(raw, stdmath.Float32bits(f))
		}
	}
	if p.vertices, err = device.CreateBuffer(gpu.MemoryUpload, uint64(len(raw))); err != nil {
		p.release()
		return nil, err
	}
	dst, err := p.vertices.Map(0, uint64(len(raw)))
	if err != nil {
		p.release()
		return nil, errors.Wrap(err, "mapping scaling quad")
	}
	copy(dst, raw)
	p.vertices.Unmap(0, uint64(len(raw)))

	for i := uint32(0); i < buffers; i++ {
		if err := p.samplers.WriteSampler(i, p.sampler); err != nil {
			p.release()
			return nil, err
		}
		if err := p.views.WriteView(2*i+1, gpu.ViewDesc{
			Kind:     gpu.ViewBuffer,
			Buffer:   p.vertices,
			Size:     uint64(len(raw)),
			Format:   gpu.FormatRGBA32Float,
			Elements: uint32(len(scalingQuad)),
		}); err != nil {
			p.release()
			return nil, err
		}
	}
	return p, nil
}

// record draws src into target. A nil src only sets up the pass, leaving the
// back buffer untouched.
func (p *scalingPass) record(cmd gpu.CommandContext, backBuffer uint32, target, src gpu.Texture, mapping gpu.ComponentMapping, vp gpu.Viewport, scissor gpu.Rect) error {
	if src != nil {
		if err := p.views.WriteView(2*backBuffer, gpu.ViewDesc{
			Kind:    gpu.ViewTexture,
			Texture: src,
			Format:  src.Format(),
			Mapping: mapping,
		}); err != nil {
			return errors.Wrap(err, "writing scaling source view")
		}
	}
	cmd.SetDescriptorHeaps(p.views, p.samplers)
	cmd.SetRootSignature(p.root)
	cmd.SetPipelineState(p.pipeline)
	cmd.SetRootTable(scalingTextureSlot, p.views, 2*backBuffer)
	cmd.SetRootTable(scalingSamplerSlot, p.samplers, backBuffer)
	cmd.SetRootTable(scalingVertexSlot, p.views, 2*backBuffer+1)
	cmd.SetRenderTargets(target)
	cmd.SetViewport(vp)
	cmd.SetScissor(scissor)
	cmd.SetTopology(gpu.TopologyTriangleStrip)
	if src != nil {
		cmd.Draw(uint32(len(scalingQuad)), 0)
	}
	return nil
}

func (p *scalingPass) release() {
	for _, r := range []gpu.Resource{p.vertices, p.samplers, p.views, p.pipeline, p.root} {
		if r != nil {
			r.Release()
		}
	}
}
