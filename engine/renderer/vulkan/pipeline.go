package vulkan

import (
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const shaderStages = vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit

func descriptorType(p gpu.RootParameter) vk.DescriptorType {
	if p.Heap == gpu.HeapSamplers {
		return vk.DescriptorTypeSampler
	}
	switch p.View {
	case gpu.ViewTexture:
		return vk.DescriptorTypeSampledImage
	case gpu.ViewConstantBuffer:
		return vk.DescriptorTypeUniformBuffer
	}
	return vk.DescriptorTypeStorageBuffer
}

// RootSignature maps root table slot N to descriptor set N with a single
// arrayed binding 0.
type RootSignature struct {
	base
	params     []gpu.RootParameter
	setLayouts []vk.DescriptorSetLayout
	layout     vk.PipelineLayout
}

func (d *Device) CreateRootSignature(params []gpu.RootParameter) (gpu.RootSignature, error) {
	r := &RootSignature{base: newBase(d), params: append([]gpu.RootParameter(nil), params...)}
	for slot, p := range params {
		if p.Count == 0 {
			r.destroy()
			return nil, errors.Newf("root table %d is empty", slot)
		}
		binding := vk.DescriptorSetLayoutBinding{
			Binding:         0,
			DescriptorType:  descriptorType(p),
			DescriptorCount: p.Count,
			StageFlags:      vk.ShaderStageFlags(shaderStages),
		}
		info := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: 1,
			PBindings:    []vk.DescriptorSetLayoutBinding{binding},
		}
		var layout vk.DescriptorSetLayout
		if err := check(vk.CreateDescriptorSetLayout(d.handle, &info, d.backend.allocator, &layout), "vkCreateDescriptorSetLayout"); err != nil {
			r.destroy()
			return nil, err
		}
		r.setLayouts = append(r.setLayouts, layout)
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(r.setLayouts)),
		PSetLayouts:    r.setLayouts,
	}
	if err := check(vk.CreatePipelineLayout(d.handle, &info, d.backend.allocator, &r.layout), "vkCreatePipelineLayout"); err != nil {
		r.destroy()
		return nil, err
	}
	d.track(r)
	return r, nil
}

func (r *RootSignature) Parameters() []gpu.RootParameter {
	return append([]gpu.RootParameter(nil), r.params...)
}

func (r *RootSignature) Release() {
	if r.release() {
		r.destroy()
	}
}

func (r *RootSignature) destroy() {
	d := r.device
	if r.layout != nil {
		vk.DestroyPipelineLayout(d.handle, r.layout, d.backend.allocator)
		r.layout = nil
	}
	for _, l := range r.setLayouts {
		vk.DestroyDescriptorSetLayout(d.handle, l, d.backend.allocator)
	}
	r.setLayouts = nil
}

type PipelineState struct {
	base
	name     string
	root     *RootSignature
	topology gpu.Topology
	handle   vk.Pipeline
}

func vkTopology(t gpu.Topology) vk.PrimitiveTopology {
	switch t {
	case gpu.TopologyPointList:
		return vk.PrimitiveTopologyPointList
	case gpu.TopologyLineList:
		return vk.PrimitiveTopologyLineList
	case gpu.TopologyLineStrip:
		return vk.PrimitiveTopologyLineStrip
	case gpu.TopologyTriangleStrip:
		return vk.PrimitiveTopologyTriangleStrip
	}
	return vk.PrimitiveTopologyTriangleList
}

// spirv converts a SPIR-V binary to the word slice the driver expects.
func spirv(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("%d bytes is not a SPIR-V module", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[4*i:])
	}
	return words, nil
}

func (d *Device) shaderModule(code []byte) (vk.ShaderModule, error) {
	words, err := spirv(code)
	if err != nil {
		return nil, err
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}
	var module vk.ShaderModule
	if err := check(vk.CreateShaderModule(d.handle, &info, d.backend.allocator, &module), "vkCreateShaderModule"); err != nil {
		return nil, err
	}
	return module, nil
}

func (d *Device) CreatePipelineState(desc gpu.PipelineDesc) (gpu.PipelineState, error) {
	root, ok := desc.Root.(*RootSignature)
	if !ok {
		return nil, errors.Newf("pipeline %q: foreign root signature %T", desc.Name, desc.Root)
	}
	if len(desc.TargetFormats) == 0 {
		return nil, errors.Newf("pipeline %q has no render target formats", desc.Name)
	}
	vertex, err := d.shaderModule(desc.VertexCode)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %q vertex shader", desc.Name)
	}
	defer vk.DestroyShaderModule(d.handle, vertex, d.backend.allocator)
	fragment, err := d.shaderModule(desc.FragmentCode)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %q fragment shader", desc.Name)
	}
	defer vk.DestroyShaderModule(d.handle, fragment, d.backend.allocator)

	renderPass, err := d.renderPass(desc.TargetFormats)
	if err != nil {
		return nil, err
	}

	stages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageVertexBit,
			Module: vertex,
			PName:  safeString("main"),
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFragmentBit,
			Module: fragment,
			PName:  safeString("main"),
		},
	}
	// vertex data is pulled from storage buffers, so there is no input state
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vkTopology(desc.Topology),
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType: vk.StructureTypePipelineDepthStencilStateCreateInfo,
	}
	attachments := make([]vk.PipelineColorBlendAttachmentState, len(desc.TargetFormats))
	for i := range attachments {
		attachments[i] = vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
				vk.ColorComponentBBit | vk.ColorComponentABit),
		}
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
	}
	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
		vk.DynamicStateStencilReference,
	}
	dynamic := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamic,
		Layout:              root.layout,
		RenderPass:          renderPass,
		BasePipelineIndex:   -1,
	}
	pipelines := make([]vk.Pipeline, 1)
	if err := check(vk.CreateGraphicsPipelines(d.handle, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{info}, d.backend.allocator, pipelines), "vkCreateGraphicsPipelines"); err != nil {
		return nil, errors.Wrapf(err, "pipeline %q", desc.Name)
	}
	p := &PipelineState{
		base:     newBase(d),
		name:     desc.Name,
		root:     root,
		topology: desc.Topology,
		handle:   pipelines[0],
	}
	d.track(p)
	return p, nil
}

func (p *PipelineState) Name() string { return p.name }

func (p *PipelineState) Release() {
	if p.release() {
		vk.DestroyPipeline(p.device.handle, p.handle, p.device.backend.allocator)
		p.handle = nil
	}
}

// renderPass returns the cached single subpass render pass drawing into
// targets of the given formats. Attachments are loaded and stored, and stay
// in the render target layout.
func (d *Device) renderPass(formats []gpu.Format) (vk.RenderPass, error) {
	var key strings.Builder
	for _, f := range formats {
		key.WriteByte(byte(f))
	}
	var out vk.RenderPass
	err := d.locks.safeCall(cacheManagement, func() error {
		if rp, ok := d.renderPasses.Get(key.String()); ok {
			out = rp
			return nil
		}
		attachments := make([]vk.AttachmentDescription, len(formats))
		refs := make([]vk.AttachmentReference, len(formats))
		for i, f := range formats {
			attachments[i] = vk.AttachmentDescription{
				Format:         vkFormat(f),
				Samples:        vk.SampleCount1Bit,
				LoadOp:         vk.AttachmentLoadOpLoad,
				StoreOp:        vk.AttachmentStoreOpStore,
				StencilLoadOp:  vk.AttachmentLoadOpDontCare,
				StencilStoreOp: vk.AttachmentStoreOpDontCare,
				InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
				FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
			}
			refs[i] = vk.AttachmentReference{
				Attachment: uint32(i),
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			}
		}
		subpass := vk.SubpassDescription{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: uint32(len(refs)),
			PColorAttachments:    refs,
		}
		info := vk.RenderPassCreateInfo{
			SType:           vk.StructureTypeRenderPassCreateInfo,
			AttachmentCount: uint32(len(attachments)),
			PAttachments:    attachments,
			SubpassCount:    1,
			PSubpasses:      []vk.SubpassDescription{subpass},
		}
		if err := check(vk.CreateRenderPass(d.handle, &info, d.backend.allocator, &out), "vkCreateRenderPass"); err != nil {
			return err
		}
		d.renderPasses.Put(key.String(), out)
		return nil
	})
	return out, err
}
