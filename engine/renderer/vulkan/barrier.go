package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

var colorRange = vk.ImageSubresourceRange{
	AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	LevelCount: 1,
	LayerCount: 1,
}

var colorLayers = vk.ImageSubresourceLayers{
	AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	LayerCount: 1,
}

func imageLayout(s gpu.ResourceState) vk.ImageLayout {
	switch s {
	case gpu.StatePresent:
		return vk.ImageLayoutPresentSrc
	case gpu.StateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case gpu.StateGenericRead, gpu.StateVertexAndConstant:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpu.StateCopyDest:
		return vk.ImageLayoutTransferDstOptimal
	case gpu.StateCopySource:
		return vk.ImageLayoutTransferSrcOptimal
	}
	return vk.ImageLayoutGeneral
}

func accessMask(s gpu.ResourceState) vk.AccessFlags {
	var bits vk.AccessFlagBits
	switch s {
	case gpu.StatePresent:
		bits = vk.AccessMemoryReadBit
	case gpu.StateRenderTarget:
		bits = vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit
	case gpu.StateGenericRead:
		bits = vk.AccessShaderReadBit | vk.AccessUniformReadBit | vk.AccessIndexReadBit | vk.AccessTransferReadBit
	case gpu.StateVertexAndConstant:
		bits = vk.AccessShaderReadBit | vk.AccessUniformReadBit | vk.AccessIndexReadBit | vk.AccessVertexAttributeReadBit
	case gpu.StateCopyDest:
		bits = vk.AccessTransferWriteBit
	case gpu.StateCopySource:
		bits = vk.AccessTransferReadBit
	default:
		bits = vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit
	}
	return vk.AccessFlags(bits)
}

func imageBarrier(image vk.Image, from, to vk.ImageLayout, src, dst vk.AccessFlags) vk.ImageMemoryBarrier {
	return vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       src,
		DstAccessMask:       dst,
		OldLayout:           from,
		NewLayout:           to,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange:    colorRange,
	}
}

func bufferBarrier(buf vk.Buffer, size uint64, src, dst vk.AccessFlags) vk.BufferMemoryBarrier {
	return vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       src,
		DstAccessMask:       dst,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              buf,
		Size:                vk.DeviceSize(size),
	}
}

var allCommands = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
