package vulkan

import (
	vk "github.com/goki/vulkan"
)

func (d *Device) allocateCommandBuffer() (vk.CommandBuffer, error) {
	buffers := make([]vk.CommandBuffer, 1)
	err := d.locks.safeCall(commandPoolManagement, func() error {
		info := vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        d.commandPool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}
		return check(vk.AllocateCommandBuffers(d.handle, &info, buffers), "vkAllocateCommandBuffers")
	})
	if err != nil {
		return nil, err
	}
	return buffers[0], nil
}

func (d *Device) freeCommandBuffer(cb vk.CommandBuffer) {
	_ = d.locks.safeCall(commandPoolManagement, func() error {
		vk.FreeCommandBuffers(d.handle, d.commandPool, 1, []vk.CommandBuffer{cb})
		return nil
	})
}

func beginCommandBuffer(cb vk.CommandBuffer, singleUse bool) error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if singleUse {
		info.Flags = vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	return check(vk.BeginCommandBuffer(cb, &info), "vkBeginCommandBuffer")
}

// singleUse records a command buffer with record, submits it and waits for
// the queue to drain.
func (d *Device) singleUse(record func(cb vk.CommandBuffer)) error {
	cb, err := d.allocateCommandBuffer()
	if err != nil {
		return err
	}
	defer d.freeCommandBuffer(cb)

	if err := beginCommandBuffer(cb, true); err != nil {
		return err
	}
	record(cb)
	if err := check(vk.EndCommandBuffer(cb), "vkEndCommandBuffer"); err != nil {
		return err
	}
	return d.locks.safeCall(queueManagement, func() error {
		submit := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: 1,
			PCommandBuffers:    []vk.CommandBuffer{cb},
		}
		if err := check(vk.QueueSubmit(d.graphicsQueue, 1, []vk.SubmitInfo{submit}, vk.NullFence), "vkQueueSubmit"); err != nil {
			return err
		}
		return check(vk.QueueWaitIdle(d.graphicsQueue), "vkQueueWaitIdle")
	})
}
