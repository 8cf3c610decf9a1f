package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type Queue struct {
	device *Device
	// the swap chain whose image acquisition the next submission waits on
	swapChain *SwapChain
}

func (q *Queue) Execute(cmds ...gpu.CommandContext) error {
	buffers := make([]vk.CommandBuffer, 0, len(cmds))
	for _, c := range cmds {
		cc, ok := c.(*CommandContext)
		if !ok {
			return errors.Newf("foreign command context %T", c)
		}
		if cc.recording {
			return errors.New("executing a command context that was not closed")
		}
		buffers = append(buffers, cc.handle)
	}
	if len(buffers) == 0 {
		return nil
	}
	return q.device.locks.safeCall(queueManagement, func() error {
		submit := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: uint32(len(buffers)),
			PCommandBuffers:    buffers,
		}
		q.waitForImage(&submit)
		return check(vk.QueueSubmit(q.device.graphicsQueue, 1, []vk.SubmitInfo{submit}, vk.NullFence), "vkQueueSubmit")
	})
}

// waitForImage makes submit wait for the pending swap chain acquisition.
// The caller holds the queue lock.
func (q *Queue) waitForImage(submit *vk.SubmitInfo) {
	if q.swapChain == nil || q.swapChain.acquired == vk.NullSemaphore {
		return
	}
	submit.WaitSemaphoreCount = 1
	submit.PWaitSemaphores = []vk.Semaphore{q.swapChain.acquired}
	submit.PWaitDstStageMask = []vk.PipelineStageFlags{allCommands}
	q.swapChain.acquired = vk.NullSemaphore
}

func (q *Queue) Signal(fence gpu.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return errors.Newf("foreign fence %T", fence)
	}
	return q.device.locks.safeCall(queueManagement, func() error {
		return f.signal(q.device.graphicsQueue, value)
	})
}

func (q *Queue) WaitIdle() error {
	return q.device.locks.safeCall(queueManagement, func() error {
		return check(vk.QueueWaitIdle(q.device.graphicsQueue), "vkQueueWaitIdle")
	})
}
