package vulkan

import (
	"math"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func querySwapchainSupport(physical vk.PhysicalDevice, surface vk.Surface) (*swapchainSupport, error) {
	s := &swapchainSupport{}
	if err := check(vk.GetPhysicalDeviceSurfaceCapabilities(physical, surface, &s.capabilities), "vkGetPhysicalDeviceSurfaceCapabilities"); err != nil {
		return nil, err
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(physical, surface, &count, nil), "vkGetPhysicalDeviceSurfaceFormats"); err != nil {
		return nil, err
	}
	s.formats = make([]vk.SurfaceFormat, count)
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(physical, surface, &count, s.formats), "vkGetPhysicalDeviceSurfaceFormats"); err != nil {
		return nil, err
	}
	for i := range s.formats {
		s.formats[i].Deref()
	}

	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(physical, surface, &count, nil), "vkGetPhysicalDeviceSurfacePresentModes"); err != nil {
		return nil, err
	}
	s.presentModes = make([]vk.PresentMode, count)
	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(physical, surface, &count, s.presentModes), "vkGetPhysicalDeviceSurfacePresentModes"); err != nil {
		return nil, err
	}
	return s, nil
}

// SwapChain presents BGRA8 back buffers. The next image is acquired as soon
// as the previous one is presented, and the first submission after that
// waits for the acquisition.
type SwapChain struct {
	base
	handle     vk.Swapchain
	format     vk.SurfaceFormat
	extent     vk.Extent2D
	requested  vk.Extent2D
	minImages  uint32
	vsync      bool
	images     []*Texture
	current    uint32
	acquireSem []vk.Semaphore
	presentSem []vk.Semaphore
	next       int
	// acquisition semaphore the next submission waits on, if any
	acquired vk.Semaphore
}

func (d *Device) CreateSwapChain(width, height, bufferCount uint32) (gpu.SwapChain, error) {
	sc := &SwapChain{
		base:      newBase(d),
		requested: vk.Extent2D{Width: width, Height: height},
		minImages: bufferCount,
		vsync:     true,
	}
	if err := sc.create(); err != nil {
		sc.destroy()
		return nil, err
	}
	d.queue.swapChain = sc
	d.track(sc)
	core.LogInfo("swap chain created: %dx%d, %d images", sc.extent.Width, sc.extent.Height, len(sc.images))
	return sc, nil
}

func (sc *SwapChain) create() error {
	d := sc.device
	support, err := querySwapchainSupport(d.physical.handle, d.backend.surface)
	if err != nil {
		return err
	}
	if len(support.formats) == 0 {
		return errors.New("the surface reports no formats")
	}
	sc.format = support.formats[0]
	found := false
	for _, f := range support.formats {
		if f.Format == vk.FormatB8g8r8a8Unorm {
			sc.format = f
			found = true
			break
		}
	}
	if !found {
		return errors.Newf("the surface does not support BGRA8, only format %d", sc.format.Format)
	}

	presentMode := vk.PresentModeFifo
	if !sc.vsync {
		for _, m := range support.presentModes {
			if m == vk.PresentModeMailbox || m == vk.PresentModeImmediate {
				presentMode = m
				if m == vk.PresentModeMailbox {
					break
				}
			}
		}
	}

	caps := support.capabilities
	extent := sc.requested
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent.Width = min(max(extent.Width, caps.MinImageExtent.Width), caps.MaxImageExtent.Width)
	extent.Height = min(max(extent.Height, caps.MinImageExtent.Height), caps.MaxImageExtent.Height)
	if extent.Width == 0 || extent.Height == 0 {
		return errors.New("the window has no drawable area")
	}

	imageCount := max(sc.minImages, caps.MinImageCount)
	if caps.MaxImageCount > 0 {
		imageCount = min(imageCount, caps.MaxImageCount)
	}

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.backend.surface,
		MinImageCount:    imageCount,
		ImageFormat:      sc.format.Format,
		ImageColorSpace:  sc.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit | vk.ImageUsageTransferSrcBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		OldSwapchain:     sc.handle,
	}
	if d.physical.graphicsFamily != d.physical.presentFamily {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{d.physical.graphicsFamily, d.physical.presentFamily}
	}
	var handle vk.Swapchain
	if err := check(vk.CreateSwapchain(d.handle, &info, d.backend.allocator, &handle), "vkCreateSwapchain"); err != nil {
		return err
	}
	sc.releaseImages()
	if sc.handle != nil {
		vk.DestroySwapchain(d.handle, sc.handle, d.backend.allocator)
	}
	sc.handle, sc.extent = handle, extent

	var count uint32
	if err := check(vk.GetSwapchainImages(d.handle, sc.handle, &count, nil), "vkGetSwapchainImages"); err != nil {
		return err
	}
	images := make([]vk.Image, count)
	if err := check(vk.GetSwapchainImages(d.handle, sc.handle, &count, images), "vkGetSwapchainImages"); err != nil {
		return err
	}
	sc.images = make([]*Texture, count)
	for i, img := range images {
		sc.images[i] = d.wrapImage(img, extent.Width, extent.Height, gpu.FormatBGRA8)
		if err := d.initialLayout(img, gpu.StatePresent); err != nil {
			return err
		}
	}

	if len(sc.acquireSem) != int(count)+1 {
		sc.destroySemaphores()
		create := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
		for i := 0; i <= int(count); i++ {
			var acquire, present vk.Semaphore
			if err := check(vk.CreateSemaphore(d.handle, &create, d.backend.allocator, &acquire), "vkCreateSemaphore"); err != nil {
				return err
			}
			sc.acquireSem = append(sc.acquireSem, acquire)
			if err := check(vk.CreateSemaphore(d.handle, &create, d.backend.allocator, &present), "vkCreateSemaphore"); err != nil {
				return err
			}
			sc.presentSem = append(sc.presentSem, present)
		}
	}
	return sc.acquire()
}

// acquire fetches the next image. The caller holds no device lock.
func (sc *SwapChain) acquire() error {
	d := sc.device
	sem := sc.acquireSem[sc.next]
	sc.next = (sc.next + 1) % len(sc.acquireSem)
	var index uint32
	res := vk.AcquireNextImage(d.handle, sc.handle, math.MaxUint64, sem, vk.NullFence, &index)
	if err := check(res, "vkAcquireNextImage"); err != nil {
		return err
	}
	return d.locks.safeCall(queueManagement, func() error {
		sc.current = index
		sc.acquired = sem
		return nil
	})
}

func (sc *SwapChain) BufferCount() uint32            { return uint32(len(sc.images)) }
func (sc *SwapChain) CurrentBackBufferIndex() uint32 { return sc.current }
func (sc *SwapChain) Width() uint32                  { return sc.extent.Width }
func (sc *SwapChain) Height() uint32                 { return sc.extent.Height }

func (sc *SwapChain) BackBuffer(i uint32) gpu.Texture {
	if int(i) >= len(sc.images) {
		return nil
	}
	return sc.images[i]
}

// Present queues the current image once all submitted work completes.
// Changing vsync or an out of date surface recreates the chain.
func (sc *SwapChain) Present(vsync bool) error {
	d := sc.device
	var res vk.Result
	err := d.locks.safeCall(queueManagement, func() error {
		done := sc.presentSem[sc.current]
		// an empty batch orders the semaphore after every earlier submission
		submit := vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			SignalSemaphoreCount: 1,
			PSignalSemaphores:    []vk.Semaphore{done},
		}
		d.queue.waitForImage(&submit)
		if err := check(vk.QueueSubmit(d.graphicsQueue, 1, []vk.SubmitInfo{submit}, vk.NullFence), "vkQueueSubmit"); err != nil {
			return err
		}
		present := vk.PresentInfo{
			SType:              vk.StructureTypePresentInfo,
			WaitSemaphoreCount: 1,
			PWaitSemaphores:    []vk.Semaphore{done},
			SwapchainCount:     1,
			PSwapchains:        []vk.Swapchain{sc.handle},
			PImageIndices:      []uint32{sc.current},
		}
		res = vk.QueuePresent(d.presentQueue, &present)
		return nil
	})
	if err != nil {
		return err
	}
	if res == vk.ErrorOutOfDate || res == vk.Suboptimal || vsync != sc.vsync {
		sc.vsync = vsync
		return sc.recreate()
	}
	if err := check(res, "vkQueuePresent"); err != nil {
		return err
	}
	return sc.acquire()
}

func (sc *SwapChain) recreate() error {
	d := sc.device
	vk.DeviceWaitIdle(d.handle)
	_ = d.locks.safeCall(queueManagement, func() error {
		sc.acquired = vk.NullSemaphore
		return nil
	})
	core.LogDebug("recreating swap chain (vsync %t)", sc.vsync)
	return sc.create()
}

func (sc *SwapChain) releaseImages() {
	for _, img := range sc.images {
		img.destroy()
	}
	sc.images = nil
}

func (sc *SwapChain) destroySemaphores() {
	d := sc.device
	for _, s := range append(sc.acquireSem, sc.presentSem...) {
		vk.DestroySemaphore(d.handle, s, d.backend.allocator)
	}
	sc.acquireSem, sc.presentSem = nil, nil
	sc.next = 0
}

func (sc *SwapChain) Release() {
	if sc.release() {
		sc.destroy()
	}
}

func (sc *SwapChain) destroy() {
	d := sc.device
	vk.DeviceWaitIdle(d.handle)
	if d.queue.swapChain == sc {
		d.queue.swapChain = nil
	}
	sc.releaseImages()
	sc.destroySemaphores()
	if sc.handle != nil {
		vk.DestroySwapchain(d.handle, sc.handle, d.backend.allocator)
		sc.handle = nil
	}
}
