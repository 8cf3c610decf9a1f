package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const portabilitySubset = "VK_KHR_portability_subset"

type physicalDevice struct {
	handle         vk.PhysicalDevice
	name           string
	properties     vk.PhysicalDeviceProperties
	memory         vk.PhysicalDeviceMemoryProperties
	graphicsFamily uint32
	presentFamily  uint32
	portability    bool
}

type Device struct {
	backend  *Backend
	physical *physicalDevice
	handle   vk.Device

	graphicsQueue vk.Queue
	presentQueue  vk.Queue
	commandPool   vk.CommandPool
	queue         *Queue
	locks         lockPool

	renderPasses *swiss.Map[string, vk.RenderPass]
	samplers     *swiss.Map[gpu.SamplerDesc, vk.Sampler]
	live         *swiss.Map[uuid.UUID, gpu.Resource]
	fallback     *fallbackDescriptors
}

func (b *Backend) physicalDevices() ([]vk.PhysicalDevice, error) {
	var count uint32
	if err := check(vk.EnumeratePhysicalDevices(b.instance, &count, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return nil, err
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check(vk.EnumeratePhysicalDevices(b.instance, &count, devices), "vkEnumeratePhysicalDevices"); err != nil {
		return nil, err
	}
	return devices[:count], nil
}

// selectPhysicalDevice returns the named adapter, or the first suitable one
// when adapter is empty.
func (b *Backend) selectPhysicalDevice(adapter string) (*physicalDevice, error) {
	devices, err := b.physicalDevices()
	if err != nil {
		return nil, err
	}
	for _, handle := range devices {
		p := &physicalDevice{handle: handle}
		vk.GetPhysicalDeviceProperties(handle, &p.properties)
		p.properties.Deref()
		p.name = cString(p.properties.DeviceName[:])
		if adapter != "" && p.name != adapter {
			continue
		}
		if reason := b.inspect(p); reason != "" {
			core.LogInfo("skipping GPU %q: %s", p.name, reason)
			continue
		}
		vk.GetPhysicalDeviceMemoryProperties(handle, &p.memory)
		p.memory.Deref()
		logPhysicalDevice(p)
		return p, nil
	}
	if adapter != "" {
		return nil, errors.Wrapf(gpu.ErrAdapterNotFound, "adapter %q", adapter)
	}
	return nil, errors.Wrap(gpu.ErrAdapterNotFound, "no GPU can render and present to the window")
}

// inspect fills the queue families of p and returns why it cannot be used,
// or an empty string.
func (b *Backend) inspect(p *physicalDevice) string {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.handle, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.handle, &count, families)

	graphics, present := -1, -1
	for i := range families {
		families[i].Deref()
		isGraphics := vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0
		var supportsPresent vk.Bool32
		if res := vk.GetPhysicalDeviceSurfaceSupport(p.handle, uint32(i), b.surface, &supportsPresent); res != vk.Success {
			return "querying surface support failed: " + resultString(res)
		}
		canPresent := supportsPresent == vk.True
		// A family doing both avoids sharing images across queues.
		if isGraphics && canPresent {
			graphics, present = i, i
			break
		}
		if isGraphics && graphics < 0 {
			graphics = i
		}
		if canPresent && present < 0 {
			present = i
		}
	}
	if graphics < 0 {
		return "no graphics queue"
	}
	if present < 0 {
		return "cannot present to the window surface"
	}
	p.graphicsFamily, p.presentFamily = uint32(graphics), uint32(present)

	var extCount uint32
	if res := vk.EnumerateDeviceExtensionProperties(p.handle, "", &extCount, nil); res != vk.Success {
		return "enumerating extensions failed: " + resultString(res)
	}
	extensions := make([]vk.ExtensionProperties, extCount)
	if res := vk.EnumerateDeviceExtensionProperties(p.handle, "", &extCount, extensions); res != vk.Success {
		return "enumerating extensions failed: " + resultString(res)
	}
	hasSwapchain := false
	for i := range extensions {
		extensions[i].Deref()
		switch cString(extensions[i].ExtensionName[:]) {
		case vk.KhrSwapchainExtensionName:
			hasSwapchain = true
		case portabilitySubset:
			p.portability = true
		}
	}
	if !hasSwapchain {
		return "missing " + vk.KhrSwapchainExtensionName
	}

	support, err := querySwapchainSupport(p.handle, b.surface)
	if err != nil {
		return err.Error()
	}
	if len(support.formats) == 0 || len(support.presentModes) == 0 {
		return "no surface formats or present modes"
	}
	return ""
}

func logPhysicalDevice(p *physicalDevice) {
	kind := "unknown"
	switch p.properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		kind = "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		kind = "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		kind = "virtual"
	case vk.PhysicalDeviceTypeCpu:
		kind = "cpu"
	}
	api := vk.Version(p.properties.ApiVersion)
	core.LogInfo("selected GPU %q (%s), Vulkan %d.%d.%d", p.name, kind, api.Major(), api.Minor(), api.Patch())
	for i := uint32(0); i < p.memory.MemoryHeapCount; i++ {
		heap := p.memory.MemoryHeaps[i]
		heap.Deref()
		mib := heap.Size / (1 << 20)
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			core.LogDebug("local GPU memory: %d MiB", mib)
		} else {
			core.LogDebug("shared system memory: %d MiB", mib)
		}
	}
}

func newDevice(b *Backend, p *physicalDevice) (*Device, error) {
	families := []uint32{p.graphicsFamily}
	if p.presentFamily != p.graphicsFamily {
		families = append(families, p.presentFamily)
	}
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}
	extensions := []string{vk.KhrSwapchainExtensionName}
	if p.portability {
		extensions = append(extensions, portabilitySubset)
	}
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}

	d := &Device{
		backend:      b,
		physical:     p,
		renderPasses: swiss.NewMap[string, vk.RenderPass](8),
		samplers:     swiss.NewMap[gpu.SamplerDesc, vk.Sampler](8),
		live:         swiss.NewMap[uuid.UUID, gpu.Resource](256),
	}
	if err := check(vk.CreateDevice(p.handle, &createInfo, b.allocator, &d.handle), "vkCreateDevice"); err != nil {
		return nil, err
	}
	vk.GetDeviceQueue(d.handle, p.graphicsFamily, 0, &d.graphicsQueue)
	vk.GetDeviceQueue(d.handle, p.presentFamily, 0, &d.presentQueue)

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: p.graphicsFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if err := check(vk.CreateCommandPool(d.handle, &poolInfo, b.allocator, &d.commandPool), "vkCreateCommandPool"); err != nil {
		vk.DestroyDevice(d.handle, b.allocator)
		return nil, err
	}
	d.queue = &Queue{device: d}

	fallback, err := newFallbackDescriptors(d)
	if err != nil {
		d.Release()
		return nil, errors.Wrap(err, "creating fallback descriptors")
	}
	d.fallback = fallback
	core.LogInfo("vulkan device created on %s", p.name)
	return d, nil
}

func (d *Device) Adapter() string  { return d.physical.name }
func (d *Device) Queue() gpu.Queue { return d.queue }

// findMemoryType returns the first memory type allowed by typeBits that has
// all of the wanted property flags.
func (d *Device) findMemoryType(typeBits uint32, wanted vk.MemoryPropertyFlagBits) (uint32, bool) {
	mem := d.physical.memory
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		t := mem.MemoryTypes[i]
		t.Deref()
		if typeBits&(1<<i) != 0 && vk.MemoryPropertyFlagBits(t.PropertyFlags)&wanted == wanted {
			return i, true
		}
	}
	return 0, false
}

func (d *Device) allocate(reqs vk.MemoryRequirements, wanted ...vk.MemoryPropertyFlagBits) (vk.DeviceMemory, error) {
	for _, flags := range wanted {
		index, ok := d.findMemoryType(reqs.MemoryTypeBits, flags)
		if !ok {
			continue
		}
		info := vk.MemoryAllocateInfo{
			SType:           vk.StructureTypeMemoryAllocateInfo,
			AllocationSize:  reqs.Size,
			MemoryTypeIndex: index,
		}
		var memory vk.DeviceMemory
		if err := check(vk.AllocateMemory(d.handle, &info, d.backend.allocator, &memory), "vkAllocateMemory"); err != nil {
			return nil, err
		}
		return memory, nil
	}
	return nil, errors.New("no suitable memory type")
}

func (d *Device) track(r gpu.Resource) {
	_ = d.locks.safeCall(cacheManagement, func() error {
		d.live.Put(r.ID(), r)
		return nil
	})
}

func (d *Device) untrack(id uuid.UUID) {
	_ = d.locks.safeCall(cacheManagement, func() error {
		d.live.Delete(id)
		return nil
	})
}

// Release waits for the GPU and destroys the device. Resources still alive
// are reported as leaks.
func (d *Device) Release() {
	if d.handle == nil {
		return
	}
	vk.DeviceWaitIdle(d.handle)
	if d.fallback != nil {
		d.fallback.release()
		d.fallback = nil
	}
	if n := d.live.Count(); n > 0 {
		core.LogWarn("vulkan device released with %d live resources", n)
	}
	d.renderPasses.Iter(func(_ string, rp vk.RenderPass) bool {
		vk.DestroyRenderPass(d.handle, rp, d.backend.allocator)
		return false
	})
	d.samplers.Iter(func(_ gpu.SamplerDesc, s vk.Sampler) bool {
		vk.DestroySampler(d.handle, s, d.backend.allocator)
		return false
	})
	vk.DestroyCommandPool(d.handle, d.commandPool, d.backend.allocator)
	vk.DestroyDevice(d.handle, d.backend.allocator)
	d.handle = nil
	core.LogInfo("vulkan device released")
}

type base struct {
	id       uuid.UUID
	device   *Device
	released bool
}

func newBase(d *Device) base {
	return base{id: uuid.New(), device: d}
}

func (b *base) ID() uuid.UUID { return b.id }

// release reports whether the caller is the first to release the object.
func (b *base) release() bool {
	if b.released {
		return false
	}
	b.released = true
	b.device.untrack(b.id)
	return true
}
