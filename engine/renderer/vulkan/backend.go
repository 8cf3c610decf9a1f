// Package vulkan implements the gpu capability interface on top of Vulkan.
//
// Vulkan has no descriptor heaps, so heaps are CPU side descriptor arrays and
// every bound root table is materialized into a descriptor set when a draw
// is recorded. Fences are completion counters backed by a pool of VkFences.
package vulkan

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// SurfaceProvider is the window the swap chain presents to.
type SurfaceProvider interface {
	InstanceProcAddr() unsafe.Pointer
	RequiredInstanceExtensions() []string
	CreateWindowSurface(instance interface{}, allocator unsafe.Pointer) (uintptr, error)
}

type Backend struct {
	surfaces SurfaceProvider
	appName  string
	debug    bool

	allocator     *vk.AllocationCallbacks
	instance      vk.Instance
	surface       vk.Surface
	debugCallback vk.DebugReportCallback
}

func New(surfaces SurfaceProvider, appName string) *Backend {
	return &Backend{surfaces: surfaces, appName: appName}
}

func (b *Backend) Name() string { return "vulkan" }

func (b *Backend) EnableDebugLayer() error {
	if b.instance != nil {
		return errors.New("the debug layer must be enabled before the instance is created")
	}
	b.debug = true
	return nil
}

func (b *Backend) Adapters() []string {
	if err := b.ensureInstance(); err != nil {
		core.LogError("vulkan: %s", err)
		return nil
	}
	physical, err := b.physicalDevices()
	if err != nil {
		core.LogError("vulkan: %s", err)
		return nil
	}
	names := make([]string, 0, len(physical))
	for _, p := range physical {
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(p, &props)
		props.Deref()
		names = append(names, cString(props.DeviceName[:]))
	}
	return names
}

func (b *Backend) CreateDevice(adapter string) (gpu.Device, error) {
	if err := b.ensureInstance(); err != nil {
		return nil, err
	}
	candidate, err := b.selectPhysicalDevice(adapter)
	if err != nil {
		return nil, err
	}
	return newDevice(b, candidate)
}

// Release destroys the surface and the instance. Every device must be
// released first.
func (b *Backend) Release() {
	if b.instance == nil {
		return
	}
	if b.surface != vk.NullSurface {
		vk.DestroySurface(b.instance, b.surface, b.allocator)
		b.surface = vk.NullSurface
	}
	if b.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(b.instance, b.debugCallback, b.allocator)
		b.debugCallback = vk.NullDebugReportCallback
	}
	vk.DestroyInstance(b.instance, b.allocator)
	b.instance = nil
	core.LogDebug("vulkan instance destroyed")
}

func (b *Backend) ensureInstance() error {
	if b.instance != nil {
		return nil
	}
	procAddr := b.surfaces.InstanceProcAddr()
	if procAddr == nil {
		return errors.New("vulkan loader is not available")
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return errors.Wrap(err, "initializing the vulkan loader")
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(b.appName),
		PEngineName:        safeString("rsx"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{"VK_KHR_surface"}, b.surfaces.RequiredInstanceExtensions()...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}
	var layers []string
	if b.debug {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		if err := requireLayer(validationLayer); err != nil {
			return err
		}
		layers = []string{validationLayer}
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	var instance vk.Instance
	if err := check(vk.CreateInstance(&createInfo, b.allocator, &instance), "vkCreateInstance"); err != nil {
		return err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, b.allocator)
		return errors.Wrap(err, "loading instance functions")
	}
	b.instance = instance
	core.LogInfo("vulkan instance created")

	if b.debug {
		debugInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: debugReport,
		}
		if err := check(vk.CreateDebugReportCallback(b.instance, &debugInfo, b.allocator, &b.debugCallback), "vkCreateDebugReportCallback"); err != nil {
			b.Release()
			return err
		}
	}

	surface, err := b.surfaces.CreateWindowSurface(b.instance, nil)
	if err != nil {
		b.Release()
		return errors.Wrap(err, "creating the window surface")
	}
	b.surface = vk.SurfaceFromPointer(surface)
	return nil
}

func requireLayer(name string) error {
	var count uint32
	if err := check(vk.EnumerateInstanceLayerProperties(&count, nil), "vkEnumerateInstanceLayerProperties"); err != nil {
		return err
	}
	available := make([]vk.LayerProperties, count)
	if err := check(vk.EnumerateInstanceLayerProperties(&count, available), "vkEnumerateInstanceLayerProperties"); err != nil {
		return err
	}
	for i := range available {
		available[i].Deref()
		if cString(available[i].LayerName[:]) == name {
			return nil
		}
	}
	return errors.Newf("validation layer %s is not installed", name)
}

func debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, layerPrefix string, message string, userData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("vulkan validation [%s] %d: %s", layerPrefix, messageCode, message)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("vulkan validation [%s] %d: %s", layerPrefix, messageCode, message)
	default:
		core.LogDebug("vulkan validation [%s] %d: %s", layerPrefix, messageCode, message)
	}
	return vk.Bool32(vk.False)
}
