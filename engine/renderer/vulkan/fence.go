package vulkan

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type pendingSignal struct {
	handle vk.Fence
	value  uint64
}

// Fence emulates a completion counter: every Signal submits a VkFence and
// the counter advances as those fences complete in submission order.
type Fence struct {
	base

	mu        sync.Mutex
	completed uint64
	pending   []pendingSignal
	free      []vk.Fence
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	f := &Fence{base: newBase(d), completed: initial}
	d.track(f)
	return f, nil
}

func (f *Fence) acquire() (vk.Fence, error) {
	d := f.device
	if n := len(f.free); n > 0 {
		h := f.free[n-1]
		f.free = f.free[:n-1]
		if err := check(vk.ResetFences(d.handle, 1, []vk.Fence{h}), "vkResetFences"); err != nil {
			return vk.NullFence, err
		}
		return h, nil
	}
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var h vk.Fence
	if err := check(vk.CreateFence(d.handle, &info, d.backend.allocator, &h), "vkCreateFence"); err != nil {
		return vk.NullFence, err
	}
	return h, nil
}

// signal submits an empty batch on queue that signals value. The caller
// holds the queue lock.
func (f *Fence) signal(queue vk.Queue, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.acquire()
	if err != nil {
		return err
	}
	if err := check(vk.QueueSubmit(queue, 0, nil, h), "vkQueueSubmit"); err != nil {
		f.free = append(f.free, h)
		return err
	}
	f.pending = append(f.pending, pendingSignal{handle: h, value: value})
	return nil
}

// poll retires every completed signal. The caller holds f.mu.
func (f *Fence) poll() error {
	for len(f.pending) > 0 {
		p := f.pending[0]
		res := vk.GetFenceStatus(f.device.handle, p.handle)
		if res == vk.NotReady {
			return nil
		}
		if err := check(res, "vkGetFenceStatus"); err != nil {
			return err
		}
		f.retire()
	}
	return nil
}

func (f *Fence) retire() {
	p := f.pending[0]
	f.pending = f.pending[1:]
	f.free = append(f.free, p.handle)
	if p.value > f.completed {
		f.completed = p.value
	}
}

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.poll()
	return f.completed
}

func (f *Fence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.poll(); err != nil {
		return err
	}
	for f.completed < value {
		if len(f.pending) == 0 {
			return errors.Newf("waiting for fence value %d that was never signaled (completed %d)", value, f.completed)
		}
		h := f.pending[0].handle
		if err := check(vk.WaitForFences(f.device.handle, 1, []vk.Fence{h}, vk.True, math.MaxUint64), "vkWaitForFences"); err != nil {
			return err
		}
		f.retire()
	}
	return nil
}

func (f *Fence) Release() {
	if !f.release() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.device
	for _, p := range f.pending {
		vk.WaitForFences(d.handle, 1, []vk.Fence{p.handle}, vk.True, math.MaxUint64)
		vk.DestroyFence(d.handle, p.handle, d.backend.allocator)
	}
	for _, h := range f.free {
		vk.DestroyFence(d.handle, h, d.backend.allocator)
	}
	f.pending, f.free = nil, nil
}
