// Package frame owns the per-frame resources of the renderer and makes sure
// the CPU never reuses them while the GPU may still read them.
package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"

	"github.com/spaghettifunk/rsx/engine/renderer/descriptor"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/ring"
)

type SlotConfig struct {
	ViewHeapSize    uint32
	SamplerHeapSize uint32
	SamplerPages    int
}

// Slot is the set of resources bound to one swap chain back buffer.
type Slot struct {
	index    int
	device   gpu.Device
	commands gpu.CommandContext
	views    *descriptor.Allocator
	samplers *descriptor.Allocator

	fence       gpu.Fence
	fenceTarget uint64
	inUse       bool

	uploadMark   ring.Mark
	readbackMark ring.Mark

	// generation changes every time the command context is reopened.
	generation uint64
	dirty      *swiss.Map[uuid.UUID, gpu.Resource]

	mainMemoryImage gpu.Texture
}

func newSlot(device gpu.Device, index int, cfg SlotConfig) (*Slot, error) {
	s := &Slot{
		index:  index,
		device: device,
		dirty:  swiss.NewMap[uuid.UUID, gpu.Resource](16),
	}
	var err error
	if s.commands, err = device.CreateCommandContext(); err != nil {
		return nil, errors.Wrapf(err, "frame slot %d: command context", index)
	}
	if s.fence, err = device.CreateFence(0); err != nil {
		s.Release()
		return nil, errors.Wrapf(err, "frame slot %d: fence", index)
	}
	if s.views, err = descriptor.New(device, gpu.HeapViews, cfg.ViewHeapSize, 0, 1); err != nil {
		s.Release()
		return nil, errors.Wrapf(err, "frame slot %d: view heap", index)
	}
	if s.samplers, err = descriptor.New(device, gpu.HeapSamplers, cfg.SamplerHeapSize, 0, cfg.SamplerPages); err != nil {
		s.Release()
		return nil, errors.Wrapf(err, "frame slot %d: sampler heap", index)
	}
	rebind := func(gpu.DescriptorHeap) {
		s.commands.SetDescriptorHeaps(s.views.Current(), s.samplers.Current())
	}
	s.views.SetSwitchFunc(rebind)
	s.samplers.SetSwitchFunc(rebind)
	return s, nil
}

func (s *Slot) Index() int                          { return s.index }
func (s *Slot) Commands() gpu.CommandContext        { return s.commands }
func (s *Slot) Views() *descriptor.Allocator        { return s.views }
func (s *Slot) Samplers() *descriptor.Allocator     { return s.samplers }
func (s *Slot) Fence() gpu.Fence                    { return s.fence }
func (s *Slot) FenceTarget() uint64                 { return s.fenceTarget }
func (s *Slot) InUse() bool                         { return s.inUse }
func (s *Slot) Marks() (upload, readback ring.Mark) { return s.uploadMark, s.readbackMark }
func (s *Slot) Generation() uint64                  { return s.generation }

// BindHeaps sets the slot's current descriptor pages on its command context.
func (s *Slot) BindHeaps() {
	s.commands.SetDescriptorHeaps(s.views.Current(), s.samplers.Current())
}

// MarkDirty keeps res alive until the GPU finished this slot's frame.
func (s *Slot) MarkDirty(res gpu.Resource) {
	if res == nil {
		return
	}
	s.dirty.Put(res.ID(), res)
}

func (s *Slot) DirtyCount() int {
	return s.dirty.Count()
}

// Reset prepares the slot for a new frame: descriptor cursors go back to their
// first page, resources retired during the previous use are released and the
// command context is reopened. Ring marks are left untouched.
func (s *Slot) Reset() error {
	s.views.Reset()
	s.samplers.Reset()
	s.dirty.Iter(func(_ uuid.UUID, res gpu.Resource) bool {
		res.Release()
		return false
	})
	s.dirty.Clear()
	if err := s.commands.Reset(); err != nil {
		return errors.Wrapf(err, "frame slot %d: resetting command context", s.index)
	}
	s.generation++
	return nil
}

// Reopen resets the command context after it was executed mid-frame.
// Descriptor cursors keep going, so tables written earlier in the frame stay
// valid, but heaps must be bound again.
func (s *Slot) Reopen() error {
	if err := s.commands.Reset(); err != nil {
		return errors.Wrapf(err, "frame slot %d: reopening command context", s.index)
	}
	s.generation++
	return nil
}

// MainMemoryImage returns the slot's image for framebuffers living in emulated
// memory, recreating it when the size changed. Only call it on the current slot.
func (s *Slot) MainMemoryImage(width, height uint32) (gpu.Texture, error) {
	if t := s.mainMemoryImage; t != nil && t.Width() == width && t.Height() == height {
		return t, nil
	}
	if s.mainMemoryImage != nil {
		s.mainMemoryImage.Release()
		s.mainMemoryImage = nil
	}
	t, err := s.device.CreateTexture(gpu.TextureDesc{
		Width:        width,
		Height:       height,
		Format:       gpu.FormatRGBA8,
		Memory:       gpu.MemoryDefault,
		InitialState: gpu.StateCopyDest,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "frame slot %d: main memory image %dx%d", s.index, width, height)
	}
	s.mainMemoryImage = t
	return t, nil
}

// Release frees every GPU object the slot owns.
func (s *Slot) Release() {
	if s.dirty != nil {
		s.dirty.Iter(func(_ uuid.UUID, res gpu.Resource) bool {
			res.Release()
			return false
		})
		s.dirty.Clear()
	}
	if s.mainMemoryImage != nil {
		s.mainMemoryImage.Release()
		s.mainMemoryImage = nil
	}
	if s.samplers != nil {
		s.samplers.Release()
	}
	if s.views != nil {
		s.views.Release()
	}
	if s.fence != nil {
		s.fence.Release()
	}
	if s.commands != nil {
		s.commands.Release()
	}
}
