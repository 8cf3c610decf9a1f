package frame

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/ring"
)

// SlotCount is the swap chain depth.
const SlotCount = 2

// BackBufferSource reports which back buffer the next frame renders into.
type BackBufferSource interface {
	CurrentBackBufferIndex() uint32
}

// Manager selects the slot of the frame being recorded and enforces that a
// slot's GPU work completed before the slot is reused.
type Manager struct {
	chain      BackBufferSource
	upload     *ring.Allocator
	readback   *ring.Allocator
	slots      [SlotCount]*Slot
	fenceValue uint64
}

func NewManager(device gpu.Device, chain BackBufferSource, upload, readback *ring.Allocator, cfg SlotConfig) (*Manager, error) {
	m := &Manager{
		chain:    chain,
		upload:   upload,
		readback: readback,
	}
	for i := range m.slots {
		s, err := newSlot(device, i, cfg)
		if err != nil {
			m.Release()
			return nil, err
		}
		m.slots[i] = s
	}
	upload.SetStallFunc(m.StallOldest)
	readback.SetStallFunc(m.StallOldest)
	return m, nil
}

// Current returns the slot of the back buffer being rendered.
func (m *Manager) Current() *Slot {
	return m.slots[m.chain.CurrentBackBufferIndex()%SlotCount]
}

// NonCurrent returns the other slot, which may still be executing.
func (m *Manager) NonCurrent() *Slot {
	return m.slots[(m.chain.CurrentBackBufferIndex()+1)%SlotCount]
}

func (m *Manager) Slot(i int) *Slot {
	return m.slots[i]
}

// FenceValue returns the last value handed to Signal.
func (m *Manager) FenceValue() uint64 {
	return m.fenceValue
}

// Signal queues the next fence value on s once all submitted work completes
// and marks s in use.
func (m *Manager) Signal(s *Slot, queue gpu.Queue) error {
	next := m.fenceValue + 1
	if err := queue.Signal(s.fence, next); err != nil {
		return errors.Wrapf(err, "signaling frame slot %d", s.index)
	}
	m.fenceValue = next
	s.fenceTarget = next
	s.inUse = true
	return nil
}

// RecordMarks stores the current ring positions on s. Everything allocated up
// to now is released when s completes.
func (m *Manager) RecordMarks(s *Slot) {
	s.uploadMark = m.upload.HighWaterMark()
	s.readbackMark = m.readback.HighWaterMark()
}

// retire blocks until s completed and hands its ring space back.
func (m *Manager) retire(s *Slot) error {
	if !s.inUse {
		return nil
	}
	if err := s.fence.Wait(s.fenceTarget); err != nil {
		return errors.Wrapf(err, "waiting for frame slot %d", s.index)
	}
	m.upload.MarkConsumedUpTo(s.uploadMark)
	m.readback.MarkConsumedUpTo(s.readbackMark)
	s.inUse = false
	return nil
}

// PrepareForUse waits for the GPU to finish the work s recorded last time,
// releases its ring space and resets it. It never times out.
func (m *Manager) PrepareForUse(s *Slot) error {
	if err := m.retire(s); err != nil {
		return err
	}
	return s.Reset()
}

// StallOldest waits for the oldest in-flight slot so a full ring can reclaim
// its space. It returns ring.ErrNothingToReclaim when no slot is in flight.
func (m *Manager) StallOldest() error {
	var oldest *Slot
	for _, s := range m.slots {
		if s.inUse && (oldest == nil || s.fenceTarget < oldest.fenceTarget) {
			oldest = s
		}
	}
	if oldest == nil {
		return ring.ErrNothingToReclaim
	}
	core.LogDebug("stalling on frame slot %d (fence %d)", oldest.index, oldest.fenceTarget)
	return m.retire(oldest)
}

// WaitIdle retires every slot still in flight.
func (m *Manager) WaitIdle() error {
	for _, s := range m.slots {
		if err := m.retire(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Release() {
	for i, s := range m.slots {
		if s != nil {
			s.Release()
			m.slots[i] = nil
		}
	}
}
