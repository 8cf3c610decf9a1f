package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/headless"
	"github.com/spaghettifunk/rsx/engine/renderer/ring"
)

type fixture struct {
	dev      *headless.Device
	chain    gpu.SwapChain
	upload   *ring.Allocator
	readback *ring.Allocator
	frames   *Manager
}

func newFixture(t *testing.T, opts ...headless.Option) *fixture {
	t.Helper()
	b := headless.New(opts...)
	require.NoError(t, b.EnableDebugLayer())
	d, err := b.CreateDevice("")
	require.NoError(t, err)
	dev := d.(*headless.Device)
	t.Cleanup(dev.Release)

	chain, err := dev.CreateSwapChain(8, 8, SlotCount)
	require.NoError(t, err)
	ub, err := dev.CreateBuffer(gpu.MemoryUpload, 1024)
	require.NoError(t, err)
	rb, err := dev.CreateBuffer(gpu.MemoryReadback, 1024)
	require.NoError(t, err)

	f := &fixture{
		dev:      dev,
		chain:    chain,
		upload:   ring.New("upload", ub, ring.PolicyFail),
		readback: ring.New("readback", rb, ring.PolicyFail),
	}
	f.frames, err = NewManager(dev, chain, f.upload, f.readback, SlotConfig{ViewHeapSize: 64, SamplerHeapSize: 16, SamplerPages: 2})
	require.NoError(t, err)
	t.Cleanup(f.frames.Release)
	return f
}

// flip mirrors the presentation sequence: submit, present, signal the slot
// just recorded, then wait for the new current slot.
func (f *fixture) flip(t *testing.T) {
	t.Helper()
	cur := f.frames.Current()
	bb := f.chain.BackBuffer(f.chain.CurrentBackBufferIndex())
	cmd := cur.Commands()
	cmd.Transition(bb, gpu.StatePresent, gpu.StateRenderTarget)
	cmd.Transition(bb, gpu.StateRenderTarget, gpu.StatePresent)
	require.NoError(t, cmd.Close())
	require.NoError(t, f.dev.Queue().Execute(cmd))
	require.NoError(t, f.chain.Present(false))

	done := f.frames.NonCurrent()
	require.Same(t, cur, done)
	require.NoError(t, f.frames.Signal(done, f.dev.Queue()))
	f.frames.RecordMarks(done)
	require.NoError(t, f.frames.PrepareForUse(f.frames.Current()))
}

func TestCurrentAlternates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.frames.PrepareForUse(f.frames.Current()))
	require.Equal(t, 0, f.frames.Current().Index())
	require.Equal(t, 1, f.frames.NonCurrent().Index())

	// slot 0 completes at 5, slot 1 at 6
	f.frames.fenceValue = 4

	var order []int
	for i := 0; i < 4; i++ {
		f.flip(t)
		order = append(order, f.frames.Current().Index())
	}
	require.Equal(t, []int{1, 0, 1, 0}, order)
	require.Equal(t, uint64(7), f.frames.Slot(0).FenceTarget())
	require.Equal(t, uint64(8), f.frames.Slot(1).FenceTarget())
	require.Empty(t, f.dev.ValidationErrors())
}

func TestPrepareForUseWaitsForFence(t *testing.T) {
	f := newFixture(t, headless.WithManualCompletion())
	slot := f.frames.Slot(1)
	require.NoError(t, slot.Commands().Close())
	require.NoError(t, f.dev.Queue().Execute(slot.Commands()))
	require.NoError(t, f.frames.Signal(slot, f.dev.Queue()))

	done := make(chan error, 1)
	go func() {
		done <- f.frames.PrepareForUse(slot)
	}()
	select {
	case <-done:
		t.Fatal("PrepareForUse returned before the fence was reached")
	case <-time.After(30 * time.Millisecond):
	}
	require.Less(t, slot.Fence().CompletedValue(), slot.FenceTarget())

	f.dev.Advance(2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("PrepareForUse did not return after the fence was signaled")
	}
	require.GreaterOrEqual(t, slot.Fence().CompletedValue(), slot.FenceTarget())
	require.False(t, slot.InUse())
}

func TestNoPrematureReclamation(t *testing.T) {
	f := newFixture(t, headless.WithLatency(time.Millisecond))
	require.NoError(t, f.frames.PrepareForUse(f.frames.Current()))

	type record struct {
		mark  ring.Mark
		slot  *Slot
		fence uint64
	}
	var history []record

	last := f.upload.Consumed()
	for frame := 0; frame < 12; frame++ {
		_, err := f.upload.Alloc(200, 256)
		require.NoError(t, err)
		f.flip(t)

		done := f.frames.NonCurrent()
		mark, _ := done.Marks()
		history = append(history, record{mark: mark, slot: done, fence: done.FenceTarget()})

		consumed := f.upload.Consumed()
		if consumed != last {
			// some earlier frame must have recorded this mark and completed
			found := false
			for _, h := range history[:len(history)-1] {
				if h.mark >= consumed && h.slot.Fence().CompletedValue() >= h.fence {
					found = true
				}
			}
			require.True(t, found, "ring released up to %d without a completed frame", consumed)
			last = consumed
		}
	}
	require.Greater(t, uint64(last), uint64(0))
}

func TestStallOldest(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.frames.StallOldest(), ring.ErrNothingToReclaim)

	require.NoError(t, f.frames.PrepareForUse(f.frames.Current()))
	_, err := f.upload.Alloc(600, 256)
	require.NoError(t, err)
	f.flip(t)

	// the frame holding 600 bytes stays in flight until someone waits for it
	prev := f.frames.NonCurrent()
	require.True(t, prev.InUse())
	require.NoError(t, f.frames.StallOldest())
	require.False(t, prev.InUse())
	require.Equal(t, uint64(0), f.upload.Used())
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.frames.Current()
	_, err := s.Views().Reserve(10)
	require.NoError(t, err)
	_, err = s.Samplers().Reserve(12)
	require.NoError(t, err)
	_, err = s.Samplers().Reserve(12)
	require.NoError(t, err)
	f.frames.RecordMarks(s)

	require.NoError(t, s.Reset())
	up, rb := s.Marks()
	views, samplers, page := s.Views().Cursor(), s.Samplers().Cursor(), s.Samplers().PageIndex()

	require.NoError(t, s.Reset())
	up2, rb2 := s.Marks()
	require.Equal(t, up, up2)
	require.Equal(t, rb, rb2)
	require.Equal(t, views, s.Views().Cursor())
	require.Equal(t, samplers, s.Samplers().Cursor())
	require.Equal(t, page, s.Samplers().PageIndex())
	require.Equal(t, uint32(0), s.Samplers().Cursor())
	require.Equal(t, 0, s.Samplers().PageIndex())
}

func TestResetReleasesDirtyResources(t *testing.T) {
	f := newFixture(t)
	s := f.frames.Current()
	live := f.dev.LiveResources()
	tex, err := f.dev.CreateTexture(gpu.TextureDesc{Width: 2, Height: 2, Format: gpu.FormatRGBA8})
	require.NoError(t, err)
	s.MarkDirty(tex)
	s.MarkDirty(tex)
	require.Equal(t, 1, s.DirtyCount())

	require.NoError(t, s.Reset())
	require.Equal(t, 0, s.DirtyCount())
	require.Equal(t, live, f.dev.LiveResources())
}
