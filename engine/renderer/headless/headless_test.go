package headless

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	b := New(opts...)
	require.NoError(t, b.EnableDebugLayer())
	dev, err := b.CreateDevice("")
	require.NoError(t, err)
	t.Cleanup(dev.Release)
	return dev.(*Device)
}

func TestCreateDeviceUnknownAdapter(t *testing.T) {
	b := New()
	_, err := b.CreateDevice("GeForce 9000")
	require.True(t, errors.Is(err, gpu.ErrAdapterNotFound))

	b = New(WithAdapters())
	_, err = b.CreateDevice("")
	require.True(t, errors.Is(err, gpu.ErrAdapterNotFound))
}

func TestFenceWaitBlocksUntilAdvance(t *testing.T) {
	dev := newTestDevice(t, WithManualCompletion())
	f, err := dev.CreateFence(0)
	require.NoError(t, err)
	require.NoError(t, dev.Queue().Signal(f, 3))
	require.Equal(t, uint64(0), f.CompletedValue())

	done := make(chan struct{})
	go func() {
		_ = f.Wait(3)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("wait returned before the fence was signaled")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, 1, dev.Advance(1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the fence was signaled")
	}
	require.Equal(t, uint64(3), f.CompletedValue())
}

func TestQueueExecutesInOrder(t *testing.T) {
	dev := newTestDevice(t, WithLatency(time.Millisecond))
	src, err := dev.CreateBuffer(gpu.MemoryUpload, 16)
	require.NoError(t, err)
	dst, err := dev.CreateBuffer(gpu.MemoryReadback, 16)
	require.NoError(t, err)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)

	data, err := src.Map(0, 4)
	require.NoError(t, err)
	copy(data, []byte{1, 2, 3, 4})
	src.Unmap(0, 4)

	cmd, err := dev.CreateCommandContext()
	require.NoError(t, err)
	cmd.CopyBufferRegion(dst, 8, src, 0, 4)
	require.NoError(t, cmd.Close())
	require.NoError(t, dev.Queue().Execute(cmd))
	require.NoError(t, dev.Queue().Signal(f, 1))
	require.NoError(t, f.Wait(1))

	out, err := dst.Map(8, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, out)
	require.Empty(t, dev.ValidationErrors())
	require.Equal(t, uint64(1), dev.Stats().Copies)
}

func TestResetWhileExecutingIsRejected(t *testing.T) {
	dev := newTestDevice(t, WithManualCompletion())
	cmd, err := dev.CreateCommandContext()
	require.NoError(t, err)

	require.Error(t, dev.Queue().Execute(cmd), "open contexts cannot execute")

	require.NoError(t, cmd.Close())
	require.NoError(t, dev.Queue().Execute(cmd))
	require.Error(t, cmd.Reset())
	require.Len(t, dev.ValidationErrors(), 1)

	dev.Advance(1)
	require.NoError(t, cmd.Reset())
}

func TestTransitionValidation(t *testing.T) {
	dev := newTestDevice(t)
	tex, err := dev.CreateTexture(gpu.TextureDesc{Width: 2, Height: 2, Format: gpu.FormatRGBA8, InitialState: gpu.StateGenericRead})
	require.NoError(t, err)

	cmd, err := dev.CreateCommandContext()
	require.NoError(t, err)
	cmd.Transition(tex, gpu.StateRenderTarget, gpu.StateGenericRead)
	require.NoError(t, cmd.Close())
	require.NoError(t, dev.Queue().Execute(cmd))
	require.NoError(t, dev.Queue().WaitIdle())

	require.Len(t, dev.ValidationErrors(), 1)
}

func TestStaleHeapIsReported(t *testing.T) {
	dev := newTestDevice(t)
	root, err := dev.CreateRootSignature([]gpu.RootParameter{{Heap: gpu.HeapSamplers, Count: 1}})
	require.NoError(t, err)
	pso, err := dev.CreatePipelineState(gpu.PipelineDesc{Name: "test", Root: root})
	require.NoError(t, err)
	first, err := dev.CreateDescriptorHeap(gpu.HeapSamplers, 4)
	require.NoError(t, err)
	second, err := dev.CreateDescriptorHeap(gpu.HeapSamplers, 4)
	require.NoError(t, err)
	rt, err := dev.CreateTexture(gpu.TextureDesc{Width: 2, Height: 2, Format: gpu.FormatRGBA8, InitialState: gpu.StateRenderTarget})
	require.NoError(t, err)

	cmd, err := dev.CreateCommandContext()
	require.NoError(t, err)
	cmd.SetRootSignature(root)
	cmd.SetPipelineState(pso)
	cmd.SetRenderTargets(rt)
	cmd.SetDescriptorHeaps(nil, first)
	cmd.SetRootTable(0, first, 0)
	cmd.Draw(3, 0)
	// switching heaps without rebinding the table leaves it dangling
	cmd.SetDescriptorHeaps(nil, second)
	cmd.Draw(3, 0)
	require.NoError(t, cmd.Close())
	require.NoError(t, dev.Queue().Execute(cmd))
	require.NoError(t, dev.Queue().WaitIdle())

	require.Len(t, dev.ValidationErrors(), 1)
	require.Equal(t, uint64(1), dev.Stats().Draws)
}

func TestBlitScalesAndSwizzles(t *testing.T) {
	dev := newTestDevice(t)
	root, err := dev.CreateRootSignature([]gpu.RootParameter{
		{Heap: gpu.HeapViews, Count: 1, View: gpu.ViewTexture},
		{Heap: gpu.HeapSamplers, Count: 1},
	})
	require.NoError(t, err)
	pso, err := dev.CreatePipelineState(gpu.PipelineDesc{Name: "blit", Root: root, FullscreenBlit: true})
	require.NoError(t, err)
	views, err := dev.CreateDescriptorHeap(gpu.HeapViews, 1)
	require.NoError(t, err)
	samplers, err := dev.CreateDescriptorHeap(gpu.HeapSamplers, 1)
	require.NoError(t, err)

	src, err := dev.CreateTexture(gpu.TextureDesc{Width: 1, Height: 1, Format: gpu.FormatRGBA8, InitialState: gpu.StateCopyDest})
	require.NoError(t, err)
	img, ok := TextureImage(src)
	require.True(t, ok)
	// stored as ARGB: a=255 r=10 g=20 b=30
	copy(img.Pix, []byte{255, 10, 20, 30})

	sc, err := dev.CreateSwapChain(4, 4, 2)
	require.NoError(t, err)
	var presented []*image.RGBA
	require.True(t, SetPresentFunc(sc, func(img *image.RGBA) { presented = append(presented, img) }))

	require.NoError(t, views.WriteView(0, gpu.ViewDesc{Kind: gpu.ViewTexture, Texture: src, Mapping: gpu.ARGBMapping}))
	require.NoError(t, samplers.WriteSampler(0, gpu.SamplerDesc{Filter: gpu.FilterPoint}))

	bb := sc.BackBuffer(sc.CurrentBackBufferIndex())
	cmd, err := dev.CreateCommandContext()
	require.NoError(t, err)
	cmd.Transition(src, gpu.StateCopyDest, gpu.StateGenericRead)
	cmd.Transition(bb, gpu.StatePresent, gpu.StateRenderTarget)
	cmd.SetRootSignature(root)
	cmd.SetPipelineState(pso)
	cmd.SetDescriptorHeaps(views, samplers)
	cmd.SetRootTable(0, views, 0)
	cmd.SetRootTable(1, samplers, 0)
	cmd.SetRenderTargets(bb)
	cmd.SetViewport(gpu.Viewport{Width: 4, Height: 4, MaxDepth: 1})
	cmd.SetScissor(gpu.Rect{Right: 4, Bottom: 4})
	cmd.SetTopology(gpu.TopologyTriangleStrip)
	cmd.Draw(4, 0)
	cmd.Transition(bb, gpu.StateRenderTarget, gpu.StatePresent)
	require.NoError(t, cmd.Close())
	require.NoError(t, dev.Queue().Execute(cmd))
	require.NoError(t, sc.Present(false))
	require.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	require.NoError(t, dev.Queue().WaitIdle())

	require.Empty(t, dev.ValidationErrors())
	require.Len(t, presented, 1)
	require.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, presented[0].RGBAAt(3, 3))
	require.Equal(t, uint64(1), dev.Stats().Blits)
}

func TestReleaseUntracksResources(t *testing.T) {
	dev := newTestDevice(t)
	buf, err := dev.CreateBuffer(gpu.MemoryDefault, 8)
	require.NoError(t, err)
	_, err = buf.Map(0, 8)
	require.True(t, errors.Is(err, gpu.ErrNotMappable))
	require.Equal(t, 1, dev.LiveResources())
	buf.Release()
	buf.Release()
	require.Equal(t, 0, dev.LiveResources())
}
