package rsx

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/headless"
)

type fixture struct {
	render   *Render
	device   *headless.Device
	regs     *fakeRegisters
	programs *fakePrograms
	targets  *fakeTargets
	textures *fakeTextures
	surface  *fakeSurface
	memory   *fakeMemory
}

func testOptions() Options {
	cfg := core.DefaultConfig()
	cfg.Video.Width, cfg.Video.Height = 8, 8
	cfg.Video.VSync = false
	cfg.Heaps = core.HeapConfig{
		UploadSize:      1 << 20,
		ReadbackSize:    1 << 16,
		VertexSize:      1 << 16,
		ViewPageSize:    64,
		SamplerPageSize: 32,
		RingPolicy:      core.RingPolicyBlock,
	}
	return Options{Video: cfg.Video, Heaps: cfg.Heaps}
}

func newFixture(t *testing.T, mutate func(*Options), backendOpts ...headless.Option) *fixture {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	backend := headless.New(backendOpts...)
	require.NoError(t, backend.EnableDebugLayer())

	f := &fixture{
		regs:     newFakeRegisters(),
		programs: &fakePrograms{},
		targets:  &fakeTargets{clearColor: [4]float32{1, 0, 0, 1}},
		textures: &fakeTextures{invalidates: map[uint32]bool{}},
		surface:  &fakeSurface{},
		memory:   &fakeMemory{},
	}
	f.render = New(backend, opts, Collaborators{
		Programs: f.programs,
		Targets:  f.targets,
		Textures: f.textures,
		Surface:  f.surface,
		Memory:   f.memory,
	})
	require.NoError(t, f.render.OnInitThread())
	f.device = f.render.Device().(*headless.Device)
	f.textures.device = f.device

	var err error
	f.targets.color, err = f.device.CreateTexture(gpu.TextureDesc{
		Width: 8, Height: 8, Format: gpu.FormatRGBA8, InitialState: gpu.StateRenderTarget, RenderTarget: true,
	})
	require.NoError(t, err)
	pso, err := f.device.CreatePipelineState(gpu.PipelineDesc{Name: "test", Root: f.render.RootSignature()})
	require.NoError(t, err)
	f.programs.program = &fakeProgram{pso: pso, valid: true}

	t.Cleanup(func() {
		_ = f.render.OnExit()
	})
	return f
}

func (f *fixture) triangles(ranges ...[2]uint32) DrawRequest {
	return DrawRequest{
		Registers: f.regs,
		Clause:    &fakeClause{ranges: ranges},
		Vertices:  &fakeVertices{},
	}
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.render.Device().Queue().WaitIdle())
}

func TestNewFallsBackToDefaultAdapter(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Video.Adapter = "Radeon 9700" })
	assert.Equal(t, headless.DefaultAdapter, f.render.Device().Adapter())
}

func TestInitFailsWithoutDevice(t *testing.T) {
	r := New(headless.New(headless.WithAdapters()), testOptions(), Collaborators{})
	err := r.OnInitThread()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoDevice))
	require.True(t, errors.Is(r.End(DrawRequest{}), core.ErrNoDevice))

	var fatal []string
	_, err = StartThread(r, 1, WithFatalHandler(func(msg string, _ ...interface{}) {
		fatal = append(fatal, msg)
	}))
	require.Error(t, err)
	assert.Len(t, fatal, 1)
	require.NoError(t, r.OnExit())
}

func TestDrawAndFlipFromRenderTarget(t *testing.T) {
	f := newFixture(t, nil)
	var presented []*image.RGBA
	require.True(t, headless.SetPresentFunc(f.render.SwapChain(), func(img *image.RGBA) {
		presented = append(presented, img)
	}))

	_, err := f.render.DoMethod(MethodClearSurface, 0, f.regs)
	require.NoError(t, err)
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3}, [2]uint32{3, 3})))
	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)

	stats := f.device.Stats()
	assert.Equal(t, uint64(2), stats.Draws)
	assert.Equal(t, uint64(6+4), stats.Vertices)
	assert.Equal(t, uint64(1), stats.Blits)
	assert.Equal(t, uint64(1), stats.Presents)
	assert.Empty(t, f.device.ValidationErrors())

	require.Len(t, presented, 1)
	assert.Equal(t, []uint8{255, 0, 0, 255}, presented[0].Pix[:4])
	assert.Equal(t, gpu.StateRenderTarget, f.device.State(f.targets.color))

	last := f.render.LastTimings()
	assert.Equal(t, 1, last.DrawCalls)
	assert.NotZero(t, last.BufferUploadSize)
	assert.Equal(t, 1, f.surface.flips)
}

func TestDrawSkippedWithoutValidProgram(t *testing.T) {
	f := newFixture(t, nil)
	f.programs.program.valid = false
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	assert.Zero(t, f.targets.prepared)
	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Equal(t, uint64(1), f.device.Stats().Draws)
}

func TestIndexedDrawUploadsReferencedVertices(t *testing.T) {
	f := newFixture(t, nil)
	vertices := &fakeVertices{indices: []uint16{0, 2, 1, 2, 3, 0}}
	req := DrawRequest{
		Registers: f.regs,
		Clause:    &fakeClause{ranges: [][2]uint32{{0, 3}, {3, 3}}, indexed: true, format: gpu.FormatR16Uint},
		Vertices:  vertices,
	}
	require.NoError(t, f.render.End(req))
	assert.Equal(t, [][2]uint32{{0, 4}}, vertices.requests)

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Equal(t, uint64(6+4), f.device.Stats().Vertices)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestFlipFromMainMemorySwizzles(t *testing.T) {
	f := newFixture(t, nil)
	f.regs.target = SurfaceNone
	pixels := make([]byte, 4*4*4)
	for i := 0; i < len(pixels); i += 4 {
		copy(pixels[i:], []byte{0xff, 0x10, 0x20, 0x30})
	}
	f.memory.display = DisplayBuffer{Width: 4, Height: 4, Pixels: pixels}
	f.memory.hasBuf = true

	var presented []*image.RGBA
	headless.SetPresentFunc(f.render.SwapChain(), func(img *image.RGBA) {
		presented = append(presented, img)
	})
	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)

	require.Len(t, presented, 1)
	assert.Equal(t, []uint8{0x10, 0x20, 0x30, 0xff}, presented[0].Pix[:4])
	assert.Empty(t, f.device.ValidationErrors())

	img, err := f.render.Frames().NonCurrent().MainMemoryImage(4, 4)
	require.NoError(t, err)
	assert.Equal(t, gpu.StateCopyDest, f.device.State(img))
}

func TestFlipWithoutSourceStillPresents(t *testing.T) {
	f := newFixture(t, nil)
	f.regs.target = SurfaceNone
	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	stats := f.device.Stats()
	assert.Zero(t, stats.Draws)
	assert.Equal(t, uint64(1), stats.Presents)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestFlipsAlternateSlotsAndReclaimRingSpace(t *testing.T) {
	f := newFixture(t, nil)
	frames := f.render.Frames()

	require.Equal(t, 0, frames.Current().Index())
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	require.NoError(t, f.render.Flip(f.regs))
	require.Equal(t, 1, frames.Current().Index())
	first, _ := frames.Slot(0).Marks()
	assert.NotZero(t, first)
	assert.Zero(t, f.render.Upload().Consumed())

	require.NoError(t, f.render.Flip(f.regs))
	require.Equal(t, 0, frames.Current().Index())
	assert.Equal(t, first, f.render.Upload().Consumed())
	assert.False(t, frames.Current().InUse())
	assert.Equal(t, uint64(2), frames.FenceValue())
}

func TestInvalidatedTargetsReleasedWithTheirFrame(t *testing.T) {
	f := newFixture(t, nil)
	old, err := f.device.CreateTexture(gpu.TextureDesc{Width: 2, Height: 2, Format: gpu.FormatRGBA8})
	require.NoError(t, err)
	f.targets.invalidated = []gpu.Resource{old}
	live := f.device.LiveResources()

	require.NoError(t, f.render.Flip(f.regs))
	assert.Equal(t, 1, f.render.Frames().NonCurrent().DirtyCount())
	assert.Equal(t, live, f.device.LiveResources())

	require.NoError(t, f.render.Flip(f.regs))
	assert.Equal(t, live-1, f.device.LiveResources())
}

func TestVertexConstantsUploadedWhenDirty(t *testing.T) {
	f := newFixture(t, nil)
	draw := func() { require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3}))) }

	draw()
	draw()
	assert.Equal(t, 1, f.regs.transformRead)

	f.render.InvalidateTransformConstants()
	draw()
	assert.Equal(t, 2, f.regs.transformRead)

	require.NoError(t, f.render.Flip(f.regs))
	draw()
	assert.Equal(t, 3, f.regs.transformRead)

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestSamplerPageSwitchKeepsDrawsValid(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Heaps.SamplerPageSize = 16 })
	f.programs.program.textures = 4
	for i := 0; i < 6; i++ {
		require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	}
	assert.NotZero(t, f.render.Frames().Current().Samplers().Switches())

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Equal(t, uint64(7), f.device.Stats().Draws)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestWideTextureTableSwitchesSamplerPageOnce(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Heaps.SamplerPageSize = 36
		o.Heaps.ViewPageSize = 128
		o.Heaps.TextureTableSize = 20
	})
	f.programs.program.textures = 20
	samplers := f.render.Frames().Current().Samplers()

	// 20 of 36 used, 16 left: the next table does not fit
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	assert.Equal(t, 0, samplers.Switches())
	assert.Equal(t, uint32(20), samplers.Cursor())

	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	assert.Equal(t, 1, samplers.Switches())
	assert.Equal(t, uint32(20), samplers.Cursor())

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Equal(t, uint64(3), f.device.Stats().Draws)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestTextureTableLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.programs.program.textures = DefaultTextureTableSize + 1
	err := f.render.End(f.triangles([2]uint32{0, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "texture table holds 16")
}

func TestDebugOutputFlushesEveryDraw(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Video.DebugOutput = true })
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))

	stats := f.device.Stats()
	assert.Equal(t, uint64(2), stats.Submissions)
	assert.Equal(t, uint64(2), stats.Draws)

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestDoMethodReadsBackRenderTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.regs.address, f.regs.pitch = 0x1000, 64

	handled, err := f.render.DoMethod(MethodClearSurface, 0, f.regs)
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = f.render.DoMethod(MethodTextureReadSemaphoreRelease, 0, f.regs)
	require.NoError(t, err)
	assert.False(t, handled)

	require.Len(t, f.memory.writes, 8)
	row := f.memory.writes[0x1000+7*64]
	require.Len(t, row, 8*4)
	assert.Equal(t, []byte{255, 0, 0, 255}, row[:4])

	handled, err = f.render.DoMethod(0x1234, 0, f.regs)
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestAccessViolation(t *testing.T) {
	f := newFixture(t, nil)
	f.textures.invalidates[0x2000] = true
	assert.False(t, f.render.OnAccessViolation(0x2000, false))
	assert.True(t, f.render.OnAccessViolation(0x2000, true))
	assert.False(t, f.render.OnAccessViolation(0x3000, true))
}

func TestDoLocalTaskClearsEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.render.DoLocalTask(FIFORunning)
	f.render.DoLocalTask(FIFOLockWait)
	f.render.DoLocalTask(FIFOEmpty)
	assert.Equal(t, 2, f.surface.cleared)
}

func TestOverlayRecordsOnItsOwnContext(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Video.Overlay = true })
	overlay := &countingOverlay{}
	f.render.collab.Overlay = overlay

	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	require.NoError(t, f.render.Flip(f.regs))
	require.NoError(t, f.render.Flip(f.regs))
	require.NoError(t, f.render.Flip(f.regs))
	f.idle(t)

	assert.Equal(t, 3, overlay.calls)
	stats := f.device.Stats()
	assert.Equal(t, uint64(3), stats.Presents)
	assert.Equal(t, uint64(6), stats.Submissions)
	assert.Empty(t, f.device.ValidationErrors())
}

func TestOnExitUnprotectsAndReleases(t *testing.T) {
	f := newFixture(t, nil)
	released := 0
	f.render.collab.Release = func() {
		released++
		assert.Zero(t, f.device.Pending())
	}
	require.NoError(t, f.render.End(f.triangles([2]uint32{0, 3})))
	require.NoError(t, f.render.Flip(f.regs))
	require.NoError(t, f.render.OnExit())
	assert.True(t, f.textures.unprotected)
	assert.Equal(t, 1, released)
	assert.Nil(t, f.render.Device())
	require.NoError(t, f.render.OnExit())
	assert.Equal(t, 1, released)
}

func TestThreadSerializesCalls(t *testing.T) {
	f := newFixture(t, nil)
	configs := make(chan *core.Config, 1)
	th, err := StartThread(f.render, 4, WithConfigUpdates(configs), WithFatalHandler(func(string, ...interface{}) {
		t.Error("unexpected fatal error")
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, th.End(f.triangles([2]uint32{0, 3})))
		}()
	}
	wg.Wait()
	require.NoError(t, th.Flip(f.regs))
	assert.Equal(t, 4, th.LastTimings().DrawCalls)

	cfg := core.DefaultConfig()
	cfg.Video.VSync = true
	configs <- cfg
	require.Eventually(t, func() bool {
		var vsync bool
		_ = th.do(func() error {
			vsync = f.render.opts.Video.VSync
			return nil
		})
		return vsync
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, th.Stop())
	require.NoError(t, th.Stop())
	assert.True(t, errors.Is(th.End(f.triangles([2]uint32{0, 3})), ErrThreadStopped))
	assert.True(t, f.textures.unprotected)
}

func TestTimingStatsJSON(t *testing.T) {
	stats := TimingStats{DrawCalls: 3, Flip: 2 * time.Millisecond, BufferUploadSize: 4096}
	out := string(stats.JSON())
	assert.Contains(t, out, `"draw_calls":3`)
	assert.Contains(t, out, `"flip_us":2000`)
	assert.Contains(t, out, `"buffer_upload_bytes":4096`)
}

func TestThreadFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	var fatal []string
	th, err := StartThread(f.render, 1, WithFatalHandler(func(msg string, args ...interface{}) {
		fatal = append(fatal, msg)
	}))
	require.NoError(t, err)

	require.NoError(t, th.End(f.triangles([2]uint32{0, 3})))
	assert.Empty(t, fatal)

	f.programs.program.textures = DefaultTextureTableSize + 1
	require.Error(t, th.End(f.triangles([2]uint32{0, 3})))
	require.NoError(t, th.Stop())
	assert.Equal(t, []string{"renderer failed: %s"}, fatal)
}
