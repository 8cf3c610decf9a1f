package testbed

import (
	"encoding/binary"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/assets"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/headless"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

type countingSurface struct {
	cleared, flips int
}

func (s *countingSurface) ClearEvents() { s.cleared++ }
func (s *countingSurface) Flip()        { s.flips++ }

type rig struct {
	game    *TestGame
	thread  *rsx.Thread
	render  *rsx.Render
	surface *countingSurface
}

func newRig(t *testing.T) *rig {
	t.Helper()
	am, err := assets.NewAssetManager()
	require.NoError(t, err)
	require.NoError(t, am.Initialize(t.TempDir()))
	t.Cleanup(func() { _ = am.Shutdown() })

	g := NewTestGame("", "", 0)
	require.NoError(t, g.Initialize(am))

	cfg := core.DefaultConfig()
	cfg.Video.Renderer = core.RendererHeadless
	cfg.Video.Width, cfg.Video.Height = 32, 18
	cfg.Heaps = core.HeapConfig{
		UploadSize:      4 << 20,
		ReadbackSize:    1 << 20,
		VertexSize:      1 << 16,
		ViewPageSize:    256,
		SamplerPageSize: 64,
		RingPolicy:      core.RingPolicyBlock,
	}

	surface := &countingSurface{}
	render := rsx.New(headless.New(), rsx.Options{Video: cfg.Video, Heaps: cfg.Heaps}, g.Collaborators(surface))
	require.NotNil(t, render.Device())
	require.NoError(t, g.Attach(render.Device(), render.RootSignature()))
	require.NoError(t, g.OnResize(32, 18))

	th, err := rsx.StartThread(render, 8, rsx.WithFatalHandler(func(msg string, args ...interface{}) {
		t.Errorf(msg, args...)
	}))
	require.NoError(t, err)
	return &rig{game: g, thread: th, render: render, surface: surface}
}

func (r *rig) run(t *testing.T, frames int) {
	t.Helper()
	for i := 0; i < frames; i++ {
		require.NoError(t, r.game.Update(1.0/60.0))
		require.NoError(t, r.game.Render(r.thread, 1.0/60.0))
	}
}

func TestCommandStreamOnHeadless(t *testing.T) {
	r := newRig(t)
	dev := r.render.Device().(*headless.Device)

	r.run(t, textureWriteAt)
	assert.Equal(t, textureWriteAt, r.surface.flips)
	assert.Equal(t, textureWriteAt, r.surface.cleared)

	// frame 60 wrote the color surface back
	data, ok := r.game.Memory().Read(ColorAddress)
	require.True(t, ok)
	assert.Len(t, data, 32*4)
	_, ok = r.game.Memory().Read(ColorAddress + 17*32*4)
	assert.True(t, ok, "one block per row")

	// frame 120 invalidated the checker texture, the next draw uploads it again
	assert.Equal(t, 1, r.game.Textures().Uploads())
	r.run(t, 1)
	assert.Equal(t, 2, r.game.Textures().Uploads())

	require.NoError(t, r.thread.Stop())
	// the first scanOutFrames-1 frames only flip main memory
	drawFrames := textureWriteAt + 1 - (scanOutFrames - 1)
	assert.Equal(t, uint64(2*drawFrames), dev.Stats().Draws)
	assert.Empty(t, dev.ValidationErrors())
	assert.Zero(t, dev.LiveResources())
}

func TestResizeRetiresColorSurface(t *testing.T) {
	r := newRig(t)
	r.run(t, scanOutFrames+2)
	first := r.game.state.targets.Bound(0)
	require.NotNil(t, first)

	require.NoError(t, r.game.OnResize(16, 9))
	r.run(t, 1)
	second := r.game.state.targets.Bound(0)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, uint32(16), second.Width())

	require.NoError(t, r.thread.Stop())
	assert.Nil(t, r.render.Device())
}

func TestSplashImageIsScannedOut(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o755))
	f, err := os.Create(filepath.Join(dir, filepath.FromSlash(SplashImage)))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, Checker(4, 2)))
	require.NoError(t, f.Close())

	am, err := assets.NewAssetManager()
	require.NoError(t, err)
	require.NoError(t, am.Initialize(dir))
	defer am.Shutdown()

	g := NewTestGame("", "", 0)
	require.NoError(t, g.Initialize(am))
	buf, ok := g.Memory().DisplayBuffer()
	require.True(t, ok)
	assert.Equal(t, uint32(4), buf.Width)
	// ARGB: alpha first
	assert.Equal(t, []byte{255, 255, 255, 255}, buf.Pixels[:4])
	assert.Equal(t, []byte{255, 0, 0, 0}, buf.Pixels[8:12])
}

func TestMeshStreams(t *testing.T) {
	m, clause := Quad(0.5)
	clause.Begin()
	first, count := clause.Range()
	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(6), count)
	assert.False(t, clause.Next())

	idx := m.ReadIndices(0, 6)
	require.Len(t, idx, 12)
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(idx[4:]))

	pos := m.ReadVertices(0, 1, 2)
	assert.Len(t, pos, 32)
	assert.Len(t, m.ReadVertices(1, 3, 5), 16, "reads stop at the end of the stream")
	assert.Equal(t, gpu.FormatR16Uint, clause.IndexFormat())
}

func TestRegistersTransform(t *testing.T) {
	regs := &Registers{Width: 8, Height: 4}
	raw := regs.TransformConstants()
	require.Len(t, raw, transformConstantCount*16)
	// angle 0 is the identity rotation
	assert.Equal(t, uint32(0x3f800000), binary.LittleEndian.Uint32(raw[0:]))
	assert.Equal(t, int32(8), regs.Scissor().Width())
}

func TestMemoryWrite(t *testing.T) {
	m := NewMemory()
	assert.Error(t, m.Write(0x10, nil))
	require.NoError(t, m.Write(0x10, []byte{1, 2}))
	b, ok := m.Read(0x10)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)
}
