// Package testbed drives the renderer with a synthetic command stream: a
// cleared color surface, two draws per frame, periodic write backs to main
// memory and a main memory scan out phase.
package testbed

import (
	"image"
	stdmath "math"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine"
	"github.com/spaghettifunk/rsx/engine/assets"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

const (
	VertexShader   = "shaders/testbed.vert.spv"
	FragmentShader = "shaders/testbed.frag.spv"
	SplashImage    = "images/splash.png"

	// ColorAddress is where color surface A is written back.
	ColorAddress = 0x0D000000

	clearAllSurfaces = 0xF3
	writeBackEvery   = 60
	textureWriteAt   = 120
	// Every scanOutPeriod frames, scanOutFrames frames are scanned out of
	// main memory instead of the color surface.
	scanOutPeriod = 240
	scanOutFrames = 30
)

type TestGame struct {
	*engine.Game
	state *gameState
}

type gameState struct {
	regs     Registers
	programs Programs
	targets  Targets
	textures Textures
	memory   *Memory
	overlay  *rsx.StatsOverlay

	vertexCode   []byte
	fragmentCode []byte

	triangles      *Mesh
	triangleClause *Clause
	quad           *Mesh
	quadClause     *Clause

	elapsed float64
	frame   uint64
}

func NewTestGame(configPath, assetsDir string, maxFrames uint64) *TestGame {
	tris, triClause := Triangles()
	quad, quadClause := Quad(0.35)
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				StartPosX:  100,
				StartPosY:  100,
				Name:       "RSX Testbed",
				ConfigPath: configPath,
				AssetsDir:  assetsDir,
				MaxFrames:  maxFrames,
			},
		},
		state: &gameState{
			regs: Registers{
				Target:       rsx.SurfaceA,
				ColorAddress: ColorAddress,
			},
			memory:         NewMemory(),
			overlay:        rsx.NewStatsOverlay(120),
			triangles:      tris,
			triangleClause: triClause,
			quad:           quad,
			quadClause:     quadClause,
		},
	}
	tg.State = tg.state
	tg.FnInitialize = tg.Initialize
	tg.FnCollaborators = tg.Collaborators
	tg.FnAttach = tg.Attach
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

// Memory exposes the emulated main memory.
func (g *TestGame) Memory() *Memory { return g.state.memory }

// Textures exposes the texture cache.
func (g *TestGame) Textures() *Textures { return &g.state.textures }

func (g *TestGame) Initialize(am *assets.AssetManager) error {
	core.LogInfo("initializing testbed...")
	s := g.state

	if vert, err := am.LoadAsset(VertexShader); err == nil {
		s.vertexCode = vert.Data.([]byte)
	} else {
		core.LogDebug("testbed vertex shader unavailable: %s", err)
	}
	if frag, err := am.LoadAsset(FragmentShader); err == nil {
		s.fragmentCode = frag.Data.([]byte)
	} else {
		core.LogDebug("testbed fragment shader unavailable: %s", err)
	}

	res, err := am.LoadAsset(SplashImage)
	if err != nil {
		s.memory.SetDisplayImage(Gradient(320, 180))
		return nil
	}
	s.memory.SetDisplayImage(res.Data.(*image.RGBA))
	return am.UnloadAsset(res)
}

func (g *TestGame) Collaborators(surface rsx.Surface) rsx.Collaborators {
	s := g.state
	return rsx.Collaborators{
		Programs: &s.programs,
		Targets:  &s.targets,
		Textures: &s.textures,
		Surface:  surface,
		Memory:   s.memory,
		Overlay:  s.overlay,
		Release:  g.release,
	}
}

// Attach creates the checker texture and the color pipeline. A backend that
// cannot build the pipeline leaves the program invalid and draws are skipped.
func (g *TestGame) Attach(device gpu.Device, root gpu.RootSignature) error {
	s := g.state
	s.targets.device = device
	if err := s.textures.create(device); err != nil {
		return err
	}
	pso, err := device.CreatePipelineState(gpu.PipelineDesc{
		Name:          "testbed.color",
		Root:          root,
		VertexCode:    s.vertexCode,
		FragmentCode:  s.fragmentCode,
		Topology:      gpu.TopologyTriangleList,
		TargetFormats: []gpu.Format{gpu.FormatRGBA8},
	})
	if err != nil {
		core.LogWarn("testbed pipeline unavailable, only flips will be shown: %s", err)
		return nil
	}
	s.programs.program = &program{pso: pso, textures: 1, tint: [4]float32{1, 1, 1, 1}}
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	s := g.state
	s.elapsed += deltaTime
	s.regs.Angle = float32(s.elapsed)
	pulse := float32(0.5 + 0.5*stdmath.Sin(s.elapsed))
	s.targets.ClearColor = [4]float32{0.05, 0.05 + 0.15*pulse, 0.2, 1}
	if p := s.programs.program; p != nil {
		p.tint = [4]float32{1, pulse, 1 - pulse, 1}
	}
	return nil
}

// Render issues one frame of the command stream.
func (g *TestGame) Render(proc engine.CommandProcessor, deltaTime float64) error {
	s := g.state
	s.frame++
	regs := &s.regs
	proc.DoLocalTask(rsx.FIFOEmpty)

	if s.frame%scanOutPeriod < scanOutFrames {
		regs.Target = rsx.SurfaceNone
		return errors.Wrap(proc.Flip(regs), "flipping main memory")
	}
	regs.Target = rsx.SurfaceA

	if _, err := proc.DoMethod(rsx.MethodClearSurface, clearAllSurfaces, regs); err != nil {
		return err
	}
	proc.InvalidateTransformConstants()
	if err := proc.End(rsx.DrawRequest{Registers: regs, Clause: s.triangleClause, Vertices: s.triangles}); err != nil {
		return errors.Wrap(err, "drawing triangles")
	}
	if err := proc.End(rsx.DrawRequest{Registers: regs, Clause: s.quadClause, Vertices: s.quad}); err != nil {
		return errors.Wrap(err, "drawing quad")
	}

	if s.frame%writeBackEvery == 0 {
		if _, err := proc.DoMethod(rsx.MethodBackEndWriteSemaphoreRelease, 0, regs); err != nil {
			return errors.Wrap(err, "writing the color surface back")
		}
	}
	if s.frame%textureWriteAt == 0 && proc.OnAccessViolation(TextureAddress, true) {
		core.LogDebug("checker texture invalidated at frame %d", s.frame)
	}
	return errors.Wrap(proc.Flip(regs), "flipping")
}

func (g *TestGame) OnResize(width, height uint32) error {
	g.state.regs.Width, g.state.regs.Height = width, height
	g.state.regs.ColorPitch = width * 4
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("testbed ran %d frames", g.state.frame)
	return nil
}

// release runs on the render thread once the GPU is idle.
func (g *TestGame) release() {
	g.state.programs.release()
	g.state.targets.release()
	g.state.textures.release()
}
