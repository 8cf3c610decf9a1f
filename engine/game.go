package engine

import (
	"github.com/spaghettifunk/rsx/engine/assets"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

// Game is the command stream producer the engine drives once per host frame.
type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnCollaborators   Collaborators
	FnAttach          Attach
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

// CommandProcessor receives the resolved command stream. *rsx.Thread
// implements it.
type CommandProcessor interface {
	End(req rsx.DrawRequest) error
	Flip(regs rsx.Registers) error
	DoMethod(cmd, arg uint32, regs rsx.Registers) (bool, error)
	DoLocalTask(state rsx.FIFOState)
	OnAccessViolation(address uint32, isWrite bool) bool
	InvalidateTransformConstants()
}

type Initialize func(am *assets.AssetManager) error

// Collaborators returns the caches the renderer consults. surface is nil
// when running without a window.
type Collaborators func(surface rsx.Surface) rsx.Collaborators

// Attach runs once the device exists and before the render thread starts.
type Attach func(device gpu.Device, root gpu.RootSignature) error
type Update func(deltaTime float64) error
type Render func(proc CommandProcessor, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
