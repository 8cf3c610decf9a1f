// Package renderer picks the native backend the render thread runs on.
package renderer

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/assets"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/headless"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
	"github.com/spaghettifunk/rsx/engine/renderer/vulkan"
)

const (
	BlitVertexShader   = "shaders/blit.vert.spv"
	BlitFragmentShader = "shaders/blit.frag.spv"
)

// NewBackend returns the backend named by cfg.Renderer. window is only used
// by the Vulkan backend and may be nil otherwise.
func NewBackend(cfg core.VideoConfig, window vulkan.SurfaceProvider, appName string) (gpu.Backend, error) {
	switch cfg.Renderer {
	case core.RendererHeadless:
		return headless.New(), nil
	case core.RendererVulkan:
		if window == nil {
			return nil, errors.New("the vulkan renderer needs a window")
		}
		return vulkan.New(window, appName), nil
	}
	return nil, errors.Newf("unknown renderer `%s`", cfg.Renderer)
}

// ReleaseBackend frees what the backend holds beyond its devices.
func ReleaseBackend(b gpu.Backend) {
	if r, ok := b.(interface{ Release() }); ok {
		r.Release()
	}
}

// LoadBlitShaders loads the output scaling shaders. The headless backend
// emulates the blit and runs without them.
func LoadBlitShaders(am *assets.AssetManager, renderer string) (rsx.BlitShaders, error) {
	shaders, err := loadBlitShaders(am)
	if err == nil {
		return shaders, nil
	}
	if renderer == core.RendererHeadless {
		core.LogDebug("blit shaders unavailable, the headless backend emulates the blit: %s", err)
		return rsx.BlitShaders{}, nil
	}
	return rsx.BlitShaders{}, errors.Wrap(err, "loading output scaling shaders (run `mage build:shaders`)")
}

func loadBlitShaders(am *assets.AssetManager) (rsx.BlitShaders, error) {
	vert, err := am.LoadAsset(BlitVertexShader)
	if err != nil {
		return rsx.BlitShaders{}, err
	}
	frag, err := am.LoadAsset(BlitFragmentShader)
	if err != nil {
		return rsx.BlitShaders{}, err
	}
	return rsx.BlitShaders{Vertex: vert.Data.([]byte), Fragment: frag.Data.([]byte)}, nil
}
