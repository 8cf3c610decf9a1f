package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/assets"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/platform"
	"github.com/spaghettifunk/rsx/engine/renderer"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

const (
	// Frame pacing without a display to wait on.
	targetFrameSeconds = 1.0 / 60.0
	renderQueueSize    = 64
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    atomic.Bool
	isSuspended  bool
	frames       uint64

	cfgMu  sync.Mutex
	config *core.Config
	// configs feeds the render thread, which applies them between tasks.
	configs chan *core.Config
	done    chan struct{}

	watcher      *core.ConfigWatcher
	platform     *platform.Platform
	assetManager *assets.AssetManager
	backend      gpu.Backend
	render       *rsx.Render
	thread       *rsx.Thread

	width    uint32
	height   uint32
	clock    *core.Clock
	lastTime time.Duration
	title    time.Duration
}

func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, errors.New("engine needs a game with an application config")
	}
	e := &Engine{
		currentStage: EngineStageBooting,
		gameInstance: g,
		clock:        core.NewClock(),
		configs:      make(chan *core.Config, 1),
		done:         make(chan struct{}),
	}

	cfg, err := core.LoadOrCreateConfig(g.ApplicationConfig.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	core.SetLogLevel(cfg.Log.Level)
	e.config = cfg
	e.width, e.height = cfg.Video.Width, cfg.Video.Height

	if e.assetManager, err = assets.NewAssetManager(); err != nil {
		return nil, err
	}
	if cfg.Video.Renderer == core.RendererVulkan {
		e.platform = platform.New()
	}
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing
	app := e.gameInstance.ApplicationConfig

	if err := core.InputInitialize(); err != nil {
		return err
	}
	if !core.EventInitialize() {
		return errors.New("failed to initialize the event system")
	}
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_RENDERER_FAILED, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_KEY_PRESSED, e, e.onKey)
	core.EventRegister(core.EVENT_CODE_RESIZED, e, e.onResized)

	var surface rsx.Surface
	var window *platform.Platform
	if e.platform != nil {
		if err := e.platform.Startup(app.Name, app.StartPosX, app.StartPosY, e.width, e.height); err != nil {
			return err
		}
		surface, window = e.platform, e.platform
	}

	if err := e.assetManager.Initialize(app.AssetsDir); err != nil {
		return err
	}
	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e.assetManager); err != nil {
			return err
		}
	}

	cfg := e.currentConfig()
	var err error
	if window != nil {
		e.backend, err = renderer.NewBackend(cfg.Video, window, app.Name)
	} else {
		e.backend, err = renderer.NewBackend(cfg.Video, nil, app.Name)
	}
	if err != nil {
		return err
	}
	shaders, err := renderer.LoadBlitShaders(e.assetManager, cfg.Video.Renderer)
	if err != nil {
		return err
	}

	var collab rsx.Collaborators
	if e.gameInstance.FnCollaborators != nil {
		collab = e.gameInstance.FnCollaborators(surface)
	}
	e.render = rsx.New(e.backend, rsx.Options{Video: cfg.Video, Heaps: cfg.Heaps, Shaders: shaders}, collab)
	if dev := e.render.Device(); dev != nil && e.gameInstance.FnAttach != nil {
		if err := e.gameInstance.FnAttach(dev, e.render.RootSignature()); err != nil {
			return err
		}
	}

	e.thread, err = rsx.StartThread(e.render, renderQueueSize,
		rsx.WithConfigUpdates(e.configs),
		rsx.WithFatalHandler(e.onFatal),
	)
	if err != nil {
		return err
	}

	if e.watcher, err = core.NewConfigWatcher(app.ConfigPath); err != nil {
		core.LogWarn("configuration hot reload disabled: %s", err)
	} else {
		go e.forwardConfig()
	}

	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}
	e.isRunning.Store(true)
	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.New("engine not initialized")
	}
	e.currentStage = EngineStageRunning
	defer e.teardown()

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()
	maxFrames := e.gameInstance.ApplicationConfig.MaxFrames

	for e.isRunning.Load() {
		if e.platform != nil && !e.platform.PumpMessages() {
			e.isRunning.Store(false)
			break
		}
		if e.isSuspended {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime).Seconds()
		frameStart := time.Now()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err)
				return err
			}
		}
		if e.gameInstance.FnRender != nil {
			if err := e.gameInstance.FnRender(e.thread, delta); err != nil {
				if !e.isRunning.Load() {
					break
				}
				core.LogError("game render failed, shutting down: %s", err)
				return err
			}
		}
		e.frames++
		core.InputUpdate()

		if e.platform != nil && currentTime-e.title >= time.Second {
			e.title = currentTime
			e.platform.SetTitle(fmt.Sprintf("%s - %.0f fps", e.gameInstance.ApplicationConfig.Name, e.thread.FPS()))
		}

		if e.platform == nil {
			remaining := targetFrameSeconds - time.Since(frameStart).Seconds()
			if remaining > 0 {
				time.Sleep(time.Duration(remaining * float64(time.Second)))
			}
		}

		if maxFrames > 0 && e.frames >= maxFrames {
			core.LogInfo("rendered %d frames, stopping", e.frames)
			e.isRunning.Store(false)
		}
		e.lastTime = currentTime
	}
	return nil
}

// Shutdown asks the main loop to stop. Run releases everything on its way out.
func (e *Engine) Shutdown() error {
	e.isRunning.Store(false)
	return nil
}

// Frames returns the number of host frames run so far.
func (e *Engine) Frames() uint64 {
	return e.frames
}

func (e *Engine) teardown() {
	e.currentStage = EngineStageShuttingDown
	close(e.done)
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	if e.thread != nil {
		if err := e.thread.Stop(); err != nil {
			core.LogError("render thread exit: %s", err)
		}
	}
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError("game shutdown: %s", err)
		}
	}
	if e.backend != nil {
		renderer.ReleaseBackend(e.backend)
	}
	if err := e.assetManager.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
	if e.platform != nil {
		_ = e.platform.Shutdown()
	}
	core.EventUnregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	core.EventUnregister(core.EVENT_CODE_RENDERER_FAILED, e)
	core.EventUnregister(core.EVENT_CODE_KEY_PRESSED, e)
	core.EventUnregister(core.EVENT_CODE_RESIZED, e)
	_ = core.EventShutdown()
	_ = core.InputShutdown()
	e.currentStage = EngineStageUninitialized
}

func (e *Engine) currentConfig() *core.Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.config.Clone()
}

// pushConfig replaces the configuration and hands it to the render thread.
// Only the newest pending configuration is kept.
func (e *Engine) pushConfig(cfg *core.Config) {
	e.cfgMu.Lock()
	e.config = cfg
	e.cfgMu.Unlock()
	for {
		select {
		case e.configs <- cfg:
			return
		default:
			select {
			case <-e.configs:
			default:
			}
		}
	}
}

func (e *Engine) forwardConfig() {
	for {
		var cfg *core.Config
		select {
		case cfg = <-e.watcher.Updates():
		case <-e.done:
			return
		}
		if err := cfg.ApplyEnv(); err != nil {
			core.LogWarn("ignoring reloaded configuration: %s", err)
			continue
		}
		e.pushConfig(cfg)
		var ctx core.EventContext
		ctx.Payload = cfg
		core.EventFire(core.EVENT_CODE_CONFIG_RELOADED, e, ctx)
	}
}

func (e *Engine) onFatal(msg string, args ...interface{}) {
	core.LogError(msg, args...)
	e.isRunning.Store(false)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning.Store(false)
		return true
	case core.EVENT_CODE_RENDERER_FAILED:
		core.LogError("renderer failed: %s", data.Data.C[0])
		e.isRunning.Store(false)
		return true
	}
	return false
}

func (e *Engine) onKey(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	switch core.KeyCode(data.Data.U16[0]) {
	case core.KEY_ESCAPE:
		core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
		return true
	case core.KEY_F1:
		cfg := e.currentConfig()
		cfg.Video.Overlay = !cfg.Video.Overlay
		e.pushConfig(cfg)
		return true
	case core.KEY_F2:
		cfg := e.currentConfig()
		cfg.Video.VSync = !cfg.Video.VSync
		e.pushConfig(cfg)
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	width, height := uint32(data.Data.U16[0]), uint32(data.Data.U16[1])
	if width == 0 || height == 0 {
		core.LogDebug("window minimized, suspending")
		e.isSuspended = true
		return true
	}
	e.isSuspended = false
	if width == e.width && height == e.height {
		return false
	}
	e.width, e.height = width, height
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError("resize failed: %s", err)
		}
	}
	return false
}
