package rsx

import (
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
)

var ErrThreadStopped = errors.New("render thread stopped")

// FatalFunc reports an unrecoverable renderer error. The default exits the process.
type FatalFunc func(msg string, args ...interface{})

type ThreadOption func(*Thread)

// WithFatalHandler replaces the handler invoked when a renderer call fails or
// the thread could not initialize. No frame is rolled back after a failure.
func WithFatalHandler(fn FatalFunc) ThreadOption {
	return func(t *Thread) { t.fatal = fn }
}

// WithConfigUpdates applies every configuration received on ch between tasks.
func WithConfigUpdates(ch <-chan *core.Config) ThreadOption {
	return func(t *Thread) { t.configs = ch }
}

type task struct {
	run  func() error
	done chan error
}

// Thread owns a Render and runs all of its methods on a single goroutine
// locked to an OS thread, as native graphics APIs expect.
type Thread struct {
	render  *Render
	tasks   chan task
	configs <-chan *core.Config
	fatal   FatalFunc

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	exitErr  error
	stopOnce sync.Once
}

// StartThread starts the render goroutine and waits for it to initialize.
func StartThread(render *Render, queueSize int, opts ...ThreadOption) (*Thread, error) {
	if queueSize < 0 {
		return nil, errors.Newf("negative render queue size %d", queueSize)
	}
	t := &Thread{
		render: render,
		tasks:  make(chan task, queueSize),
		fatal:  core.LogFatal,
	}
	for _, opt := range opts {
		opt(t)
	}

	ready := make(chan error, 1)
	t.wg.Add(1)
	go t.loop(ready)
	if err := <-ready; err != nil {
		t.wg.Wait()
		return nil, err
	}
	return t, nil
}

func (t *Thread) loop(ready chan<- error) {
	defer t.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := t.render.OnInitThread(); err != nil {
		t.fatal("render thread failed to start: %s", err)
		ready <- err
		return
	}
	ready <- nil

	for {
		select {
		case tk, ok := <-t.tasks:
			if !ok {
				t.exitErr = t.render.OnExit()
				return
			}
			err := tk.run()
			if err != nil {
				ctx := core.EventContext{}
				ctx.Data.C[0] = err.Error()
				core.EventFire(core.EVENT_CODE_RENDERER_FAILED, t, ctx)
				t.fatal("renderer failed: %s", err)
			}
			tk.done <- err
		case cfg, ok := <-t.configs:
			if !ok {
				t.configs = nil
				continue
			}
			if err := t.render.ApplyConfig(cfg); err != nil {
				core.LogError("unable to apply configuration: %s", err)
			}
		}
	}
}

// do runs fn on the render goroutine and waits for its result.
func (t *Thread) do(fn func() error) error {
	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		return ErrThreadStopped
	}
	done := make(chan error, 1)
	t.tasks <- task{run: fn, done: done}
	t.mu.RUnlock()
	return <-done
}

func (t *Thread) End(req DrawRequest) error {
	return t.do(func() error { return t.render.End(req) })
}

func (t *Thread) Flip(regs Registers) error {
	return t.do(func() error { return t.render.Flip(regs) })
}

func (t *Thread) DoMethod(cmd, arg uint32, regs Registers) (bool, error) {
	var handled bool
	err := t.do(func() error {
		var err error
		handled, err = t.render.DoMethod(cmd, arg, regs)
		return err
	})
	return handled, err
}

func (t *Thread) DoLocalTask(state FIFOState) {
	_ = t.do(func() error {
		t.render.DoLocalTask(state)
		return nil
	})
}

func (t *Thread) OnAccessViolation(address uint32, isWrite bool) bool {
	var retry bool
	_ = t.do(func() error {
		retry = t.render.OnAccessViolation(address, isWrite)
		return nil
	})
	return retry
}

func (t *Thread) InvalidateTransformConstants() {
	_ = t.do(func() error {
		t.render.InvalidateTransformConstants()
		return nil
	})
}

func (t *Thread) FPS() float64 {
	var fps float64
	_ = t.do(func() error {
		fps = t.render.FPS()
		return nil
	})
	return fps
}

// LastTimings returns the stats of the last presented frame.
func (t *Thread) LastTimings() TimingStats {
	var stats TimingStats
	_ = t.do(func() error {
		stats = t.render.LastTimings()
		return nil
	})
	return stats
}

// Stop drains pending work, releases the renderer and waits for the
// goroutine to exit.
func (t *Thread) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		close(t.tasks)
		t.mu.Unlock()
		t.wg.Wait()
	})
	return t.exitErr
}
