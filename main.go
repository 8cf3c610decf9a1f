/*
Runs the renderer against the testbed command stream. The configuration is
read from rsx.toml and written there with the defaults on first run; set
RSX_RENDERER=headless to run without a window.
*/
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spaghettifunk/rsx/engine"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/testbed"
)

const (
	configPath = "rsx.toml"
	assetsDir  = "assets"
	// envFrames stops the testbed after that many frames.
	envFrames = "RSX_FRAMES"
)

func main() {
	var maxFrames uint64
	if v := os.Getenv(envFrames); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			core.LogFatal("invalid %s=%q: %s", envFrames, v, err)
		}
		maxFrames = n
	}
	tb := testbed.NewTestGame(configPath, assetsDir, maxFrames)

	engine, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("%+v", err)
	}

	if err := engine.Initialize(); err != nil {
		core.LogFatal("%+v", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// start shutdown goroutine
	go func() {
		// capture sigterm and other system call here
		<-sigCh
		_ = engine.Shutdown()
	}()

	// run engine
	if err := engine.Run(); err != nil {
		core.LogFatal("%+v", err)
	}
}
