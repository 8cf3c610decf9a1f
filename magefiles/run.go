//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed in a window on the Vulkan backend.
func (Run) Vulkan() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run rsx on vulkan...")
	_, err := executeCmd("go", withArgs("run", "."), withEnv("RSX_RENDERER", "vulkan"), withStream())
	return err
}

// Runs the testbed without a window for 600 frames.
func (Run) Headless() error {
	fmt.Println("Run rsx headless...")
	_, err := executeCmd("go", withArgs("run", "."),
		withEnv("RSX_RENDERER", "headless"),
		withEnv("RSX_FRAMES", "600"),
		withStream())
	return err
}
