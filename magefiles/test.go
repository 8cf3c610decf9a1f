//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

// Runs the unit tests with the race detector.
func Test() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs go vet over the module.
func Vet() error {
	mg.Deps(Test)
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}
