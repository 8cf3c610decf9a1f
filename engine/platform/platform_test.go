package platform

import (
	"testing"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/rsx/engine/core"
)

func TestTranslateKey(t *testing.T) {
	tests := []struct {
		key  glfw.Key
		want core.KeyCode
		ok   bool
	}{
		{glfw.KeyA, core.KEY_A, true},
		{glfw.KeyZ, core.KEY_Z, true},
		{glfw.KeyF1, core.KEY_F1, true},
		{glfw.KeyF12, core.KEY_F12, true},
		{glfw.KeyEscape, core.KEY_ESCAPE, true},
		{glfw.KeyDown, core.KEY_DOWN, true},
		{glfw.KeyF13, 0, false},
		{glfw.KeyUnknown, 0, false},
	}
	for _, tt := range tests {
		got, ok := translateKey(tt.key)
		assert.Equal(t, tt.ok, ok, "key %d", tt.key)
		assert.Equal(t, tt.want, got, "key %d", tt.key)
	}
}
