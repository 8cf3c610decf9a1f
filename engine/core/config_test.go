package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsx.toml")
	cfg, err := LoadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.FileExists(t, path)

	again, err := LoadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsx.toml")
	require.NoError(t, os.WriteFile(path, []byte("[video]\nvsync = false\nrenderer = \"headless\"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Video.VSync)
	assert.Equal(t, RendererHeadless, cfg.Video.Renderer)
	assert.Equal(t, DefaultConfig().Heaps, cfg.Heaps)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Video.Renderer = "d3d12"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.RingPolicy = "grow"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.VertexSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.SamplerPageSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.TextureTableSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.TextureTableSize = cfg.Heaps.SamplerPageSize + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Heaps.TextureTableSize = 20
	assert.NoError(t, cfg.Validate())

	assert.NoError(t, DefaultConfig().Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvRenderer, RendererHeadless)
	t.Setenv(EnvLogLevel, "debug")
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, RendererHeadless, cfg.Video.Renderer)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv(EnvRenderer, "opengl")
	assert.Error(t, DefaultConfig().ApplyEnv())
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	c := cfg.Clone()
	c.Video.Overlay = true
	assert.False(t, cfg.Video.Overlay)
}

func TestConfigWatcherPublishesReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsx.toml")
	require.NoError(t, DefaultConfig().Save(path))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Close()

	cfg := DefaultConfig()
	cfg.Video.Overlay = true
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-cw.Updates():
		assert.True(t, got.Video.Overlay)
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration update")
	}
}
