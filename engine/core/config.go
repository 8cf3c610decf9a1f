package core

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	RendererVulkan   = "vulkan"
	RendererHeadless = "headless"

	RingPolicyFail  = "fail"
	RingPolicyBlock = "block"

	// Environment variables overriding the configuration file.
	EnvRenderer = "RSX_RENDERER"
	EnvLogLevel = "RSX_LOG_LEVEL"
)

type VideoConfig struct {
	// Renderer selects the native backend: "vulkan" or "headless".
	Renderer string `toml:"renderer"`
	// Adapter is matched against the adapter description. Empty selects the default adapter.
	Adapter string `toml:"adapter"`
	VSync   bool   `toml:"vsync"`
	// DebugOutput enables validation layers and flushes the command list after every draw.
	DebugOutput bool   `toml:"debug_output"`
	Overlay     bool   `toml:"overlay"`
	Width       uint32 `toml:"width"`
	Height      uint32 `toml:"height"`
}

type HeapConfig struct {
	UploadSize      uint64 `toml:"upload_size"`
	ReadbackSize    uint64 `toml:"readback_size"`
	VertexSize      uint64 `toml:"vertex_size"`
	ViewPageSize    uint32 `toml:"view_page_size"`
	SamplerPageSize uint32 `toml:"sampler_page_size"`
	// TextureTableSize is the number of texture and sampler slots a draw can bind.
	TextureTableSize uint32 `toml:"texture_table_size"`
	// RingPolicy decides what an allocation does when the ring is full: "fail" or "block".
	RingPolicy string `toml:"ring_policy"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Video VideoConfig `toml:"video"`
	Heaps HeapConfig  `toml:"heaps"`
	Log   LogConfig   `toml:"log"`
}

// DefaultConfig mirrors the sizes the renderer has always shipped with.
func DefaultConfig() *Config {
	return &Config{
		Video: VideoConfig{
			Renderer: RendererVulkan,
			VSync:    true,
			Width:    1280,
			Height:   720,
		},
		Heaps: HeapConfig{
			UploadSize:       1024 * 1024 * 896,
			ReadbackSize:     1024 * 1024 * 128,
			VertexSize:       1024 * 1024 * 16,
			ViewPageSize:     10000,
			SamplerPageSize:  2048,
			TextureTableSize: 16,
			RingPolicy:       RingPolicyFail,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateConfig loads path, writing the defaults there first when the
// file does not exist yet.
func LoadOrCreateConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		LogInfo("wrote default configuration to %s", path)
		return cfg, nil
	}
	return LoadConfig(path)
}

// ApplyEnv overrides the renderer and log level from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRenderer); v != "" {
		c.Video.Renderer = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return c.Validate()
}

// Clone returns a copy that can be changed without affecting c.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

func (c *Config) Validate() error {
	switch c.Video.Renderer {
	case RendererVulkan, RendererHeadless:
	default:
		return errors.Newf("unknown renderer `%s`", c.Video.Renderer)
	}
	switch c.Heaps.RingPolicy {
	case RingPolicyFail, RingPolicyBlock:
	default:
		return errors.Newf("unknown ring policy `%s`", c.Heaps.RingPolicy)
	}
	if c.Heaps.UploadSize == 0 || c.Heaps.ReadbackSize == 0 || c.Heaps.VertexSize == 0 {
		return errors.New("heap sizes must be greater than zero")
	}
	if c.Heaps.ViewPageSize == 0 || c.Heaps.SamplerPageSize == 0 {
		return errors.New("descriptor page sizes must be greater than zero")
	}
	if c.Heaps.TextureTableSize == 0 || c.Heaps.TextureTableSize > c.Heaps.SamplerPageSize {
		return errors.Newf("texture_table_size %d must be between 1 and the sampler page size %d",
			c.Heaps.TextureTableSize, c.Heaps.SamplerPageSize)
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing config %s", path)
}
