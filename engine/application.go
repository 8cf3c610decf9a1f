package engine

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// The application name used in windowing, if applicable.
	Name string
	// ConfigPath is the TOML configuration file. It is created with the
	// defaults when missing.
	ConfigPath string
	AssetsDir  string
	// MaxFrames stops the engine after that many frames. Zero runs until quit.
	MaxFrames uint64
}
