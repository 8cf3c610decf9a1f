package loaders

type ResourceType int

const (
	ResourceTypeNone ResourceType = iota
	// Raw bytes.
	ResourceTypeBinary
	// Decoded image, Data is an *image.RGBA.
	ResourceTypeImage
	// Compiled SPIR-V module, Data is the little endian byte code.
	ResourceTypeShader
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeBinary:
		return "binary"
	case ResourceTypeImage:
		return "image"
	case ResourceTypeShader:
		return "shader"
	}
	return "none"
}

// Resource is what every loader produces.
type Resource struct {
	Name     string
	FullPath string
	Type     ResourceType
	DataSize uint64
	Data     interface{}
}

type Loader interface {
	Load(name, path string) (*Resource, error)
	Unload(*Resource) error
}
