package loaders

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
)

const spirvMagic uint32 = 0x07230203

var ErrNotSPIRV = errors.New("not a SPIR-V module")

// ShaderLoader reads compiled SPIR-V modules as produced by glslc.
type ShaderLoader struct{}

func (sl *ShaderLoader) Load(name, path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if err := ValidateSPIRV(data); err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return &Resource{
		Name:     name,
		FullPath: path,
		Type:     ResourceTypeShader,
		DataSize: uint64(len(data)),
		Data:     data,
	}, nil
}

func (sl *ShaderLoader) Unload(res *Resource) error {
	res.Data = nil
	res.DataSize = 0
	return nil
}

// ValidateSPIRV checks the header of a little endian SPIR-V module.
func ValidateSPIRV(code []byte) error {
	// magic, version, generator, bound, schema
	if len(code) < 5*4 || len(code)%4 != 0 {
		return errors.Mark(errors.Newf("%d bytes is not a whole number of SPIR-V words", len(code)), ErrNotSPIRV)
	}
	if magic := binary.LittleEndian.Uint32(code); magic != spirvMagic {
		return errors.Mark(errors.Newf("bad magic %#08x", magic), ErrNotSPIRV)
	}
	return nil
}
