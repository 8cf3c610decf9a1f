package loaders

import (
	"os"

	"github.com/cockroachdb/errors"
)

type BinaryLoader struct{}

func (bl *BinaryLoader) Load(name, path string) (*Resource, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return &Resource{
		Name:     name,
		FullPath: path,
		Type:     ResourceTypeBinary,
		DataSize: uint64(len(buf)),
		Data:     buf,
	}, nil
}

func (bl *BinaryLoader) Unload(res *Resource) error {
	res.Data = nil
	res.DataSize = 0
	return nil
}
