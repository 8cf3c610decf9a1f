package descriptor

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// Table is a contiguous run of descriptors inside one heap page.
type Table struct {
	heap  gpu.DescriptorHeap
	page  int
	base  uint32
	count uint32
}

func (t Table) Heap() gpu.DescriptorHeap { return t.heap }
func (t Table) Page() int                { return t.page }
func (t Table) Base() uint32             { return t.base }
func (t Table) Len() uint32              { return t.count }

// At returns the heap index of the i-th descriptor of the table.
func (t Table) At(i uint32) (uint32, error) {
	if i >= t.count {
		return 0, errors.Wrapf(gpu.ErrOutOfRange, "index %d, table of %d", i, t.count)
	}
	return t.base + i, nil
}

// Sub returns the count descriptors starting at the i-th one.
func (t Table) Sub(i, count uint32) (Table, error) {
	if i+count > t.count {
		return Table{}, errors.Wrapf(gpu.ErrOutOfRange, "sub-table [%d, %d) of %d", i, i+count, t.count)
	}
	return Table{heap: t.heap, page: t.page, base: t.base + i, count: count}, nil
}

func (t Table) WriteView(i uint32, desc gpu.ViewDesc) error {
	idx, err := t.At(i)
	if err != nil {
		return err
	}
	return t.heap.WriteView(idx, desc)
}

func (t Table) WriteSampler(i uint32, desc gpu.SamplerDesc) error {
	idx, err := t.At(i)
	if err != nil {
		return err
	}
	return t.heap.WriteSampler(idx, desc)
}

// CopyFrom fills the whole table from src starting at srcIndex.
func (t Table) CopyFrom(device gpu.Device, src gpu.DescriptorHeap, srcIndex uint32) error {
	if t.count == 0 {
		return nil
	}
	return device.CopyDescriptors(t.heap, t.base, src, srcIndex, t.count)
}
