package descriptor

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/headless"
)

func newDevice(t *testing.T) gpu.Device {
	t.Helper()
	dev, err := headless.New().CreateDevice("")
	require.NoError(t, err)
	t.Cleanup(dev.Release)
	return dev
}

func TestSamplerPageSwitchBeforeWrite(t *testing.T) {
	dev := newDevice(t)
	a, err := New(dev, gpu.HeapSamplers, 32, 0, 2)
	require.NoError(t, err)
	defer a.Release()

	var rebinds []gpu.DescriptorHeap
	a.SetSwitchFunc(func(page gpu.DescriptorHeap) {
		rebinds = append(rebinds, page)
	})

	_, err = a.Reserve(16)
	require.NoError(t, err)
	require.Equal(t, uint32(16), a.Cursor())
	first := a.Current()

	// 16 slots remain, 20 textures need 20 samplers
	table, err := a.Reserve(20)
	require.NoError(t, err)
	require.Equal(t, 1, a.Switches())
	require.Len(t, rebinds, 1)
	require.NotSame(t, first, table.Heap())
	require.Equal(t, rebinds[0], table.Heap())
	require.Equal(t, 1, table.Page())
	require.Equal(t, uint32(0), table.Base())

	for i := uint32(0); i < table.Len(); i++ {
		require.NoError(t, table.WriteSampler(i, gpu.SamplerDesc{Filter: gpu.FilterLinear}))
	}
	require.Len(t, rebinds, 1)
}

func TestTablesNeverCrossPages(t *testing.T) {
	dev := newDevice(t)
	const capacity = 64
	a, err := New(dev, gpu.HeapViews, capacity, 2, 1)
	require.NoError(t, err)
	defer a.Release()

	switches := 0
	a.SetSwitchFunc(func(gpu.DescriptorHeap) { switches++ })

	for _, n := range []uint32{7, 30, 20, 9, 62, 1, 33, 33, 5} {
		before := a.Switches()
		remaining := capacity - a.Cursor()
		table, err := a.Reserve(n)
		require.NoError(t, err)
		require.LessOrEqual(t, table.Base()+table.Len(), uint32(capacity))
		require.GreaterOrEqual(t, table.Base(), uint32(2))
		if n > remaining {
			require.Equal(t, before+1, a.Switches())
		} else {
			require.Equal(t, before, a.Switches())
		}
	}
	require.Equal(t, a.Switches(), switches)
	require.Equal(t, a.Switches()+1, a.PageCount())

	a.Reset()
	require.Equal(t, 0, a.PageIndex())
	require.Equal(t, uint32(2), a.Cursor())
	require.Equal(t, 0, a.Switches())
}

func TestReserveTooLarge(t *testing.T) {
	dev := newDevice(t)
	a, err := New(dev, gpu.HeapViews, 16, 1, 1)
	require.NoError(t, err)
	defer a.Release()

	_, err = a.Reserve(16)
	require.True(t, errors.Is(err, ErrTableTooLarge))
	_, err = a.Reserve(15)
	require.NoError(t, err)
}

func TestTableAtIsBoundsChecked(t *testing.T) {
	dev := newDevice(t)
	a, err := New(dev, gpu.HeapViews, 16, 0, 1)
	require.NoError(t, err)
	defer a.Release()

	_, err = a.Reserve(3)
	require.NoError(t, err)
	table, err := a.Reserve(4)
	require.NoError(t, err)

	idx, err := table.At(3)
	require.NoError(t, err)
	require.Equal(t, uint32(6), idx)
	_, err = table.At(4)
	require.True(t, errors.Is(err, gpu.ErrOutOfRange))

	sub, err := table.Sub(1, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(4), sub.Base())
	_, err = table.Sub(3, 2)
	require.True(t, errors.Is(err, gpu.ErrOutOfRange))

	require.NoError(t, table.WriteView(0, gpu.ViewDesc{Kind: gpu.ViewConstantBuffer}))
	require.Error(t, table.WriteView(4, gpu.ViewDesc{}))
}

func TestCopyFromScratchHeap(t *testing.T) {
	dev := newDevice(t)
	scratch, err := dev.CreateDescriptorHeap(gpu.HeapSamplers, 16)
	require.NoError(t, err)
	a, err := New(dev, gpu.HeapSamplers, 16, 0, 1)
	require.NoError(t, err)
	defer a.Release()

	table, err := a.Reserve(16)
	require.NoError(t, err)
	require.NoError(t, table.CopyFrom(dev, scratch, 0))

	views, err := dev.CreateDescriptorHeap(gpu.HeapViews, 16)
	require.NoError(t, err)
	require.Error(t, table.CopyFrom(dev, views, 0))
}
