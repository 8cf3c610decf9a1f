// Package descriptor hands out shader-visible descriptor tables from paged heaps.
package descriptor

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

var ErrTableTooLarge = errors.New("descriptor table larger than a heap page")

// SwitchFunc is called after the allocator moved to a new page so the
// recording context can rebind its heaps.
type SwitchFunc func(page gpu.DescriptorHeap)

type Allocator struct {
	device       gpu.Device
	kind         gpu.HeapKind
	capacity     uint32
	reservedBase uint32

	pages    []gpu.DescriptorHeap
	page     int
	cursor   uint32
	switches int
	onSwitch SwitchFunc
}

// New creates an allocator with `pages` pre-allocated heap pages of `capacity`
// descriptors each. The first reservedBase slots of every page are never handed out.
func New(device gpu.Device, kind gpu.HeapKind, capacity, reservedBase uint32, pages int) (*Allocator, error) {
	if reservedBase >= capacity {
		return nil, errors.Newf("%s heap: reserved base %d leaves no room in %d slots", kind, reservedBase, capacity)
	}
	if pages < 1 {
		pages = 1
	}
	a := &Allocator{
		device:       device,
		kind:         kind,
		capacity:     capacity,
		reservedBase: reservedBase,
		cursor:       reservedBase,
	}
	for i := 0; i < pages; i++ {
		if _, err := a.newPage(); err != nil {
			a.Release()
			return nil, err
		}
	}
	return a, nil
}

func (a *Allocator) newPage() (gpu.DescriptorHeap, error) {
	heap, err := a.device.CreateDescriptorHeap(a.kind, a.capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s heap page %d", a.kind, len(a.pages))
	}
	a.pages = append(a.pages, heap)
	return heap, nil
}

func (a *Allocator) SetSwitchFunc(fn SwitchFunc) {
	a.onSwitch = fn
}

func (a *Allocator) Kind() gpu.HeapKind          { return a.kind }
func (a *Allocator) Capacity() uint32            { return a.capacity }
func (a *Allocator) Cursor() uint32              { return a.cursor }
func (a *Allocator) PageIndex() int              { return a.page }
func (a *Allocator) PageCount() int              { return len(a.pages) }
func (a *Allocator) Current() gpu.DescriptorHeap { return a.pages[a.page] }

// Switches returns how many page switches happened since the last Reset.
func (a *Allocator) Switches() int { return a.switches }

// Reserve returns a table of count contiguous descriptors. When the current
// page cannot hold them the allocator switches page first, so a table never
// crosses a page boundary.
func (a *Allocator) Reserve(count uint32) (Table, error) {
	if count > a.capacity-a.reservedBase {
		return Table{}, errors.Wrapf(ErrTableTooLarge, "%s: %d descriptors, page holds %d", a.kind, count, a.capacity-a.reservedBase)
	}
	if a.cursor+count > a.capacity {
		if err := a.switchPage(); err != nil {
			return Table{}, err
		}
	}
	t := Table{heap: a.pages[a.page], page: a.page, base: a.cursor, count: count}
	a.cursor += count
	return t, nil
}

func (a *Allocator) switchPage() error {
	next := a.page + 1
	if next == len(a.pages) {
		if _, err := a.newPage(); err != nil {
			return err
		}
		core.LogDebug("%s descriptor heap grew to %d pages", a.kind, len(a.pages))
	}
	a.page = next
	a.cursor = a.reservedBase
	a.switches++
	if a.onSwitch != nil {
		a.onSwitch(a.pages[a.page])
	}
	return nil
}

// Reset returns to the first page. Descriptors written during the previous use
// of the pages become garbage.
func (a *Allocator) Reset() {
	a.page = 0
	a.cursor = a.reservedBase
	a.switches = 0
}

func (a *Allocator) Release() {
	for _, p := range a.pages {
		p.Release()
	}
	a.pages = nil
}
