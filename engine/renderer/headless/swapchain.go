package headless

import (
	"image"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// PresentFunc receives a copy of every presented image, in presentation order.
type PresentFunc func(img *image.RGBA)

type swapChain struct {
	base
	width, height uint32
	buffers       []*texture
	current       uint32
	onPresent     PresentFunc
}

func (s *swapChain) BufferCount() uint32             { return uint32(len(s.buffers)) }
func (s *swapChain) CurrentBackBufferIndex() uint32  { return s.current }
func (s *swapChain) BackBuffer(i uint32) gpu.Texture { return s.buffers[i] }
func (s *swapChain) Width() uint32                   { return s.width }
func (s *swapChain) Height() uint32                  { return s.height }

// Present queues the current back buffer and moves to the next one. There is
// no display to synchronise with, so vsync only matters to real backends.
func (s *swapChain) Present(vsync bool) error {
	if err := s.device.queue.enqueue(submission{present: s, image: s.current}); err != nil {
		return err
	}
	s.current = (s.current + 1) % uint32(len(s.buffers))
	return nil
}

// execute runs on the queue goroutine once all earlier work completed.
func (s *swapChain) execute(i uint32) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	bb := s.buffers[i]
	if st, _ := d.states.Get(bb.ID()); st != gpu.StatePresent {
		d.report("presenting back buffer %d in state %s", i, st)
	}
	d.stats.Presents++
	if s.onPresent != nil {
		img := image.NewRGBA(bb.img.Rect)
		copy(img.Pix, bb.img.Pix)
		s.onPresent(img)
	}
}

func (s *swapChain) Release() {
	for _, b := range s.buffers {
		b.Release()
	}
	s.base.Release()
}

// SetPresentFunc installs fn on a swap chain created by this backend.
func SetPresentFunc(sc gpu.SwapChain, fn PresentFunc) bool {
	hs, ok := sc.(*swapChain)
	if !ok {
		return false
	}
	hs.device.mu.Lock()
	hs.onPresent = fn
	hs.device.mu.Unlock()
	return true
}
