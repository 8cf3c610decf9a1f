package rsx

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/math"
	"github.com/spaghettifunk/rsx/engine/renderer/frame"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// flipSource is the image scaled onto the back buffer and the state it must
// be returned to once the blit was recorded.
type flipSource struct {
	texture gpu.Texture
	mapping gpu.ComponentMapping
	restore gpu.ResourceState
}

// Flip presents the current frame and moves on to the next frame slot.
func (r *Render) Flip(regs Registers) error {
	if r.device == nil {
		return core.ErrNoDevice
	}
	slot := r.frames.Current()
	cmd := slot.Commands()
	r.bindSlot(slot)

	src, err := r.selectFlipSource(slot, regs)
	if err != nil {
		return err
	}

	index := r.swapChain.CurrentBackBufferIndex()
	backBuffer := r.swapChain.BackBuffer(index)
	cmd.Transition(backBuffer, gpu.StatePresent, gpu.StateRenderTarget)

	w, h := r.swapChain.Width(), r.swapChain.Height()
	vp := gpu.Viewport{Width: float32(w), Height: float32(h), MaxDepth: 1}
	box := gpu.Rect{Right: int32(w), Bottom: int32(h)}
	if err := r.scaling.record(cmd, index, backBuffer, src.texture, src.mapping, vp, box); err != nil {
		return err
	}
	// the scaling pass replaced heaps and root signature
	r.boundSlot = -1

	overlay := r.opts.Video.Overlay
	if !overlay {
		cmd.Transition(backBuffer, gpu.StateRenderTarget, gpu.StatePresent)
	}
	if src.texture != nil {
		cmd.Transition(src.texture, gpu.StateGenericRead, src.restore)
	}
	if err := cmd.Close(); err != nil {
		return errors.Wrap(err, "closing frame command context")
	}
	if err := r.queue.Execute(cmd); err != nil {
		return errors.Wrap(err, "submitting frame")
	}

	if overlay {
		if err := r.renderOverlay(slot, backBuffer); err != nil {
			return err
		}
	}

	r.lastTimings = r.timings
	r.timings.Reset()

	flipWatch := startWatch()
	if err := r.swapChain.Present(r.opts.Video.VSync); err != nil {
		return errors.Mark(errors.Wrap(err, "presenting"), core.ErrDeviceLost)
	}
	flipWatch.addTo(&r.timings.Flip)

	// Present moved to the next back buffer: the slot just recorded is now
	// the non current one.
	done := r.frames.NonCurrent()
	if err := r.frames.Signal(done, r.queue); err != nil {
		return err
	}
	for _, res := range r.collab.Targets.TakeInvalidated() {
		done.MarkDirty(res)
	}
	r.frames.RecordMarks(done)

	if err := r.frames.PrepareForUse(r.frames.Current()); err != nil {
		return err
	}
	if r.collab.Surface != nil {
		r.collab.Surface.Flip()
	}

	r.frameClock.Update()
	r.metrics.Update(r.frameClock.Elapsed())
	r.frameClock.Start()
	return nil
}

func (r *Render) selectFlipSource(slot *frame.Slot, regs Registers) (flipSource, error) {
	if !regs.SurfaceColorTarget().GPULocal() {
		if r.collab.Memory == nil {
			return flipSource{}, nil
		}
		buf, ok := r.collab.Memory.DisplayBuffer()
		if !ok || buf.Width == 0 || buf.Height == 0 {
			return flipSource{}, nil
		}
		tex, err := r.uploadDisplayBuffer(slot, buf)
		if err != nil {
			return flipSource{}, err
		}
		return flipSource{texture: tex, mapping: gpu.ARGBMapping, restore: gpu.StateCopyDest}, nil
	}

	for i := 0; i < 2; i++ {
		if t := r.collab.Targets.Bound(i); t != nil {
			slot.Commands().Transition(t, gpu.StateRenderTarget, gpu.StateGenericRead)
			return flipSource{texture: t, mapping: gpu.DefaultMapping, restore: gpu.StateRenderTarget}, nil
		}
	}
	return flipSource{}, nil
}

// uploadDisplayBuffer copies a framebuffer living in emulated memory into the
// slot's main memory image, leaving it readable by shaders.
func (r *Render) uploadDisplayBuffer(slot *frame.Slot, buf DisplayBuffer) (gpu.Texture, error) {
	rowBytes := uint64(buf.Width) * 4
	if uint64(len(buf.Pixels)) < rowBytes*uint64(buf.Height) {
		return nil, errors.Newf("display buffer %dx%d holds only %d bytes", buf.Width, buf.Height, len(buf.Pixels))
	}
	rowPitch := math.AlignUp(rowBytes, textureRowAlignment)
	size := rowPitch * uint64(buf.Height)

	off, err := r.upload.Alloc(size, texturePlacement)
	if err != nil {
		return nil, errors.Wrap(err, "allocating display buffer upload")
	}
	dst, err := r.upload.Map(off, size)
	if err != nil {
		return nil, err
	}
	for y := uint64(0); y < uint64(buf.Height); y++ {
		copy(dst[y*rowPitch:y*rowPitch+rowBytes], buf.Pixels[y*rowBytes:(y+1)*rowBytes])
	}
	r.upload.Unmap(off, size)
	r.timings.BufferUploadSize += size

	tex, err := slot.MainMemoryImage(buf.Width, buf.Height)
	if err != nil {
		return nil, err
	}
	cmd := slot.Commands()
	cmd.CopyBufferToTexture(tex, r.upload.Buffer(), off, uint32(rowPitch))
	cmd.Transition(tex, gpu.StateCopyDest, gpu.StateGenericRead)
	return tex, nil
}

// renderOverlay records the overlay on its own command context after the
// frame was submitted, then hands the back buffer to the presentation engine.
func (r *Render) renderOverlay(slot *frame.Slot, backBuffer gpu.Texture) error {
	if err := r.ensureOverlayCommands(); err != nil {
		return err
	}
	cmd := r.overlayCmds[slot.Index()]
	if err := cmd.Reset(); err != nil {
		return errors.Wrap(err, "resetting overlay command context")
	}
	if r.collab.Overlay != nil {
		cmd.SetRenderTargets(backBuffer)
		if err := r.collab.Overlay.Render(cmd, backBuffer, r.timings); err != nil {
			core.LogWarn("overlay failed: %s", err)
		}
	}
	cmd.Transition(backBuffer, gpu.StateRenderTarget, gpu.StatePresent)
	if err := cmd.Close(); err != nil {
		return errors.Wrap(err, "closing overlay command context")
	}
	return r.queue.Execute(cmd)
}

// copyRenderTargetToMemory writes the first color target back to emulated
// memory and waits for the copy to land.
func (r *Render) copyRenderTargetToMemory(regs Registers) error {
	src := r.collab.Targets.Bound(0)
	if src == nil || r.collab.Memory == nil {
		return nil
	}
	address, pitch := regs.ColorOutput()
	width, height := src.Width(), src.Height()
	rowBytes := uint64(width) * 4
	rowPitch := math.AlignUp(rowBytes, textureRowAlignment)
	size := rowPitch * uint64(height)
	if pitch == 0 {
		pitch = uint32(rowBytes)
	}

	slot := r.frames.Current()
	r.bindSlot(slot)
	cmd := slot.Commands()
	off, err := r.readback.Alloc(size, texturePlacement)
	if err != nil {
		return errors.Wrap(err, "allocating readback")
	}
	cmd.Transition(src, gpu.StateRenderTarget, gpu.StateCopySource)
	cmd.CopyTextureToBuffer(r.readback.Buffer(), off, uint32(rowPitch), src)
	cmd.Transition(src, gpu.StateCopySource, gpu.StateRenderTarget)
	if err := cmd.Close(); err != nil {
		return errors.Wrap(err, "closing command context")
	}
	if err := r.queue.Execute(cmd); err != nil {
		return errors.Wrap(err, "submitting readback")
	}
	if err := r.queue.WaitIdle(); err != nil {
		return err
	}

	data, err := r.readback.Map(off, size)
	if err != nil {
		return err
	}
	for y := uint64(0); y < uint64(height); y++ {
		row := data[y*rowPitch : y*rowPitch+rowBytes]
		if err := r.collab.Memory.Write(address+uint32(y)*pitch, row); err != nil {
			r.readback.Unmap(off, 0)
			return errors.Wrapf(err, "writing render target row %d", y)
		}
	}
	r.readback.Unmap(off, 0)
	return slot.Reopen()
}
