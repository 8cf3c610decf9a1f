package headless

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// blit emulates a full-screen pass: the texture in root table 0 is sampled
// with the sampler in root table 1 and scaled into the viewport of the first
// render target, clipped by the scissor rectangle.
func (x *executor) blit() {
	src, mapping, ok := x.blitSource()
	if !ok {
		return
	}
	interp := draw.Interpolator(draw.NearestNeighbor)
	if st, bound := x.tables[1]; bound && st.heap.kind == gpu.HeapSamplers {
		if s := st.heap.samplers[st.index]; s != nil && s.Filter != gpu.FilterPoint {
			interp = draw.BiLinear
		}
	}

	dst := x.targets[0]
	dr := image.Rect(
		int(x.viewport.X), int(x.viewport.Y),
		int(x.viewport.X+x.viewport.Width), int(x.viewport.Y+x.viewport.Height),
	)
	clip := image.Rect(int(x.scissor.Left), int(x.scissor.Top), int(x.scissor.Right), int(x.scissor.Bottom))
	if !clip.Empty() {
		dr = dr.Intersect(clip)
	}
	dr = dr.Intersect(dst.img.Rect)
	if dr.Empty() {
		return
	}

	img := swizzle(src.img, mapping)
	interp.Scale(dst.img, dr, img, img.Rect, draw.Src, nil)
	x.d.stats.Blits++
}

func (x *executor) blitSource() (*texture, gpu.ComponentMapping, bool) {
	t, bound := x.tables[0]
	if !bound || t.heap.kind != gpu.HeapViews {
		x.d.report("blit without a source view in root table 0")
		return nil, gpu.ComponentMapping{}, false
	}
	v := t.heap.views[t.index]
	if v == nil || v.Kind != gpu.ViewTexture || v.Texture == nil {
		x.d.report("blit source descriptor %d is not a texture view", t.index)
		return nil, gpu.ComponentMapping{}, false
	}
	src, ok := v.Texture.(*texture)
	if !ok {
		x.d.report("blit source is a foreign texture %T", v.Texture)
		return nil, gpu.ComponentMapping{}, false
	}
	x.expect(src, gpu.StateGenericRead, "blit source")
	return src, v.Mapping, true
}

func swizzle(img *image.RGBA, m gpu.ComponentMapping) *image.RGBA {
	if m == gpu.DefaultMapping || m == (gpu.ComponentMapping{}) {
		return img
	}
	out := image.NewRGBA(img.Rect)
	for i := 0; i+3 < len(img.Pix); i += 4 {
		for c := 0; c < 4; c++ {
			out.Pix[i+c] = img.Pix[i+int(m[c]&3)]
		}
	}
	return out
}
