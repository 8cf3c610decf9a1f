package testbed

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

// transformConstantCount is the number of float4 vertex constants.
const transformConstantCount = 468

// Registers is the register file of the synthetic command stream.
type Registers struct {
	Width, Height uint32
	Target        rsx.SurfaceTarget
	// ColorAddress is where color surface A is written back in main memory.
	ColorAddress uint32
	ColorPitch   uint32
	Stencil      uint32
	// Angle rotates the geometry through the first transform constants.
	Angle float32
}

func (r *Registers) SurfaceClip() (uint32, uint32) { return r.Width, r.Height }

func (r *Registers) Scissor() gpu.Rect {
	return gpu.Rect{Right: int32(r.Width), Bottom: int32(r.Height)}
}

func (r *Registers) SurfaceColorTarget() rsx.SurfaceTarget { return r.Target }
func (r *Registers) ColorOutput() (uint32, uint32)         { return r.ColorAddress, r.ColorPitch }
func (r *Registers) StencilRef() uint32                    { return r.Stencil }

func (r *Registers) ScaleOffset() [16]float32 {
	return [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TransformConstants holds a rotation about z in the first two constants.
func (r *Registers) TransformConstants() []byte {
	out := make([]byte, transformConstantCount*16)
	s, c := stdmath.Sincos(float64(r.Angle))
	rows := [8]float32{
		float32(c), float32(-s), 0, 0,
		float32(s), float32(c), 0, 0,
	}
	for i, f := range rows {
		binary.LittleEndian.PutUint32(out[i*4:], stdmath.Float32bits(f))
	}
	return out
}
