package testbed

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
	"github.com/spaghettifunk/rsx/engine/renderer/rsx"
)

// Clause is a draw clause over a fixed list of (first, count) ranges.
type Clause struct {
	Prim        rsx.Primitive
	Ranges      [][2]uint32
	IndexedDraw bool
	Format      gpu.Format

	pos int
}

func (c *Clause) Primitive() rsx.Primitive { return c.Prim }
func (c *Clause) Begin()                   { c.pos = 0 }

func (c *Clause) Next() bool {
	c.pos++
	return c.pos < len(c.Ranges)
}

func (c *Clause) Range() (uint32, uint32) {
	if c.pos >= len(c.Ranges) {
		return 0, 0
	}
	return c.Ranges[c.pos][0], c.Ranges[c.pos][1]
}

func (c *Clause) Indexed() bool           { return c.IndexedDraw }
func (c *Clause) IndexFormat() gpu.Format { return c.Format }

// Mesh stores float4 positions and float4 colors as two vertex streams and
// optional 16 bit indices, the way they would sit in main memory.
type Mesh struct {
	Positions [][4]float32
	Colors    [][4]float32
	Indices   []uint16
}

func (m *Mesh) Attributes() []rsx.VertexAttribute {
	return []rsx.VertexAttribute{
		{Format: gpu.FormatRGBA32Float, Stride: 16},
		{Format: gpu.FormatRGBA32Float, Stride: 16},
	}
}

func (m *Mesh) ReadVertices(attribute int, first, count uint32) []byte {
	src := m.Positions
	if attribute == 1 {
		src = m.Colors
	}
	out := make([]byte, 0, count*16)
	for i := first; i < first+count && int(i) < len(src); i++ {
		for _, f := range src[i] {
			out = binary.LittleEndian.AppendUint32(out, stdmath.Float32bits(f))
		}
	}
	return out
}

func (m *Mesh) ReadIndices(first, count uint32) []byte {
	out := make([]byte, 0, count*2)
	for i := first; i < first+count && int(i) < len(m.Indices); i++ {
		out = binary.LittleEndian.AppendUint16(out, m.Indices[i])
	}
	return out
}

// Triangles returns two triangles drawn as two ranges of one clause.
func Triangles() (*Mesh, *Clause) {
	m := &Mesh{
		Positions: [][4]float32{
			{-0.9, -0.2, 0, 1}, {-0.5, -0.8, 0, 1}, {-0.1, -0.2, 0, 1},
			{0.1, 0.8, 0, 1}, {0.5, 0.2, 0, 1}, {0.9, 0.8, 0, 1},
		},
		Colors: [][4]float32{
			{1, 0, 0, 1}, {0, 1, 0, 1}, {0, 0, 1, 1},
			{1, 1, 0, 1}, {0, 1, 1, 1}, {1, 0, 1, 1},
		},
	}
	return m, &Clause{Prim: rsx.PrimitiveTriangles, Ranges: [][2]uint32{{0, 3}, {3, 3}}}
}

// Quad returns an indexed quad centered on the origin.
func Quad(size float32) (*Mesh, *Clause) {
	m := &Mesh{
		Positions: [][4]float32{
			{-size, -size, 0, 1}, {size, -size, 0, 1}, {size, size, 0, 1}, {-size, size, 0, 1},
		},
		Colors: [][4]float32{
			{1, 1, 1, 1}, {1, 0.5, 0, 1}, {0, 0.5, 1, 1}, {0.5, 1, 0.5, 1},
		},
		Indices: []uint16{0, 1, 2, 2, 3, 0},
	}
	return m, &Clause{
		Prim:        rsx.PrimitiveTriangles,
		Ranges:      [][2]uint32{{0, 6}},
		IndexedDraw: true,
		Format:      gpu.FormatR16Uint,
	}
}
