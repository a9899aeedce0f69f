// Package nn implements the small set of inference-time layers needed to run
// the glyph backbone and its heads on the CPU.
//
// Tensors are single-sample, channel-major (C×H×W) float32 buffers. Vectors
// are represented as C×1×1 tensors.
package nn

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("shape mismatch")

type Tensor struct {
	C, H, W int
	Data    []float32
}

func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromVector wraps v as a len(v)×1×1 tensor without copying.
func FromVector(v []float32) *Tensor {
	return &Tensor{C: len(v), H: 1, W: 1, Data: v}
}

func (t *Tensor) Len() int { return t.C * t.H * t.W }

func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Plane returns the H×W slice of channel c.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{C: t.C, H: t.H, W: t.W, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d×%d×%d]", t.C, t.H, t.W)
}

func shapeErr(layer string, want, got string) error {
	return fmt.Errorf("%s: expected %s, got %s: %w", layer, want, got, ErrShape)
}
