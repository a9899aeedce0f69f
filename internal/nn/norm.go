package nn

import (
	"fmt"
	"math"
)

const (
	BatchNormEps = 1e-5
	LayerNormEps = 1e-5
)

// BatchNorm2d applies the eval-mode affine transform using running
// statistics.
type BatchNorm2d struct {
	C           int
	Eps         float32
	Weight      []float32
	Bias        []float32
	RunningMean []float32
	RunningVar  []float32
}

func NewBatchNorm2d(c int) *BatchNorm2d {
	bn := &BatchNorm2d{
		C:           c,
		Eps:         BatchNormEps,
		Weight:      make([]float32, c),
		Bias:        make([]float32, c),
		RunningMean: make([]float32, c),
		RunningVar:  make([]float32, c),
	}
	for i := 0; i < c; i++ {
		bn.Weight[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

func (b *BatchNorm2d) scale(c int) float32 {
	return b.Weight[c] / float32(math.Sqrt(float64(b.RunningVar[c]+b.Eps)))
}

func (b *BatchNorm2d) Forward(x *Tensor) (*Tensor, error) {
	if x.C != b.C {
		return nil, shapeErr("batchnorm", fmt.Sprintf("%d channels", b.C), x.String())
	}
	out := NewTensor(x.C, x.H, x.W)
	for c := 0; c < x.C; c++ {
		s := b.scale(c)
		shift := b.Bias[c] - b.RunningMean[c]*s
		src, dst := x.Plane(c), out.Plane(c)
		for i, v := range src {
			dst[i] = v*s + shift
		}
	}
	return out, nil
}

func (b *BatchNorm2d) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if !x.SameShape(gradOut) {
		return nil, shapeErr("batchnorm backward", x.String(), gradOut.String())
	}
	grad := NewTensor(x.C, x.H, x.W)
	for c := 0; c < x.C; c++ {
		s := b.scale(c)
		src, dst := gradOut.Plane(c), grad.Plane(c)
		for i, g := range src {
			dst[i] = g * s
		}
	}
	return grad, nil
}

func (b *BatchNorm2d) Params(prefix string) []Param {
	shape := []int{b.C}
	return []Param{
		{Name: prefix + "weight", Shape: shape, Value: &b.Weight},
		{Name: prefix + "bias", Shape: shape, Value: &b.Bias},
		{Name: prefix + "running_mean", Shape: shape, Value: &b.RunningMean},
		{Name: prefix + "running_var", Shape: shape, Value: &b.RunningVar},
	}
}

// LayerNorm normalizes a flat vector over its full length.
type LayerNorm struct {
	Dim    int
	Eps    float64
	Weight []float32
	Bias   []float32
}

func NewLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim:    dim,
		Eps:    LayerNormEps,
		Weight: make([]float32, dim),
		Bias:   make([]float32, dim),
	}
	for i := range ln.Weight {
		ln.Weight[i] = 1
	}
	return ln
}

func (l *LayerNorm) Forward(x *Tensor) (*Tensor, error) {
	if x.Len() != l.Dim {
		return nil, shapeErr("layernorm", fmt.Sprintf("%d features", l.Dim), x.String())
	}
	var mean float64
	for _, v := range x.Data {
		mean += float64(v)
	}
	mean /= float64(l.Dim)
	var variance float64
	for _, v := range x.Data {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(l.Dim)
	inv := 1 / math.Sqrt(variance+l.Eps)

	out := NewTensor(l.Dim, 1, 1)
	for i, v := range x.Data {
		out.Data[i] = float32((float64(v)-mean)*inv)*l.Weight[i] + l.Bias[i]
	}
	return out, nil
}

func (l *LayerNorm) Params(prefix string) []Param {
	shape := []int{l.Dim}
	return []Param{
		{Name: prefix + "weight", Shape: shape, Value: &l.Weight},
		{Name: prefix + "bias", Shape: shape, Value: &l.Bias},
	}
}
