package nn

import (
	"fmt"

	"github.com/viterin/vek/vek32"
)

// Linear is a fully connected layer over the flattened input. Weight layout
// is [out, in].
type Linear struct {
	In, Out int
	Weight  []float32
	Bias    []float32
}

func NewLinear(in, out int) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: make([]float32, in*out),
		Bias:   make([]float32, out),
	}
}

func (l *Linear) Forward(x *Tensor) (*Tensor, error) {
	if x.Len() != l.In {
		return nil, shapeErr("linear", fmt.Sprintf("%d features", l.In), x.String())
	}
	if len(l.Weight) != l.In*l.Out {
		return nil, fmt.Errorf("linear: weight has %d elements, want %d: %w", len(l.Weight), l.In*l.Out, ErrShape)
	}
	out := NewTensor(l.Out, 1, 1)
	for o := 0; o < l.Out; o++ {
		out.Data[o] = vek32.Dot(l.Weight[o*l.In:(o+1)*l.In], x.Data) + l.Bias[o]
	}
	return out, nil
}

// Backward returns the gradient with respect to the input, shaped like x.
func (l *Linear) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if gradOut.Len() != l.Out {
		return nil, shapeErr("linear backward", fmt.Sprintf("%d outputs", l.Out), gradOut.String())
	}
	grad := NewTensor(x.C, x.H, x.W)
	for o, g := range gradOut.Data {
		if g == 0 {
			continue
		}
		vek32.Add_Inplace(grad.Data, vek32.MulNumber(l.Weight[o*l.In:(o+1)*l.In], g))
	}
	return grad, nil
}

func (l *Linear) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + "weight", Shape: []int{l.Out, l.In}, Value: &l.Weight},
		{Name: prefix + "bias", Shape: []int{l.Out}, Value: &l.Bias},
	}
}

// Dropout is the identity at inference time.
type Dropout struct {
	P float32
}

func (Dropout) Forward(x *Tensor) (*Tensor, error) { return x, nil }

func (Dropout) Backward(_, gradOut *Tensor) (*Tensor, error) { return gradOut, nil }

func (Dropout) Params(string) []Param { return nil }

// Flatten reshapes to a len×1×1 vector.
type Flatten struct{}

func (Flatten) Forward(x *Tensor) (*Tensor, error) {
	return FromVector(x.Data), nil
}

func (Flatten) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if gradOut.Len() != x.Len() {
		return nil, shapeErr("flatten backward", x.String(), gradOut.String())
	}
	return &Tensor{C: x.C, H: x.H, W: x.W, Data: gradOut.Data}, nil
}

func (Flatten) Params(string) []Param { return nil }

// GlobalAvgPool averages every channel down to a single value.
type GlobalAvgPool struct{}

func (GlobalAvgPool) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.C, 1, 1)
	n := float32(x.H * x.W)
	for c := 0; c < x.C; c++ {
		out.Data[c] = vek32.Sum(x.Plane(c)) / n
	}
	return out, nil
}

func (GlobalAvgPool) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if gradOut.Len() != x.C {
		return nil, shapeErr("avgpool backward", fmt.Sprintf("%d channels", x.C), gradOut.String())
	}
	grad := NewTensor(x.C, x.H, x.W)
	n := float32(x.H * x.W)
	for c := 0; c < x.C; c++ {
		g := gradOut.Data[c] / n
		dst := grad.Plane(c)
		for i := range dst {
			dst[i] = g
		}
	}
	return grad, nil
}

func (GlobalAvgPool) Params(string) []Param { return nil }
