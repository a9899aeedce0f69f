package nn

import "math"

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

type SiLU struct{}

func (SiLU) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.C, x.H, x.W)
	for i, v := range x.Data {
		out.Data[i] = v * sigmoid(v)
	}
	return out, nil
}

// Backward uses d/dx x·σ(x) = σ(x)·(1 + x·(1−σ(x))).
func (SiLU) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if !x.SameShape(gradOut) {
		return nil, shapeErr("silu backward", x.String(), gradOut.String())
	}
	grad := NewTensor(x.C, x.H, x.W)
	for i, v := range x.Data {
		s := sigmoid(v)
		grad.Data[i] = gradOut.Data[i] * s * (1 + v*(1-s))
	}
	return grad, nil
}

func (SiLU) Params(string) []Param { return nil }

type ReLU struct{}

func (ReLU) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.C, x.H, x.W)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

func (ReLU) Backward(x, gradOut *Tensor) (*Tensor, error) {
	if !x.SameShape(gradOut) {
		return nil, shapeErr("relu backward", x.String(), gradOut.String())
	}
	grad := NewTensor(x.C, x.H, x.W)
	for i, v := range x.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return grad, nil
}

func (ReLU) Params(string) []Param { return nil }

type Sigmoid struct{}

func (Sigmoid) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.C, x.H, x.W)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	return out, nil
}

func (Sigmoid) Params(string) []Param { return nil }
