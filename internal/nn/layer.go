package nn

import (
	"fmt"
	"strconv"
)

// Param is a named weight slot. Value points at the layer field that holds
// the data so loaders can bind checkpoint tensors in place.
type Param struct {
	Name  string
	Shape []int
	Value *[]float32
}

// Size returns the number of elements implied by Shape.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

type Layer interface {
	Forward(x *Tensor) (*Tensor, error)
	// Params lists the layer's weights, each name prefixed with prefix.
	Params(prefix string) []Param
}

// Differentiable layers can propagate a gradient from their output back to
// their input. x is the input the layer saw during the forward pass.
type Differentiable interface {
	Layer
	Backward(x, gradOut *Tensor) (*Tensor, error)
}

// Named pairs a layer with its state-dict path.
type Named struct {
	Name  string
	Layer Layer
}

// Sequential runs its layers in order. Parameter names follow the
// state-dict convention "<prefix><name>.<param>".
type Sequential struct {
	Layers []Named
}

func NewSequential(layers ...Layer) *Sequential {
	s := &Sequential{Layers: make([]Named, len(layers))}
	for i, l := range layers {
		s.Layers[i] = Named{Name: strconv.Itoa(i), Layer: l}
	}
	return s
}

func (s *Sequential) Forward(x *Tensor) (*Tensor, error) {
	var err error
	for _, l := range s.Layers {
		x, err = l.Layer.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name, err)
		}
	}
	return x, nil
}

func (s *Sequential) Params(prefix string) []Param {
	var out []Param
	for _, l := range s.Layers {
		out = append(out, l.Layer.Params(prefix+l.Name+".")...)
	}
	return out
}
