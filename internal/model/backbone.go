package model

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

// Trunk computes the backbone up to and including its last convolution.
type Trunk interface {
	Forward(x *nn.Tensor) (*nn.Tensor, error)
	Close() error
}

type nativeTrunk struct {
	*nn.Sequential
}

func (nativeTrunk) Close() error { return nil }

// Backbone is the shared feature extractor. It is split at its last
// convolution into a trunk and a tail of differentiable layers (batchnorm,
// activation, pooling) so attention maps can be computed without a full
// autograd engine.
type Backbone struct {
	Arch Arch

	layers  []nn.Named
	convIdx int
	trunk   Trunk
	// external is set when the trunk weights live outside the layer stack.
	external bool
}

// Trace carries what an instrumented forward pass saw.
type Trace struct {
	// Activations is the output of the last convolution.
	Activations *nn.Tensor
	// Features is the pooled feature vector.
	Features *nn.Tensor

	tailInputs []*nn.Tensor
}

// NewBackbone builds arch with freshly initialized weights.
func NewBackbone(arch Arch) *Backbone {
	return NewCustomBackbone(arch, arch.layers())
}

// NewCustomBackbone wraps an arbitrary layer stack. A stack without any
// convolution still produces features but cannot be instrumented.
func NewCustomBackbone(arch Arch, layers []nn.Named) *Backbone {
	b := &Backbone{Arch: arch, layers: layers, convIdx: -1}
	for i, l := range layers {
		if _, ok := l.Layer.(*nn.Conv2d); ok {
			b.convIdx = i
		}
	}
	if b.convIdx >= 0 {
		b.trunk = nativeTrunk{&nn.Sequential{Layers: layers[:b.convIdx+1]}}
	}
	return b
}

// WithTrunk replaces the layers up to the last convolution with an external
// implementation. Only tail weights are then loaded from checkpoints.
func (b *Backbone) WithTrunk(t Trunk) (*Backbone, error) {
	if b.convIdx < 0 {
		return nil, ErrNoConvLayer
	}
	return &Backbone{Arch: b.Arch, layers: b.layers, convIdx: b.convIdx, trunk: t, external: true}, nil
}

func (b *Backbone) tail() []nn.Named {
	return b.layers[b.convIdx+1:]
}

// Features runs the full stack and returns the pooled feature vector.
func (b *Backbone) Features(x *nn.Tensor) (*nn.Tensor, error) {
	var err error
	if b.trunk != nil {
		if x, err = b.trunk.Forward(x); err != nil {
			return nil, fmt.Errorf("backbone trunk: %w", err)
		}
	}
	for _, l := range b.tail() {
		if x, err = l.Layer.Forward(x); err != nil {
			return nil, fmt.Errorf("backbone %s: %w", l.Name, err)
		}
	}
	return x, nil
}

// ForwardInstrumented runs the stack and keeps the last-convolution
// activations plus everything Backward needs.
func (b *Backbone) ForwardInstrumented(x *nn.Tensor) (*Trace, error) {
	if b.convIdx < 0 {
		return nil, ErrNoConvLayer
	}
	act, err := b.trunk.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("backbone trunk: %w", err)
	}
	tr := &Trace{Activations: act}
	x = act
	for _, l := range b.tail() {
		if _, ok := l.Layer.(nn.Differentiable); !ok {
			return nil, fmt.Errorf("backbone %s cannot propagate gradients: %w", l.Name, ErrNoConvLayer)
		}
		tr.tailInputs = append(tr.tailInputs, x)
		if x, err = l.Layer.Forward(x); err != nil {
			return nil, fmt.Errorf("backbone %s: %w", l.Name, err)
		}
	}
	tr.Features = x
	return tr, nil
}

// Backward propagates a gradient on the pooled features back to the
// last-convolution activations recorded in tr.
func (b *Backbone) Backward(tr *Trace, gradFeatures *nn.Tensor) (*nn.Tensor, error) {
	tail := b.tail()
	if len(tr.tailInputs) != len(tail) {
		return nil, fmt.Errorf("trace does not match backbone: %w", nn.ErrShape)
	}
	grad := gradFeatures
	var err error
	for i := len(tail) - 1; i >= 0; i-- {
		d := tail[i].Layer.(nn.Differentiable)
		if grad, err = d.Backward(tr.tailInputs[i], grad); err != nil {
			return nil, fmt.Errorf("backbone %s backward: %w", tail[i].Name, err)
		}
	}
	return grad, nil
}

// Params lists the weights held in process. With an external trunk only the
// tail contributes.
func (b *Backbone) Params() []nn.Param {
	layers := b.layers
	if b.external {
		layers = b.tail()
	}
	return (&nn.Sequential{Layers: layers}).Params("")
}

func (b *Backbone) Close() error {
	if b.trunk == nil {
		return nil
	}
	return b.trunk.Close()
}

// InputTensor scales a glyph to [0, 1] and standardizes it with the training
// statistics.
func InputTensor(g *image.Gray) *nn.Tensor {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	t := nn.NewTensor(1, h, w)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			t.Data[y*w+x] = (float32(v)/255 - InputMean) / InputStd
		}
	}
	return t
}
