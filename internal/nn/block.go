package nn

import "fmt"

// NewConvNormAct builds the conv → batchnorm → SiLU triple used throughout
// EfficientNet. activation=false drops the SiLU (projection convs).
func NewConvNormAct(in, out, kernel, stride, groups int, activation bool) *Sequential {
	layers := []Layer{NewConv2d(in, out, kernel, stride, groups, false), NewBatchNorm2d(out)}
	if activation {
		layers = append(layers, SiLU{})
	}
	return NewSequential(layers...)
}

// SqueezeExcitation rescales channels by a gate computed from their global
// average.
type SqueezeExcitation struct {
	FC1 *Conv2d
	FC2 *Conv2d
}

func NewSqueezeExcitation(channels, squeeze int) *SqueezeExcitation {
	return &SqueezeExcitation{
		FC1: NewConv2d(channels, squeeze, 1, 1, 1, true),
		FC2: NewConv2d(squeeze, channels, 1, 1, 1, true),
	}
}

func (s *SqueezeExcitation) Forward(x *Tensor) (*Tensor, error) {
	pooled, err := GlobalAvgPool{}.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err := s.FC1.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("fc1: %w", err)
	}
	h, _ = SiLU{}.Forward(h)
	h, err = s.FC2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("fc2: %w", err)
	}
	gate, _ := Sigmoid{}.Forward(h)

	out := NewTensor(x.C, x.H, x.W)
	for c := 0; c < x.C; c++ {
		g := gate.Data[c]
		src, dst := x.Plane(c), out.Plane(c)
		for i, v := range src {
			dst[i] = v * g
		}
	}
	return out, nil
}

func (s *SqueezeExcitation) Params(prefix string) []Param {
	return append(s.FC1.Params(prefix+"fc1."), s.FC2.Params(prefix+"fc2.")...)
}

// MBConv is the inverted-residual block: optional 1×1 expansion, depthwise
// conv, squeeze-excitation, 1×1 projection, and an identity shortcut when the
// shape is preserved. Stochastic depth is a training-only concern and is
// omitted.
type MBConv struct {
	block    *Sequential
	residual bool
}

func NewMBConv(in, out, expandRatio, kernel, stride int) *MBConv {
	expanded := in * expandRatio
	var layers []Layer
	if expanded != in {
		layers = append(layers, NewConvNormAct(in, expanded, 1, 1, 1, true))
	}
	squeeze := in / 4
	if squeeze < 1 {
		squeeze = 1
	}
	layers = append(layers,
		NewConvNormAct(expanded, expanded, kernel, stride, expanded, true),
		NewSqueezeExcitation(expanded, squeeze),
		NewConvNormAct(expanded, out, 1, 1, 1, false),
	)
	return &MBConv{
		block:    NewSequential(layers...),
		residual: stride == 1 && in == out,
	}
}

func (m *MBConv) Forward(x *Tensor) (*Tensor, error) {
	out, err := m.block.Forward(x)
	if err != nil {
		return nil, err
	}
	if m.residual {
		for i := range out.Data {
			out.Data[i] += x.Data[i]
		}
	}
	return out, nil
}

func (m *MBConv) Params(prefix string) []Param {
	return m.block.Params(prefix + "block.")
}
